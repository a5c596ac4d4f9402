package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/qos"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/selector"
)

// livelinessPrefix is the reserved namespace carrying token presence. User
// keys are prefixed with it on the wire and stripped again on delivery.
const livelinessPrefix = "@liveliness"

// Liveliness models presence as token lifecycle events: declaring a token
// publishes a PUT on its key, undeclaring it (or closing the session)
// publishes a DELETE. Subscribers observe both; a query returns the tokens
// currently alive.
type Liveliness struct {
	s *Session

	mu sync.Mutex
	// alive counts tokens per prefixed key, fed by observed PUT/DELETE
	// traffic from both this session and remote peers.
	alive  map[string]int
	tokens map[uint32]*LivelinessToken
}

func newLiveliness(s *Session) *Liveliness {
	return &Liveliness{
		s:      s,
		alive:  make(map[string]int),
		tokens: make(map[uint32]*LivelinessToken),
	}
}

// init declares the internal queryable answering liveliness queries with
// the currently alive tokens.
func (l *Liveliness) init() error {
	sink, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		for _, key := range l.aliveMatching(q.KeyExpr()) {
			if err := q.Reply(key, nil); err != nil {
				l.s.logger.Debug("liveliness reply failed", "key", key, "error", err)
			}
		}
	})
	if err != nil {
		return err
	}
	_, err = l.s.DeclareQueryable(livelinessPrefix+"/**", sink, WithComplete(true))
	return err
}

// observe maintains the alive registry from routed liveliness samples.
// Runs under the session routing lock.
func (l *Liveliness) observe(smp *sample.Sample) {
	if !smp.Key.HasPrefix(livelinessPrefix) {
		return
	}
	key := smp.Key.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch smp.Kind {
	case sample.KindPut:
		l.alive[key]++
	case sample.KindDelete:
		l.alive[key]--
		if l.alive[key] <= 0 {
			delete(l.alive, key)
		}
	}
}

func (l *Liveliness) aliveMatching(ke keyexpr.KeyExpr) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for key := range l.alive {
		k, err := keyexpr.New(key)
		if err != nil {
			continue
		}
		if ke.Intersects(k) {
			out = append(out, key)
		}
	}
	return out
}

func (l *Liveliness) tokenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}

// undeclareAll issues DELETE samples for every remaining token. Called
// during session close, before routing stops.
func (l *Liveliness) undeclareAll() {
	l.mu.Lock()
	remaining := make([]*LivelinessToken, 0, len(l.tokens))
	for _, tok := range l.tokens {
		remaining = append(remaining, tok)
	}
	l.mu.Unlock()

	for _, tok := range remaining {
		if err := tok.Undeclare(); err != nil {
			l.s.logger.Warn("token undeclare failed", "key", tok.key.String(), "error", err)
		}
	}
}

// LivelinessToken asserts presence on a key from declare until undeclare
// or session close.
type LivelinessToken struct {
	l      *Liveliness
	id     sample.EntityGlobalID
	key    keyexpr.KeyExpr
	wire   keyexpr.KeyExpr
	closed atomic.Bool
}

// DeclareToken asserts presence on a concrete key.
func (l *Liveliness) DeclareToken(key string) (*LivelinessToken, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	if !ke.IsConcrete() {
		return nil, errors.WrapInvalid(errors.ErrInvalidKeyExpr, "Liveliness", "DeclareToken",
			"token keys cannot contain wildcards")
	}
	wire, err := keyexpr.New(livelinessPrefix + "/" + ke.String())
	if err != nil {
		return nil, err
	}

	s := l.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Liveliness", "DeclareToken", "session closed")
	}
	eid := s.allocEid()
	tok := &LivelinessToken{l: l, id: s.entityID(eid), key: ke, wire: wire}
	l.mu.Lock()
	l.tokens[eid] = tok
	l.mu.Unlock()
	s.mu.Unlock()

	if err := s.writeKeyExpr(wire, nil, sample.KindPut, nil); err != nil {
		tok.closed.Store(true)
		l.mu.Lock()
		delete(l.tokens, eid)
		l.mu.Unlock()
		return nil, errors.Wrap(err, "Liveliness", "DeclareToken", "presence publication")
	}
	return tok, nil
}

// ID returns the token's global identity.
func (t *LivelinessToken) ID() sample.EntityGlobalID {
	return t.id
}

// Key returns the token's key.
func (t *LivelinessToken) Key() keyexpr.KeyExpr {
	return t.key
}

// Undeclare withdraws the token, publishing its DELETE. Idempotent.
func (t *LivelinessToken) Undeclare() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.l.mu.Lock()
	delete(t.l.tokens, t.id.Eid)
	t.l.mu.Unlock()
	return t.l.s.writeKeyExpr(t.wire, nil, sample.KindDelete, nil)
}

// LivelinessSubscriberOption configures a liveliness subscriber.
type LivelinessSubscriberOption func(*livelinessSubOptions)

type livelinessSubOptions struct {
	history bool
}

// WithHistory synthesizes a PUT for every currently alive matching token
// before the live feed begins. The handoff neither drops nor duplicates a
// token changing state at the boundary.
func WithHistory(history bool) LivelinessSubscriberOption {
	return func(o *livelinessSubOptions) { o.history = history }
}

// DeclareSubscriber observes token PUT/DELETE transitions matching a key
// expression. Delivered sample keys are the token keys, without the
// reserved prefix.
func (l *Liveliness) DeclareSubscriber(key string, sink Sink[*sample.Sample], opts ...LivelinessSubscriberOption) (*Subscriber, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Liveliness", "DeclareSubscriber",
			"sink cannot be nil")
	}
	wire, err := keyexpr.New(livelinessPrefix + "/" + ke.String())
	if err != nil {
		return nil, err
	}

	var o livelinessSubOptions
	for _, opt := range opts {
		opt(&o)
	}

	wrapped := sinkFunc[*sample.Sample]{
		accept: func(smp *sample.Sample) error {
			if stripped, ok := smp.Key.StripPrefix(livelinessPrefix); ok {
				smp.Key = stripped
			}
			return sink.Accept(smp)
		},
		closeFn: sink.Close,
	}

	s := l.s
	sub := &Subscriber{s: s, key: wire, sink: wrapped, allowedOrigin: qos.LocalityDefault}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Liveliness", "DeclareSubscriber", "session closed")
	}

	// The snapshot and the registration happen under the routing write
	// lock, so no token transition can slip between them.
	if o.history {
		for _, aliveKey := range l.aliveMatching(wire) {
			k, err := keyexpr.New(aliveKey)
			if err != nil {
				continue
			}
			snap := &sample.Sample{
				Key:       k,
				Kind:      sample.KindPut,
				Timestamp: s.clock.Now(),
			}
			if err := wrapped.Accept(snap); err != nil {
				s.mu.Unlock()
				return nil, errors.Wrap(err, "Liveliness", "DeclareSubscriber", "history delivery")
			}
		}
	}

	eid := s.allocEid()
	sub.id = s.entityID(eid)
	s.subscribers[eid] = sub
	s.mu.Unlock()

	s.recordEntityCounts()
	return sub, nil
}

// Get returns the currently alive tokens matching a key expression.
// Defaults to no consolidation, since each token names a distinct key.
func (l *Liveliness) Get(ctx context.Context, key string, opts ...GetOption) (*Replies, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	wire, err := keyexpr.New(livelinessPrefix + "/" + ke.String())
	if err != nil {
		return nil, err
	}

	o := defaultGetOptions()
	o.consolidation = ConsolidationNone
	for _, opt := range opts {
		opt(&o)
	}

	recv, err := NewChannelSink[Reply](256)
	if err != nil {
		return nil, err
	}
	o.replySink = sinkFunc[Reply]{
		accept: func(r Reply) error {
			if r.Sample != nil {
				if stripped, ok := r.Sample.Key.StripPrefix(livelinessPrefix); ok {
					r.Sample.Key = stripped
				}
			}
			return recv.Accept(r)
		},
		closeFn: recv.Close,
	}

	if _, err := l.s.get(ctx, selector.New(wire, selector.Parameters{}), o); err != nil {
		return nil, err
	}
	return &Replies{recv: recv}, nil
}
