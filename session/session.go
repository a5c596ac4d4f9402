// Package session implements the coordination core: a registry of declared
// entities (publishers, subscribers, queryables, queriers, liveliness
// tokens), sample routing with locality filtering, query fan-out with reply
// consolidation, and the liveliness subsystem.
//
// A Session is safe for concurrent use. Every declared entity is an
// independent handle; undeclaring one never affects the others. Closing the
// session invalidates all of its entities, after which operations fail with
// a SessionClosed error.
package session

import (
	"log/slog"
	"sync"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/metric"
	"github.com/c360/keymesh/pkg/timestamp"
	"github.com/c360/keymesh/qos"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/transport"
)

// origin distinguishes same-session traffic from traffic that arrived over
// the transport, for locality filtering.
type origin uint8

const (
	originLocal origin = iota
	originRemote
)

func (o origin) String() string {
	if o == originLocal {
		return "local"
	}
	return "remote"
}

func (o origin) allowed(l qos.Locality) bool {
	if o == originLocal {
		return l.AllowsLocal()
	}
	return l.AllowsRemote()
}

// Session owns declared entities and routes data between them, and over the
// transport when one is attached.
type Session struct {
	zid    timestamp.ID
	clock  *timestamp.Clock
	logger *slog.Logger

	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	tr transport.Transport

	mu          sync.RWMutex
	closed      bool
	nextEid     uint32
	subscribers map[uint32]*Subscriber
	queryables  map[uint32]*Queryable
	publishers  map[uint32]*Publisher

	queriesMu sync.Mutex
	queries   map[string]*pendingQuery

	live *Liveliness
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransport attaches a transport. The session registers its receive
// handler on it; the caller retains ownership and closes it after the
// session.
func WithTransport(tr transport.Transport) Option {
	return func(s *Session) {
		s.tr = tr
	}
}

// WithMetricsRegistry enables Prometheus metrics for routing and queries.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Session) {
		s.registry = registry
	}
}

// Open creates a session with a fresh random identity.
func Open(opts ...Option) (*Session, error) {
	zid := timestamp.RandomID()
	s := &Session{
		zid:         zid,
		clock:       timestamp.NewClock(zid),
		logger:      slog.Default(),
		subscribers: make(map[uint32]*Subscriber),
		queryables:  make(map[uint32]*Queryable),
		publishers:  make(map[uint32]*Publisher),
		queries:     make(map[string]*pendingQuery),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry != nil {
		s.metrics = s.registry.CoreMetrics()
	}

	s.live = newLiveliness(s)
	if err := s.live.init(); err != nil {
		return nil, errors.Wrap(err, "Session", "Open", "liveliness setup")
	}

	if s.tr != nil {
		s.tr.OnReceive(s.handleEnvelope)
	}

	s.logger.Info("session opened", "zid", zid.String())
	return s, nil
}

// Zid returns the session's global identity.
func (s *Session) Zid() timestamp.ID {
	return s.zid
}

// Liveliness returns the liveliness subsystem accessor.
func (s *Session) Liveliness() *Liveliness {
	return s.live
}

// Info is a point-in-time snapshot of the session's entity counts.
type Info struct {
	Zid         timestamp.ID
	Subscribers int
	Queryables  int
	Publishers  int
	Tokens      int
}

// Info returns entity counts for introspection.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Zid:         s.zid,
		Subscribers: len(s.subscribers),
		Queryables:  len(s.queryables),
		Publishers:  len(s.publishers),
		Tokens:      s.live.tokenCount(),
	}
}

// Close invalidates every entity owned by the session. Liveliness tokens
// issue their DELETE samples before routing stops. Safe to call more than
// once and concurrently with in-flight operations.
func (s *Session) Close() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	// Token DELETEs must route while the session still accepts traffic.
	s.live.undeclareAll()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subscribers
	qas := s.queryables
	s.subscribers = make(map[uint32]*Subscriber)
	s.queryables = make(map[uint32]*Queryable)
	s.publishers = make(map[uint32]*Publisher)
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.sink.Close(); err != nil {
			s.logger.Warn("subscriber sink close failed", "subscriber", sub.id.String(), "error", err)
		}
	}
	for _, qa := range qas {
		if err := qa.sink.Close(); err != nil {
			s.logger.Warn("queryable sink close failed", "queryable", qa.id.String(), "error", err)
		}
	}

	s.queriesMu.Lock()
	pending := make([]*pendingQuery, 0, len(s.queries))
	for _, pq := range s.queries {
		pending = append(pending, pq)
	}
	s.queriesMu.Unlock()
	for _, pq := range pending {
		pq.finalize()
	}

	s.logger.Info("session closed", "zid", s.zid.String())
	return nil
}

// allocEid assigns the next entity counter. Caller must hold s.mu.
func (s *Session) allocEid() uint32 {
	s.nextEid++
	return s.nextEid
}

func (s *Session) entityID(eid uint32) sample.EntityGlobalID {
	return sample.EntityGlobalID{Zid: s.zid, Eid: eid}
}

// AllocEntityID reserves a fresh entity identity scoped to this session.
// Layers composing several entities into one logical publisher or
// subscriber use it to name the composite. Never reused within the
// session's lifetime.
func (s *Session) AllocEntityID() sample.EntityGlobalID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entityID(s.allocEid())
}

// Put publishes a value for a concrete key to every matching subscriber.
func (s *Session) Put(key string, payload []byte, opts ...PutOption) error {
	return s.write(key, payload, sample.KindPut, opts)
}

// Delete publishes a removal for a concrete key to every matching
// subscriber.
func (s *Session) Delete(key string, opts ...PutOption) error {
	return s.write(key, nil, sample.KindDelete, opts)
}

func (s *Session) write(key string, payload []byte, kind sample.Kind, opts []PutOption) error {
	ke, err := keyexpr.New(key)
	if err != nil {
		return err
	}
	return s.writeKeyExpr(ke, payload, kind, opts)
}

func (s *Session) writeKeyExpr(ke keyexpr.KeyExpr, payload []byte, kind sample.Kind, opts []PutOption) error {
	if !ke.IsConcrete() {
		return errors.WrapInvalid(errors.ErrInvalidKeyExpr, "Session", "write",
			"sample keys cannot contain wildcards")
	}

	o := defaultPutOptions()
	for _, opt := range opts {
		opt(&o)
	}

	smp := &sample.Sample{
		Key:        ke,
		Payload:    payload,
		Kind:       kind,
		Encoding:   o.encoding,
		Timestamp:  s.clock.Now(),
		QoS:        o.qos,
		Attachment: o.attachment,
		SourceInfo: o.source,
	}
	return s.route(smp, originLocal)
}

// route delivers a sample to every matching subscriber and, for local
// samples, forwards it over the transport.
func (s *Session) route(smp *sample.Sample, org origin) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.WrapInvalid(errors.ErrSessionClosed, "Session", "route", "session closed")
	}

	var matched []*Subscriber
	for _, sub := range s.subscribers {
		if !org.allowed(sub.allowedOrigin) {
			continue
		}
		if sub.key.Intersects(smp.Key) {
			matched = append(matched, sub)
		}
	}

	// The liveliness registry updates under the routing lock so a history
	// snapshot never drops or duplicates a token at the boundary.
	s.live.observe(smp)
	s.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.sink.Accept(smp.Clone()); err != nil {
			s.logger.Warn("sample delivery failed",
				"subscriber", sub.id.String(), "key", smp.Key.String(), "error", err)
			if s.metrics != nil {
				s.metrics.RecordSampleDropped("subscriber")
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordSampleRouted(smp.Kind.String(), org.String())
		}
	}

	if org == originLocal && s.tr != nil {
		env := transport.Envelope{
			Kind:   transport.KindSample,
			Sender: s.zid.String(),
			Key:    smp.Key.String(),
			Sample: smp,
		}
		if err := s.tr.Send(env); err != nil {
			s.logger.Warn("transport send failed", "key", smp.Key.String(), "error", err)
		}
	}
	return nil
}

// handleEnvelope dispatches one inbound transport envelope.
func (s *Session) handleEnvelope(env transport.Envelope) {
	if env.Sender == s.zid.String() {
		return
	}

	switch env.Kind {
	case transport.KindSample, transport.KindHeartbeat:
		if env.Sample == nil {
			return
		}
		if err := s.route(env.Sample, originRemote); err != nil {
			s.logger.Debug("inbound sample dropped", "key", env.Key, "error", err)
		}
	case transport.KindQuery:
		s.handleRemoteQuery(env)
	case transport.KindReply:
		if env.Sample == nil && env.Error == nil {
			return
		}
		if pq := s.lookupQuery(env.Corr); pq != nil {
			pq.offer(Reply{Replier: env.Replier, Sample: env.Sample, Error: env.Error})
		}
	case transport.KindQueryFinal:
		if pq := s.lookupQuery(env.Corr); pq != nil {
			pq.releaseRemote()
		}
	default:
		s.logger.Debug("unknown envelope kind", "kind", string(env.Kind))
	}
}

func (s *Session) lookupQuery(corr string) *pendingQuery {
	s.queriesMu.Lock()
	defer s.queriesMu.Unlock()
	return s.queries[corr]
}

func (s *Session) registerQuery(pq *pendingQuery) {
	s.queriesMu.Lock()
	s.queries[pq.id] = pq
	s.queriesMu.Unlock()
}

func (s *Session) unregisterQuery(id string) {
	s.queriesMu.Lock()
	delete(s.queries, id)
	s.queriesMu.Unlock()
}

func (s *Session) recordEntityCounts() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	subs, qas, pubs := len(s.subscribers), len(s.queryables), len(s.publishers)
	s.mu.RUnlock()
	s.metrics.RecordEntityCount("subscriber", subs)
	s.metrics.RecordEntityCount("queryable", qas)
	s.metrics.RecordEntityCount("publisher", pubs)
}
