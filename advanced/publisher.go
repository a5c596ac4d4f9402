package advanced

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/metric"
	"github.com/c360/keymesh/qos"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/session"
)

// Publisher attaches a strictly increasing per-key sequence counter to
// every sample it emits and, when configured, retains recent publications
// in a bounded cache answerable by subscribers catching up after a loss.
// With miss detection enabled it also announces its latest sequence
// numbers as heartbeats.
type Publisher struct {
	s      *session.Session
	key    keyexpr.KeyExpr
	id     sample.EntityGlobalID
	logger *slog.Logger
	m      *metric.Metrics

	cacheCfg CacheConfig
	cache    *pubCache
	cacheSub *session.Subscriber
	cacheQA  *session.Queryable
	token    *session.LivelinessToken

	md MissDetection

	mu     sync.Mutex
	seq    map[string]uint64
	closed bool

	hbStop chan struct{}
	hbDone chan struct{}
	// announced tracks the per-key sequence numbers of the last heartbeat,
	// so a sporadic heartbeat only fires on change.
	announced map[string]uint64
}

// PublisherOption configures an advanced publisher.
type PublisherOption func(*Publisher)

// WithCache retains recent publications in a bounded cache and answers
// catch-up queries from it.
func WithCache(cfg CacheConfig) PublisherOption {
	return func(p *Publisher) { p.cacheCfg = cfg }
}

// WithMissDetection announces the latest sequence numbers so subscribers
// can detect losses even when no further samples arrive.
func WithMissDetection(md MissDetection) PublisherOption {
	return func(p *Publisher) { p.md = md }
}

// WithPublisherLogger sets the publisher's logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithPublisherMetrics records heartbeat and cache activity in the given
// registry's core metrics.
func WithPublisherMetrics(registry *metric.MetricsRegistry) PublisherOption {
	return func(p *Publisher) {
		if registry != nil {
			p.m = registry.CoreMetrics()
		}
	}
}

// NewPublisher declares an advanced publisher on a key expression. A
// concrete key publishes with Put/Delete; a wildcard expression publishes
// to any included concrete key with PutTo/DeleteTo.
func NewPublisher(s *session.Session, key string, opts ...PublisherOption) (*Publisher, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		s:      s,
		key:    ke,
		id:     s.AllocEntityID(),
		logger: slog.Default(),
		seq:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := validateMissDetection(p.md); err != nil {
		return nil, err
	}

	if p.cacheCfg.MaxSamples > 0 {
		if err := p.cacheCfg.Validate(); err != nil {
			return nil, err
		}
		if err := p.initCache(); err != nil {
			return nil, err
		}
	}

	if p.md != nil {
		p.hbStop = make(chan struct{})
		p.hbDone = make(chan struct{})
		p.announced = make(map[string]uint64)
		go p.heartbeatLoop()
	}

	return p, nil
}

// initCache wires the publication cache: a session-local subscriber feeds
// it with this publisher's routed samples, a queryable answers catch-up
// queries from it, and a liveliness token announces the cache's presence.
func (p *Publisher) initCache() error {
	var err error
	p.cache, err = newPubCache(p.cacheCfg)
	if err != nil {
		return err
	}

	feed, err := session.NewCallbackSink[*sample.Sample](func(smp *sample.Sample) {
		if smp.SourceInfo != nil && smp.SourceInfo.ID == p.id {
			p.cache.store(smp)
		}
	})
	if err != nil {
		return err
	}
	p.cacheSub, err = p.s.DeclareSubscriber(p.key.String(), feed,
		session.WithAllowedOrigin(qos.LocalitySessionLocal))
	if err != nil {
		return err
	}

	answer, err := session.NewCallbackSink[*session.Query](p.answerCacheQuery)
	if err != nil {
		return err
	}
	p.cacheQA, err = p.s.DeclareQueryable(cacheKey(p.id, "**"), answer,
		session.WithComplete(true))
	if err != nil {
		return err
	}

	p.token, err = p.s.Liveliness().DeclareToken(presenceKey(p.id))
	return err
}

// ID returns the identity under which this publisher's samples are
// sequenced and its cache is addressed.
func (p *Publisher) ID() sample.EntityGlobalID {
	return p.id
}

// Key returns the declared key expression.
func (p *Publisher) Key() keyexpr.KeyExpr {
	return p.key
}

// Put publishes a value on the declared key, which must be concrete.
func (p *Publisher) Put(payload []byte, opts ...session.PutOption) error {
	return p.write(p.key, payload, sample.KindPut, opts)
}

// Delete publishes a removal on the declared key, which must be concrete.
func (p *Publisher) Delete(opts ...session.PutOption) error {
	return p.write(p.key, nil, sample.KindDelete, opts)
}

// PutTo publishes a value on a concrete key included by the declared
// expression.
func (p *Publisher) PutTo(key string, payload []byte, opts ...session.PutOption) error {
	ke, err := p.resolve(key)
	if err != nil {
		return err
	}
	return p.write(ke, payload, sample.KindPut, opts)
}

// DeleteTo publishes a removal on a concrete key included by the declared
// expression.
func (p *Publisher) DeleteTo(key string, opts ...session.PutOption) error {
	ke, err := p.resolve(key)
	if err != nil {
		return err
	}
	return p.write(ke, nil, sample.KindDelete, opts)
}

func (p *Publisher) resolve(key string) (keyexpr.KeyExpr, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return ke, err
	}
	if !p.key.Includes(ke) {
		return ke, errors.WrapInvalid(errors.ErrKeyMismatch, "Publisher", "PutTo",
			"key outside the declared expression")
	}
	return ke, nil
}

func (p *Publisher) write(ke keyexpr.KeyExpr, payload []byte, kind sample.Kind, opts []session.PutOption) error {
	if !ke.IsConcrete() {
		return errors.WrapInvalid(errors.ErrInvalidKeyExpr, "Publisher", "Put",
			"publication keys cannot contain wildcards")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrEntityClosed, "Publisher", "Put", "publisher closed")
	}
	key := ke.String()
	p.seq[key]++
	n := p.seq[key]
	p.mu.Unlock()

	merged := make([]session.PutOption, 0, len(opts)+1)
	merged = append(merged, session.WithSourceInfo(sample.SourceInfo{ID: p.id, Seq: n}))
	merged = append(merged, opts...)

	if kind == sample.KindDelete {
		return p.s.Delete(key, merged...)
	}
	return p.s.Put(key, payload, merged...)
}

// answerCacheQuery replays cached samples matching the query key, bounded
// by the _sn sequence range when present. Replies carry the original
// timestamp and sequencing.
func (p *Publisher) answerCacheQuery(q *session.Query) {
	defer q.Release()

	suffix, ok := cacheQuerySuffix(q.KeyExpr())
	if !ok {
		return
	}

	var first, last uint64
	ranged := false
	if v, ok := q.Parameters().Get(paramSeqRange); ok {
		var err error
		first, last, err = parseSeqRange(v)
		if err != nil {
			p.logger.Debug("cache query has malformed sequence range", "value", v, "error", err)
			return
		}
		ranged = true
	}

	for _, smp := range p.cache.matching(suffix, first, last, ranged) {
		replyKey := cacheKey(p.id, smp.Key.String())
		replyOpts := []session.ReplyOption{
			session.WithReplyTimestamp(smp.Timestamp),
			session.WithReplyEncoding(smp.Encoding),
		}
		if smp.SourceInfo != nil {
			replyOpts = append(replyOpts, session.WithReplySourceInfo(*smp.SourceInfo))
		}

		var err error
		if smp.Kind == sample.KindDelete {
			err = q.ReplyDelete(replyKey, replyOpts...)
		} else {
			err = q.Reply(replyKey, smp.Payload, replyOpts...)
		}
		if err != nil {
			p.logger.Debug("cache replay reply failed", "key", replyKey, "error", err)
			return
		}
		if p.m != nil {
			p.m.RecordReply("cache")
		}
	}
}

// heartbeatLoop announces the latest per-key sequence numbers. Sporadic
// mode skips a period with no change and sends with BLOCK congestion
// control.
func (p *Publisher) heartbeatLoop() {
	defer close(p.hbDone)

	ticker := time.NewTicker(p.md.heartbeatPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-p.hbStop:
			return
		case <-ticker.C:
			p.announce()
		}
	}
}

func (p *Publisher) announce() {
	p.mu.Lock()
	if p.closed || len(p.seq) == 0 {
		p.mu.Unlock()
		return
	}
	snap := make(map[string]uint64, len(p.seq))
	changed := false
	for key, n := range p.seq {
		snap[key] = n
		if p.announced[key] != n {
			changed = true
		}
	}
	if p.md.sporadic() && !changed {
		p.mu.Unlock()
		return
	}
	for key, n := range snap {
		p.announced[key] = n
	}
	p.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("heartbeat encode failed", "error", err)
		return
	}

	opts := []session.PutOption{
		session.WithSourceInfo(sample.SourceInfo{ID: p.id}),
		session.WithEncoding(sample.EncodingJSON),
	}
	if p.md.sporadic() {
		q := qos.Default()
		q.CongestionControl = qos.CongestionControlBlock
		opts = append(opts, session.WithQoS(q))
	}
	if err := p.s.Put(heartbeatKey(p.id), payload, opts...); err != nil {
		p.logger.Debug("heartbeat publish failed", "error", err)
		return
	}
	if p.m != nil {
		p.m.RecordHeartbeat()
	}
}

// Close stops the heartbeat task and undeclares the cache entities.
// Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.hbStop != nil {
		close(p.hbStop)
		<-p.hbDone
	}
	if p.token != nil {
		if err := p.token.Undeclare(); err != nil {
			p.logger.Warn("presence token undeclare failed", "error", err)
		}
	}
	if p.cacheQA != nil {
		if err := p.cacheQA.Undeclare(); err != nil {
			p.logger.Warn("cache queryable undeclare failed", "error", err)
		}
	}
	if p.cacheSub != nil {
		if err := p.cacheSub.Undeclare(); err != nil {
			p.logger.Warn("cache feed undeclare failed", "error", err)
		}
	}
	return nil
}
