package advanced

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/metric"
	"github.com/c360/keymesh/pkg/retry"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/selector"
	"github.com/c360/keymesh/session"
)

// Miss is a detected gap in a source's per-key sequence numbers: Count
// samples from Source were never observed.
type Miss struct {
	Source sample.EntityGlobalID
	Count  uint64
}

// maxTrackedGap bounds the per-source set of recoverable sequence numbers.
// A gap wider than this keeps only the most recent entries; older ones are
// beyond any bounded publication cache anyway.
const maxTrackedGap = 1024

// deliveryOrigin distinguishes why a sample reaches the sequencing state
// machine. Live gaps raise a Miss; historical gaps are expected cache
// evictions and stay silent.
type deliveryOrigin uint8

const (
	originLive deliveryOrigin = iota
	originRecovered
	originHistorical
)

// Subscriber wraps a session subscriber with per-source sequence tracking:
// it de-duplicates by (source, sequence number), reports gaps as Miss
// notifications, and optionally recovers missed samples from the
// publishers' caches.
type Subscriber struct {
	s      *session.Session
	key    keyexpr.KeyExpr
	out    session.Sink[*sample.Sample]
	logger *slog.Logger
	m      *metric.Metrics

	missFn   func(Miss)
	recovery RecoveryMode
	history  *HistoryConfig

	sub     *session.Subscriber
	hbSub   *session.Subscriber
	liveSub *session.Subscriber

	mu     sync.Mutex
	states map[stateKey]*sourceState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type stateKey struct {
	source sample.EntityGlobalID
	key    string
}

// sourceState is the per-(source, key) sequencing watermark. last is the
// highest sequence number observed; missing holds the sequence numbers of
// detected gaps still awaiting recovery.
type sourceState struct {
	last    uint64
	missing map[uint64]struct{}
}

// SubscriberOption configures an advanced subscriber.
type SubscriberOption func(*Subscriber)

// WithMissHandler invokes fn once per detected gap.
func WithMissHandler(fn func(Miss)) SubscriberOption {
	return func(s *Subscriber) { s.missFn = fn }
}

// WithRecovery retrieves missed samples from the publishers' caches using
// the given mode.
func WithRecovery(mode RecoveryMode) SubscriberOption {
	return func(s *Subscriber) { s.recovery = mode }
}

// WithHistory fetches cached publications at declaration time, and for
// late publishers when so configured.
func WithHistory(cfg HistoryConfig) SubscriberOption {
	return func(s *Subscriber) { s.history = &cfg }
}

// WithSubscriberLogger sets the subscriber's logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = logger }
}

// WithSubscriberMetrics records miss and recovery activity in the given
// registry's core metrics.
func WithSubscriberMetrics(registry *metric.MetricsRegistry) SubscriberOption {
	return func(s *Subscriber) {
		if registry != nil {
			s.m = registry.CoreMetrics()
		}
	}
}

// NewSubscriber declares an advanced subscriber on a key expression.
// Samples flow to sink in per-source order with duplicates suppressed.
func NewSubscriber(s *session.Session, key string, sink session.Sink[*sample.Sample], opts ...SubscriberOption) (*Subscriber, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Subscriber", "New",
			"sink cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscriber{
		s:      s,
		key:    ke,
		out:    sink,
		logger: slog.Default(),
		states: make(map[stateKey]*sourceState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(sub)
	}

	if sub.recovery != nil {
		if err := sub.recovery.validate(); err != nil {
			cancel()
			return nil, err
		}
	}
	if sub.history != nil {
		if err := sub.history.Validate(); err != nil {
			cancel()
			return nil, err
		}
	}

	if err := sub.declare(); err != nil {
		cancel()
		sub.undeclareAll()
		return nil, err
	}

	if pq, ok := sub.recovery.(PeriodicQueries); ok {
		sub.wg.Add(1)
		go sub.periodicRecoveryLoop(pq)
	}

	// With late-publisher detection the liveliness snapshot already
	// triggers a per-publisher history fetch; without it, one wildcard
	// query covers every cache alive right now.
	if sub.history != nil && !sub.history.DetectLatePublishers {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.fetchHistoryAll()
		}()
	}

	return sub, nil
}

func (s *Subscriber) declare() error {
	dataSink, err := session.NewCallbackSink[*sample.Sample](func(smp *sample.Sample) {
		s.process(smp, originLive)
	})
	if err != nil {
		return err
	}
	s.sub, err = s.s.DeclareSubscriber(s.key.String(), dataSink)
	if err != nil {
		return err
	}

	hbSink, err := session.NewCallbackSink[*sample.Sample](s.processHeartbeat)
	if err != nil {
		return err
	}
	s.hbSub, err = s.s.DeclareSubscriber(heartbeatPrefix+"/*/*", hbSink)
	if err != nil {
		return err
	}

	if s.history != nil && s.history.DetectLatePublishers {
		liveSink, err := session.NewCallbackSink[*sample.Sample](s.processPresence)
		if err != nil {
			return err
		}
		s.liveSub, err = s.s.Liveliness().DeclareSubscriber(presencePrefix+"/*/*", liveSink,
			session.WithHistory(true))
		if err != nil {
			return err
		}
	}
	return nil
}

// ID returns the underlying subscriber's global identity.
func (s *Subscriber) ID() sample.EntityGlobalID {
	return s.sub.ID()
}

// Key returns the subscribed key expression.
func (s *Subscriber) Key() keyexpr.KeyExpr {
	return s.key
}

// process runs one sample through the sequencing state machine and decides
// whether it reaches the output sink.
func (s *Subscriber) process(smp *sample.Sample, origin deliveryOrigin) {
	if smp.SourceInfo == nil {
		// Unsequenced traffic passes through untouched.
		s.deliver(smp)
		return
	}
	si := smp.SourceInfo
	sk := stateKey{source: si.ID, key: smp.Key.String()}

	s.mu.Lock()
	st, known := s.states[sk]
	if !known {
		// First contact sets the baseline; preceding samples predate
		// this subscriber and are the history fetch's concern.
		s.states[sk] = &sourceState{last: si.Seq}
		s.mu.Unlock()
		s.deliver(smp)
		return
	}

	switch {
	case si.Seq == st.last+1:
		st.last = si.Seq
		s.mu.Unlock()
		s.deliver(smp)

	case si.Seq > st.last+1:
		gap := si.Seq - st.last - 1
		if origin != originHistorical {
			// Historical gaps are cache evictions, not losses: nothing
			// left to recover, nothing to report.
			st.recordGap(si.Seq)
		}
		st.last = si.Seq
		s.mu.Unlock()
		if origin != originHistorical {
			s.notifyMiss(Miss{Source: si.ID, Count: gap})
		}
		s.deliver(smp)

	default:
		// At or below the watermark: either a recoverable gap entry or a
		// duplicate.
		if _, wanted := st.missing[si.Seq]; !wanted {
			s.mu.Unlock()
			return
		}
		delete(st.missing, si.Seq)
		s.mu.Unlock()
		if origin != originLive && s.m != nil {
			s.m.RecordRecovered()
		}
		s.deliver(smp)
	}
}

func (s *Subscriber) deliver(smp *sample.Sample) {
	if err := s.out.Accept(smp); err != nil {
		s.logger.Warn("sample delivery failed", "key", smp.Key.String(), "error", err)
	}
}

func (s *Subscriber) notifyMiss(m Miss) {
	if s.m != nil {
		s.m.RecordMiss()
	}
	if s.missFn != nil {
		s.missFn(m)
	}
}

// recordGap marks the sequence numbers between the watermark and next as
// missing, keeping at most maxTrackedGap entries.
func (st *sourceState) recordGap(next uint64) {
	if st.missing == nil {
		st.missing = make(map[uint64]struct{})
	}
	from := st.last + 1
	if next-from > maxTrackedGap {
		from = next - maxTrackedGap
	}
	for n := from; n < next; n++ {
		st.missing[n] = struct{}{}
	}
}

// processHeartbeat advances watermarks from a publisher's announcement and
// raises a Miss for any freshly announced gap. With heartbeat-driven
// recovery it immediately queries the publisher's cache.
func (s *Subscriber) processHeartbeat(smp *sample.Sample) {
	source, _, ok := sourceFromKey(smp.Key, heartbeatPrefix)
	if !ok {
		return
	}

	var latest map[string]uint64
	if err := json.Unmarshal(smp.Payload, &latest); err != nil {
		s.logger.Debug("malformed heartbeat", "key", smp.Key.String(), "error", err)
		return
	}

	_, hbRecovery := s.recovery.(HeartbeatDriven)

	for key, announced := range latest {
		ke, err := keyexpr.New(key)
		if err != nil || !s.key.Intersects(ke) {
			continue
		}
		sk := stateKey{source: source, key: key}

		s.mu.Lock()
		st, known := s.states[sk]
		if !known {
			s.states[sk] = &sourceState{last: announced}
			s.mu.Unlock()
			continue
		}
		if announced > st.last {
			gap := announced - st.last
			st.recordGap(announced + 1)
			st.last = announced
			s.mu.Unlock()
			s.notifyMiss(Miss{Source: source, Count: gap})
		} else {
			s.mu.Unlock()
		}

		// The fetch must not run on the delivering goroutine: over a
		// transport, the recovery replies arrive on that same goroutine.
		if hbRecovery {
			if first, last, ok := s.pendingRange(sk); ok {
				s.wg.Add(1)
				go func(key string, first, last uint64) {
					defer s.wg.Done()
					s.fetchMissing(source, key, first, last, s.recovery.queryTimeout())
				}(key, first, last)
			}
		}
	}
}

// pendingRange returns the inclusive bounds of the still-missing sequence
// numbers for one (source, key).
func (s *Subscriber) pendingRange(sk stateKey) (first, last uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, known := s.states[sk]
	if !known || len(st.missing) == 0 {
		return 0, 0, false
	}
	for n := range st.missing {
		if first == 0 || n < first {
			first = n
		}
		if n > last {
			last = n
		}
	}
	return first, last, true
}

// fetchMissing queries one publisher's cache for a sequence range and runs
// the replies back through the state machine, which drops anything already
// seen.
func (s *Subscriber) fetchMissing(source sample.EntityGlobalID, key string, first, last uint64, timeout time.Duration) {
	params := selector.Parameters{}
	params.Insert(paramSeqRange, formatSeqRange(first, last))
	sel := cacheKey(source, key) + "?" + params.String()

	ctx, cancel := context.WithTimeout(s.ctx, timeout+time.Second)
	defer cancel()

	replies, err := s.s.Get(ctx, sel,
		session.WithConsolidation(session.ConsolidationNone),
		session.WithTimeout(timeout))
	if err != nil {
		s.logger.Debug("recovery query failed", "selector", sel, "error", err)
		return
	}
	s.mergeReplies(replies.Collect(ctx), originRecovered, 0, 0)
}

// mergeReplies strips the cache prefix from replayed samples, orders them
// by sequence number, applies history bounds when given, and feeds them to
// the state machine.
func (s *Subscriber) mergeReplies(replies []session.Reply, origin deliveryOrigin, maxSamples int, maxAge time.Duration) {
	type replayed struct {
		smp *sample.Sample
		seq uint64
	}
	perKey := make(map[string][]replayed)

	now := time.Now()
	for _, r := range replies {
		if r.IsError() || r.Sample == nil || r.Sample.SourceInfo == nil {
			continue
		}
		source, suffix, ok := sourceFromKey(r.Sample.Key, cachePrefix)
		if !ok || source != r.Sample.SourceInfo.ID {
			continue
		}
		if maxAge > 0 && now.Sub(r.Sample.Timestamp.GoTime()) > maxAge {
			continue
		}
		smp := r.Sample.Clone()
		smp.Key = suffix
		perKey[suffix.String()] = append(perKey[suffix.String()],
			replayed{smp: smp, seq: smp.SourceInfo.Seq})
	}

	for _, batch := range perKey {
		sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
		if maxSamples > 0 && len(batch) > maxSamples {
			batch = batch[len(batch)-maxSamples:]
		}
		for _, item := range batch {
			s.process(item.smp, origin)
		}
	}
}

// processPresence reacts to a caching publisher appearing after this
// subscriber and fetches its history once.
func (s *Subscriber) processPresence(smp *sample.Sample) {
	if smp.Kind != sample.KindPut {
		return
	}
	source, _, ok := sourceFromKey(smp.Key, presencePrefix)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetchHistory(source)
	}()
}

// fetchHistoryAll queries every publisher cache matching the subscribed
// key in one shot, addressing the identity chunks with wildcards.
func (s *Subscriber) fetchHistoryAll() {
	timeout := 5 * time.Second
	if s.recovery != nil {
		timeout = s.recovery.queryTimeout()
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout+time.Second)
	defer cancel()

	sel := cachePrefix + "/*/*/" + s.key.String()
	replies, err := s.s.Get(ctx, sel,
		session.WithTarget(session.TargetAll),
		session.WithConsolidation(session.ConsolidationNone),
		session.WithTimeout(timeout))
	if err != nil {
		s.logger.Debug("history query failed", "selector", sel, "error", err)
		return
	}
	s.mergeReplies(replies.Collect(ctx), originHistorical, s.history.MaxSamples, s.history.MaxAge)
}

func (s *Subscriber) fetchHistory(source sample.EntityGlobalID) {
	timeout := 5 * time.Second
	if s.recovery != nil {
		timeout = s.recovery.queryTimeout()
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout+time.Second)
	defer cancel()

	replies, err := s.s.Get(ctx, cacheKey(source, s.key.String()),
		session.WithConsolidation(session.ConsolidationNone),
		session.WithTimeout(timeout))
	if err != nil {
		s.logger.Debug("history query failed", "source", source.String(), "error", err)
		return
	}
	s.mergeReplies(replies.Collect(ctx), originHistorical, s.history.MaxSamples, s.history.MaxAge)
}

// periodicRecoveryLoop polls the publishers' caches for missing sequence
// numbers. A failing poll backs off per the configured retry policy.
func (s *Subscriber) periodicRecoveryLoop(cfg PeriodicQueries) {
	defer s.wg.Done()

	rcfg := cfg.Retry
	if rcfg.MaxAttempts == 0 {
		rcfg = retry.Quick()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, pending := range s.snapshotPending() {
				p := pending
				err := retry.Do(s.ctx, rcfg, func() error {
					s.fetchMissing(p.sk.source, p.sk.key, p.first, p.last, cfg.queryTimeout())
					if _, _, stillMissing := s.pendingRange(p.sk); stillMissing {
						return errors.WrapTransient(errors.ErrTimeout, "Subscriber", "recover",
							"sequence range still missing")
					}
					return nil
				})
				if err != nil && s.ctx.Err() == nil {
					s.logger.Debug("recovery poll exhausted retries",
						"source", p.sk.source.String(), "key", p.sk.key, "error", err)
				}
			}
		}
	}
}

type pendingGap struct {
	sk    stateKey
	first uint64
	last  uint64
}

func (s *Subscriber) snapshotPending() []pendingGap {
	s.mu.Lock()
	keys := make([]stateKey, 0, len(s.states))
	for sk, st := range s.states {
		if len(st.missing) > 0 {
			keys = append(keys, sk)
		}
	}
	s.mu.Unlock()

	var out []pendingGap
	for _, sk := range keys {
		if first, last, ok := s.pendingRange(sk); ok {
			out = append(out, pendingGap{sk: sk, first: first, last: last})
		}
	}
	return out
}

func (s *Subscriber) undeclareAll() {
	if s.liveSub != nil {
		if err := s.liveSub.Undeclare(); err != nil {
			s.logger.Warn("presence subscriber undeclare failed", "error", err)
		}
	}
	if s.hbSub != nil {
		if err := s.hbSub.Undeclare(); err != nil {
			s.logger.Warn("heartbeat subscriber undeclare failed", "error", err)
		}
	}
	if s.sub != nil {
		if err := s.sub.Undeclare(); err != nil {
			s.logger.Warn("data subscriber undeclare failed", "error", err)
		}
	}
}

// Close stops recovery tasks and undeclares the underlying subscribers.
// The output sink is closed last. Idempotent.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.undeclareAll()
	s.wg.Wait()
	return s.out.Close()
}
