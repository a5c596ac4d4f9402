package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/pkg/timestamp"
	"github.com/c360/keymesh/qos"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/selector"
	"github.com/c360/keymesh/transport"
)

// Target selects which matching queryables a query reaches.
type Target uint8

const (
	// TargetBestMatching picks a single complete queryable covering the
	// whole query key when one exists, otherwise every intersecting
	// queryable. Default.
	TargetBestMatching Target = iota
	// TargetAll picks every intersecting queryable.
	TargetAll
	// TargetAllComplete picks every intersecting queryable declared
	// complete.
	TargetAllComplete
)

// String returns the string representation of the target.
func (t Target) String() string {
	switch t {
	case TargetBestMatching:
		return "best_matching"
	case TargetAll:
		return "all"
	case TargetAllComplete:
		return "all_complete"
	default:
		return "unknown"
	}
}

func parseTarget(s string) Target {
	switch s {
	case "all":
		return TargetAll
	case "all_complete":
		return TargetAllComplete
	default:
		return TargetBestMatching
	}
}

// Reply is one answer to a query: a sample, or an error payload, tagged
// with the answering entity's identity.
type Reply struct {
	Replier sample.EntityGlobalID
	Sample  *sample.Sample
	Error   []byte
}

// IsError reports whether this reply carries an error payload.
func (r Reply) IsError() bool {
	return r.Error != nil
}

// getOptions carries the knobs of one query.
type getOptions struct {
	target        Target
	consolidation Consolidation
	timeout       time.Duration
	payload       []byte
	encoding      sample.Encoding
	attachment    []byte
	params        string
	expectedPeers int
	cancel        *CancellationToken
	replySink     Sink[Reply]
}

func defaultGetOptions() getOptions {
	return getOptions{timeout: 10 * time.Second}
}

// GetOption configures a query.
type GetOption func(*getOptions)

// WithTarget sets the queryable selection policy.
func WithTarget(t Target) GetOption {
	return func(o *getOptions) { o.target = t }
}

// WithConsolidation sets the reply consolidation policy.
func WithConsolidation(c Consolidation) GetOption {
	return func(o *getOptions) { o.consolidation = c }
}

// WithTimeout bounds the reply collection window. On expiry the query
// finalizes with whatever replies arrived; a timeout is not an error.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithQueryPayload attaches a payload to the query.
func WithQueryPayload(payload []byte, encoding sample.Encoding) GetOption {
	return func(o *getOptions) {
		o.payload = payload
		o.encoding = encoding
	}
}

// WithQueryAttachment attaches opaque bytes to the query.
func WithQueryAttachment(b []byte) GetOption {
	return func(o *getOptions) { o.attachment = b }
}

// WithParameters sets the selector parameter string for queries issued
// through a Querier.
func WithParameters(params string) GetOption {
	return func(o *getOptions) { o.params = params }
}

// WithExpectedPeers tells the query how many remote peers will answer over
// the transport. The query finalizes early once every local instance is
// released and that many peers sent their final marker; without it, a
// transported query waits out its full timeout.
func WithExpectedPeers(n int) GetOption {
	return func(o *getOptions) {
		if n > 0 {
			o.expectedPeers = n
		}
	}
}

// WithCancellation associates the query with a cancellation token.
func WithCancellation(tok *CancellationToken) GetOption {
	return func(o *getOptions) { o.cancel = tok }
}

// WithReplySink delivers replies to the given sink instead of the returned
// channel receiver; Get then returns a nil receiver. Pairing this with a
// CallbackSink gives callback-style reply handling.
func WithReplySink(sink Sink[Reply]) GetOption {
	return func(o *getOptions) { o.replySink = sink }
}

// Replies receives the replies of one query. The stream terminates when
// the query finalizes: every matched queryable released its instance, the
// timeout elapsed, or the query was cancelled.
type Replies struct {
	recv *ChannelSink[Reply]
}

// Recv blocks until the next reply, the end of the stream, or ctx done.
func (r *Replies) Recv(ctx context.Context) (Reply, error) {
	return r.recv.Recv(ctx)
}

// TryRecv returns immediately with the next reply, or false when none is
// pending.
func (r *Replies) TryRecv() (Reply, bool) {
	return r.recv.TryRecv()
}

// Collect drains the stream until it terminates or ctx is done.
func (r *Replies) Collect(ctx context.Context) []Reply {
	var out []Reply
	for {
		reply, err := r.recv.Recv(ctx)
		if err != nil {
			return out
		}
		out = append(out, reply)
	}
}

// pendingQuery is the querier-side state of one in-flight query.
type pendingQuery struct {
	id   string
	sel  selector.Selector
	s    *Session
	sink Sink[Reply]

	mu         sync.Mutex
	cons       consolidator
	localRefs  int
	remoteRefs int
	// waitNetwork keeps the query open until timeout when the number of
	// transport peers is unknown.
	waitNetwork bool
	done        bool
	inflight    sync.WaitGroup

	timer     *time.Timer
	stopWatch func() bool
	start     time.Time
	target    Target
}

// offer feeds one arrived reply through the consolidation policy. Error
// replies always pass through.
func (pq *pendingQuery) offer(r Reply) {
	pq.mu.Lock()
	if pq.done {
		pq.mu.Unlock()
		return
	}
	forward := r.IsError() || pq.cons.offer(r)
	if forward {
		pq.inflight.Add(1)
	}
	pq.mu.Unlock()

	if !forward {
		return
	}
	defer pq.inflight.Done()
	if err := pq.sink.Accept(r); err != nil {
		pq.s.logger.Debug("reply delivery failed", "query", pq.id, "error", err)
		return
	}
	if pq.s.metrics != nil {
		result := "ok"
		if r.IsError() {
			result = "error"
		}
		pq.s.metrics.RecordReply(result)
	}
}

func (pq *pendingQuery) release() {
	pq.mu.Lock()
	pq.localRefs--
	fin := pq.completeLocked()
	pq.mu.Unlock()
	if fin {
		pq.finalize()
	}
}

func (pq *pendingQuery) releaseRemote() {
	pq.mu.Lock()
	if pq.remoteRefs > 0 {
		pq.remoteRefs--
	}
	fin := pq.completeLocked()
	pq.mu.Unlock()
	if fin {
		pq.finalize()
	}
}

func (pq *pendingQuery) completeLocked() bool {
	return !pq.done && pq.localRefs <= 0 && pq.remoteRefs <= 0 && !pq.waitNetwork
}

// finalize ends the query exactly once: flushes withheld replies, closes the
// reply sink, and unregisters the query.
func (pq *pendingQuery) finalize() {
	pq.mu.Lock()
	if pq.done {
		pq.mu.Unlock()
		return
	}
	pq.done = true
	flushed := pq.cons.flush()
	pq.mu.Unlock()

	for _, r := range flushed {
		if err := pq.sink.Accept(r); err != nil {
			pq.s.logger.Debug("consolidated reply delivery failed", "query", pq.id, "error", err)
			continue
		}
		if pq.s.metrics != nil {
			pq.s.metrics.RecordReply("ok")
		}
	}
	if err := pq.sink.Close(); err != nil {
		pq.s.logger.Debug("reply sink close failed", "query", pq.id, "error", err)
	}

	if pq.timer != nil {
		pq.timer.Stop()
	}
	if pq.stopWatch != nil {
		pq.stopWatch()
	}
	pq.s.unregisterQuery(pq.id)
	if pq.s.metrics != nil {
		pq.s.metrics.RecordQueryDuration(pq.target.String(), time.Since(pq.start))
	}
}

// wait blocks until every forwarded reply delivery has returned. Used by
// cancellation to guarantee no callback runs after Cancel returns.
func (pq *pendingQuery) wait() {
	pq.inflight.Wait()
}

// Get issues a query for the given selector string and returns a reply
// receiver. With WithReplySink the receiver is nil and replies go to the
// provided sink instead.
func (s *Session) Get(ctx context.Context, sel string, opts ...GetOption) (*Replies, error) {
	parsed, err := selector.Parse(sel)
	if err != nil {
		return nil, err
	}

	o := defaultGetOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return s.get(ctx, parsed, o)
}

func (s *Session) get(ctx context.Context, sel selector.Selector, o getOptions) (*Replies, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Session", "Get", "session closed")
	}
	matched := s.matchQueryablesLocked(sel.KeyExpr, o.target)
	s.mu.RUnlock()

	var recv *ChannelSink[Reply]
	sink := o.replySink
	if sink == nil {
		var err error
		recv, err = NewChannelSink[Reply](256)
		if err != nil {
			return nil, err
		}
		sink = recv
	}

	pq := &pendingQuery{
		id:          uuid.NewString(),
		sel:         sel,
		s:           s,
		sink:        sink,
		cons:        newConsolidator(resolveConsolidation(o.consolidation, len(matched), s.tr != nil)),
		localRefs:   len(matched),
		remoteRefs:  o.expectedPeers,
		waitNetwork: s.tr != nil && o.expectedPeers == 0,
		start:       time.Now(),
		target:      o.target,
	}
	s.registerQuery(pq)

	pq.timer = time.AfterFunc(o.timeout, pq.finalize)
	pq.stopWatch = context.AfterFunc(ctx, pq.finalize)
	if o.cancel != nil {
		if err := o.cancel.register(pq); err != nil {
			pq.finalize()
			return nil, err
		}
	}

	for _, qa := range matched {
		inst := s.newLocalQueryInstance(pq, qa, sel, o)
		if err := qa.sink.Accept(inst); err != nil {
			s.logger.Warn("query delivery failed", "queryable", qa.id.String(), "error", err)
			pq.release()
		}
	}

	if s.tr != nil {
		env := transport.Envelope{
			Kind:       transport.KindQuery,
			Sender:     s.zid.String(),
			Key:        sel.KeyExpr.String(),
			Corr:       pq.id,
			Selector:   sel.String(),
			Target:     o.target.String(),
			Payload:    o.payload,
			Encoding:   o.encoding,
			Attachment: o.attachment,
		}
		if err := s.tr.Send(env); err != nil {
			s.logger.Warn("query fan-out failed", "query", pq.id, "error", err)
			pq.mu.Lock()
			pq.remoteRefs = 0
			pq.waitNetwork = false
			fin := pq.completeLocked()
			pq.mu.Unlock()
			if fin {
				pq.finalize()
			}
		}
	} else if len(matched) == 0 {
		pq.finalize()
	}

	if s.metrics != nil {
		s.metrics.RecordQuery(o.target.String())
	}

	if recv == nil {
		return nil, nil
	}
	return &Replies{recv: recv}, nil
}

// matchQueryablesLocked applies the target policy. Caller must hold s.mu.
func (s *Session) matchQueryablesLocked(ke keyexpr.KeyExpr, target Target) []*Queryable {
	var matched []*Queryable
	for _, qa := range s.queryables {
		if !qa.key.Intersects(ke) {
			continue
		}
		if target == TargetAllComplete && !qa.complete {
			continue
		}
		matched = append(matched, qa)
	}

	if target == TargetBestMatching {
		for _, qa := range matched {
			if qa.complete && qa.key.Includes(ke) {
				return []*Queryable{qa}
			}
		}
	}
	return matched
}

// newLocalQueryInstance builds the Query delivered to one local queryable.
func (s *Session) newLocalQueryInstance(pq *pendingQuery, qa *Queryable, sel selector.Selector, o getOptions) *Query {
	return &Query{
		sel:        sel,
		payload:    o.payload,
		encoding:   o.encoding,
		attachment: o.attachment,
		replier:    qa.id,
		clock:      s.clock,
		replyFn: func(r Reply) error {
			pq.offer(r)
			return nil
		},
		releaseFn: pq.release,
	}
}

// Query is the queryable-side view of one query instance. Each matched
// queryable receives its own instance; the query finalizes only once every
// instance has been released.
type Query struct {
	sel        selector.Selector
	payload    []byte
	encoding   sample.Encoding
	attachment []byte
	replier    sample.EntityGlobalID
	clock      *timestamp.Clock

	replyFn   func(Reply) error
	releaseFn func()
	released  sync.Once
}

// Selector returns the query's selector.
func (q *Query) Selector() selector.Selector {
	return q.sel
}

// KeyExpr returns the queried key expression.
func (q *Query) KeyExpr() keyexpr.KeyExpr {
	return q.sel.KeyExpr
}

// Parameters returns the query parameters.
func (q *Query) Parameters() selector.Parameters {
	return q.sel.Parameters
}

// Payload returns the query payload, if any.
func (q *Query) Payload() []byte {
	return q.payload
}

// Encoding returns the query payload encoding.
func (q *Query) Encoding() sample.Encoding {
	return q.encoding
}

// Attachment returns the query attachment, if any.
func (q *Query) Attachment() []byte {
	return q.attachment
}

// replyOptions carries per-reply attributes.
type replyOptions struct {
	encoding  sample.Encoding
	qos       qos.QoS
	timestamp timestamp.Timestamp
	source    *sample.SourceInfo
}

// ReplyOption configures one reply.
type ReplyOption func(*replyOptions)

// WithReplyEncoding tags the reply payload encoding.
func WithReplyEncoding(e sample.Encoding) ReplyOption {
	return func(o *replyOptions) { o.encoding = e }
}

// WithReplyQoS sets the reply's QoS attributes.
func WithReplyQoS(q qos.QoS) ReplyOption {
	return func(o *replyOptions) { o.qos = q }
}

// WithReplyTimestamp overrides the reply timestamp. Unset replies are
// stamped with the answering session's clock.
func WithReplyTimestamp(ts timestamp.Timestamp) ReplyOption {
	return func(o *replyOptions) { o.timestamp = ts }
}

// WithReplySourceInfo attaches the originating entity and sequence number
// to the reply sample. Cache responders use it to replay stored samples
// with their original sequencing intact.
func WithReplySourceInfo(si sample.SourceInfo) ReplyOption {
	return func(o *replyOptions) { o.source = &si }
}

// Reply answers the query with a value for a concrete key. The key must
// intersect the query key unless the query opted into disjoint replies.
func (q *Query) Reply(key string, payload []byte, opts ...ReplyOption) error {
	return q.reply(key, payload, sample.KindPut, opts)
}

// ReplyDelete answers the query with a removal for a concrete key.
func (q *Query) ReplyDelete(key string, opts ...ReplyOption) error {
	return q.reply(key, nil, sample.KindDelete, opts)
}

func (q *Query) reply(key string, payload []byte, kind sample.Kind, opts []ReplyOption) error {
	ke, err := keyexpr.New(key)
	if err != nil {
		return err
	}
	if !ke.IsConcrete() {
		return errors.WrapInvalid(errors.ErrInvalidKeyExpr, "Query", "Reply",
			"reply keys cannot contain wildcards")
	}
	if !q.sel.KeyExpr.Intersects(ke) && !q.sel.AcceptsDisjointReplies() {
		return errors.WrapInvalid(errors.ErrKeyMismatch, "Query", "Reply",
			"reply key outside query key space")
	}

	o := replyOptions{encoding: sample.EncodingBytes, qos: qos.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timestamp.IsZero() {
		o.timestamp = q.clock.Now()
	}

	return q.replyFn(Reply{
		Replier: q.replier,
		Sample: &sample.Sample{
			Key:        ke,
			Payload:    payload,
			Kind:       kind,
			Encoding:   o.encoding,
			Timestamp:  o.timestamp,
			QoS:        o.qos,
			SourceInfo: o.source,
		},
	})
}

// ReplyErr answers the query with an error payload. Error replies bypass
// consolidation and never abort the query; other queryables' replies still
// flow.
func (q *Query) ReplyErr(payload []byte) error {
	return q.replyFn(Reply{Replier: q.replier, Error: payload})
}

// Release ends this query instance. Every instance must be released; the
// querier stops waiting once all instances are. Idempotent.
func (q *Query) Release() {
	q.released.Do(q.releaseFn)
}

// Querier is a handle caching a key expression and query defaults for
// repeated Get calls.
type Querier struct {
	s    *Session
	id   sample.EntityGlobalID
	key  keyexpr.KeyExpr
	opts []GetOption
}

// DeclareQuerier creates a querier for a key expression. The given options
// become defaults for every Get issued through it.
func (s *Session) DeclareQuerier(key string, opts ...GetOption) (*Querier, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Session", "DeclareQuerier", "session closed")
	}
	eid := s.allocEid()
	id := s.entityID(eid)
	s.mu.Unlock()

	return &Querier{s: s, id: id, key: ke, opts: opts}, nil
}

// ID returns the querier's global identity.
func (q *Querier) ID() sample.EntityGlobalID {
	return q.id
}

// Key returns the queried key expression.
func (q *Querier) Key() keyexpr.KeyExpr {
	return q.key
}

// Get issues a query on the querier's key. Call options override the
// querier's defaults; WithParameters sets the selector parameters.
func (q *Querier) Get(ctx context.Context, opts ...GetOption) (*Replies, error) {
	o := defaultGetOptions()
	for _, opt := range q.opts {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}

	sel := selector.New(q.key, selector.Parameters{})
	if o.params != "" {
		params, err := selector.ParseParameters(o.params)
		if err != nil {
			return nil, err
		}
		sel = selector.New(q.key, params)
	}
	return q.s.get(ctx, sel, o)
}
