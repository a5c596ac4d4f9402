package session

import (
	"sync/atomic"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/qos"
	"github.com/c360/keymesh/sample"
)

// putOptions carries per-sample attributes.
type putOptions struct {
	qos        qos.QoS
	encoding   sample.Encoding
	attachment []byte
	source     *sample.SourceInfo
}

func defaultPutOptions() putOptions {
	return putOptions{qos: qos.Default(), encoding: sample.EncodingBytes}
}

// PutOption configures one Put or Delete call.
type PutOption func(*putOptions)

// WithQoS sets the sample's QoS attributes.
func WithQoS(q qos.QoS) PutOption {
	return func(o *putOptions) { o.qos = q }
}

// WithEncoding tags the payload encoding.
func WithEncoding(e sample.Encoding) PutOption {
	return func(o *putOptions) { o.encoding = e }
}

// WithAttachment attaches opaque bytes to the sample.
func WithAttachment(b []byte) PutOption {
	return func(o *putOptions) { o.attachment = b }
}

// WithSourceInfo overrides the sample's source identity and sequence
// number. Used by layers that maintain their own sequencing.
func WithSourceInfo(si sample.SourceInfo) PutOption {
	return func(o *putOptions) { o.source = &si }
}

// Publisher is a lightweight handle caching a key and QoS defaults so
// repeated puts need not re-specify them. Every sample it emits carries the
// publisher's identity and a strictly increasing sequence number.
type Publisher struct {
	s        *Session
	id       sample.EntityGlobalID
	key      keyexpr.KeyExpr
	qos      qos.QoS
	encoding sample.Encoding
	seq      atomic.Uint64
	closed   atomic.Bool
}

// PublisherOption configures a declared publisher.
type PublisherOption func(*Publisher)

// WithPublisherQoS sets the QoS defaults applied to every sample the
// publisher emits.
func WithPublisherQoS(q qos.QoS) PublisherOption {
	return func(p *Publisher) { p.qos = q }
}

// WithPublisherEncoding sets the default payload encoding.
func WithPublisherEncoding(e sample.Encoding) PublisherOption {
	return func(p *Publisher) { p.encoding = e }
}

// DeclarePublisher creates a publisher for a concrete key.
func (s *Session) DeclarePublisher(key string, opts ...PublisherOption) (*Publisher, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	if !ke.IsConcrete() {
		return nil, errors.WrapInvalid(errors.ErrInvalidKeyExpr, "Session", "DeclarePublisher",
			"publisher keys cannot contain wildcards")
	}

	p := &Publisher{s: s, key: ke, qos: qos.Default(), encoding: sample.EncodingBytes}
	for _, opt := range opts {
		opt(p)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Session", "DeclarePublisher", "session closed")
	}
	eid := s.allocEid()
	p.id = s.entityID(eid)
	s.publishers[eid] = p
	s.mu.Unlock()

	s.recordEntityCounts()
	return p, nil
}

// ID returns the publisher's global identity.
func (p *Publisher) ID() sample.EntityGlobalID {
	return p.id
}

// Key returns the publisher's key.
func (p *Publisher) Key() keyexpr.KeyExpr {
	return p.key
}

// Put publishes a value on the publisher's key.
func (p *Publisher) Put(payload []byte, opts ...PutOption) error {
	return p.write(payload, sample.KindPut, opts)
}

// Delete publishes a removal on the publisher's key.
func (p *Publisher) Delete(opts ...PutOption) error {
	return p.write(nil, sample.KindDelete, opts)
}

func (p *Publisher) write(payload []byte, kind sample.Kind, opts []PutOption) error {
	if p.closed.Load() {
		return errors.WrapInvalid(errors.ErrEntityClosed, "Publisher", "write", "publisher undeclared")
	}
	merged := make([]PutOption, 0, len(opts)+3)
	merged = append(merged,
		WithQoS(p.qos),
		WithEncoding(p.encoding),
		WithSourceInfo(sample.SourceInfo{ID: p.id, Seq: p.seq.Add(1)}),
	)
	merged = append(merged, opts...)
	return p.s.writeKeyExpr(p.key, payload, kind, merged)
}

// Undeclare removes the publisher from the session. Idempotent.
func (p *Publisher) Undeclare() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.s.mu.Lock()
	delete(p.s.publishers, p.id.Eid)
	p.s.mu.Unlock()
	p.s.recordEntityCounts()
	return nil
}

// Subscriber receives every sample whose key intersects its key expression
// and whose origin passes its locality filter.
type Subscriber struct {
	s             *Session
	id            sample.EntityGlobalID
	key           keyexpr.KeyExpr
	sink          Sink[*sample.Sample]
	allowedOrigin qos.Locality
	closed        atomic.Bool
}

// SubscriberOption configures a declared subscriber.
type SubscriberOption func(*Subscriber)

// WithAllowedOrigin restricts which origins the subscriber accepts samples
// from. Defaults to any origin.
func WithAllowedOrigin(l qos.Locality) SubscriberOption {
	return func(sub *Subscriber) { sub.allowedOrigin = l }
}

// DeclareSubscriber registers interest in a key expression. All future
// samples whose key intersects are delivered to sink.
func (s *Session) DeclareSubscriber(key string, sink Sink[*sample.Sample], opts ...SubscriberOption) (*Subscriber, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	return s.declareSubscriber(ke, sink, opts)
}

func (s *Session) declareSubscriber(ke keyexpr.KeyExpr, sink Sink[*sample.Sample], opts []SubscriberOption) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Session", "DeclareSubscriber",
			"sink cannot be nil")
	}

	sub := &Subscriber{s: s, key: ke, sink: sink, allowedOrigin: qos.LocalityDefault}
	for _, opt := range opts {
		opt(sub)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Session", "DeclareSubscriber", "session closed")
	}
	eid := s.allocEid()
	sub.id = s.entityID(eid)
	s.subscribers[eid] = sub
	s.mu.Unlock()

	s.recordEntityCounts()
	return sub, nil
}

// ID returns the subscriber's global identity.
func (sub *Subscriber) ID() sample.EntityGlobalID {
	return sub.id
}

// Key returns the subscribed key expression.
func (sub *Subscriber) Key() keyexpr.KeyExpr {
	return sub.key
}

// Undeclare removes the subscriber and closes its sink, terminating any
// blocked Recv once buffered samples drain. Idempotent.
func (sub *Subscriber) Undeclare() error {
	if !sub.closed.CompareAndSwap(false, true) {
		return nil
	}
	sub.s.mu.Lock()
	delete(sub.s.subscribers, sub.id.Eid)
	sub.s.mu.Unlock()
	sub.s.recordEntityCounts()
	return sub.sink.Close()
}

// Queryable answers queries whose key intersects its key expression.
type Queryable struct {
	s        *Session
	id       sample.EntityGlobalID
	key      keyexpr.KeyExpr
	sink     Sink[*Query]
	complete bool
	closed   atomic.Bool
}

// QueryableOption configures a declared queryable.
type QueryableOption func(*Queryable)

// WithComplete declares that this queryable can answer the full key space
// it covers without help from other queryables.
func WithComplete(complete bool) QueryableOption {
	return func(qa *Queryable) { qa.complete = complete }
}

// DeclareQueryable registers a query responder. Matched queries are
// delivered to sink as Query instances, each of which must be released.
func (s *Session) DeclareQueryable(key string, sink Sink[*Query], opts ...QueryableOption) (*Queryable, error) {
	ke, err := keyexpr.New(key)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Session", "DeclareQueryable",
			"sink cannot be nil")
	}

	qa := &Queryable{s: s, key: ke, sink: sink}
	for _, opt := range opts {
		opt(qa)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Session", "DeclareQueryable", "session closed")
	}
	eid := s.allocEid()
	qa.id = s.entityID(eid)
	s.queryables[eid] = qa
	s.mu.Unlock()

	s.recordEntityCounts()
	return qa, nil
}

// ID returns the queryable's global identity.
func (qa *Queryable) ID() sample.EntityGlobalID {
	return qa.id
}

// Key returns the covered key expression.
func (qa *Queryable) Key() keyexpr.KeyExpr {
	return qa.key
}

// Complete reports whether the queryable covers its key space completely.
func (qa *Queryable) Complete() bool {
	return qa.complete
}

// Undeclare removes the queryable and closes its sink. Idempotent.
func (qa *Queryable) Undeclare() error {
	if !qa.closed.CompareAndSwap(false, true) {
		return nil
	}
	qa.s.mu.Lock()
	delete(qa.s.queryables, qa.id.Eid)
	qa.s.mu.Unlock()
	qa.s.recordEntityCounts()
	return qa.sink.Close()
}
