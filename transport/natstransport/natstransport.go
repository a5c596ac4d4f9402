// Package natstransport bridges a session to a NATS subject space.
// Envelopes are published as JSON to subjects derived from their key, and
// a single wildcard subscription feeds inbound envelopes back to the
// session. Reliable samples optionally take a JetStream publish path.
package natstransport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/metric"
	"github.com/c360/keymesh/qos"
	"github.com/c360/keymesh/transport"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status holds runtime status information for the transport.
type Status struct {
	Status     ConnectionStatus
	Reconnects int32
	RTT        time.Duration
}

// Transport is a NATS-backed transport.Transport. One subject prefix
// scopes all traffic; peers sharing the prefix form one mesh.
type Transport struct {
	url    string
	prefix string
	logger *slog.Logger
	m      *metric.Metrics

	status     atomic.Value // ConnectionStatus
	reconnects atomic.Int32

	conn *nats.Conn
	js   jetstream.JetStream
	sub  *nats.Subscription

	// jetstream reliable-publish path
	streamName string
	pubTimeout time.Duration

	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	username      string
	password      string
	token         string

	mu     sync.Mutex
	fn     transport.ReceiveFunc
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// Option is a functional option for configuring the Transport.
type Option func(*Transport) error

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) error {
		if logger != nil {
			t.logger = logger
		}
		return nil
	}
}

// WithName sets the NATS client name.
func WithName(name string) Option {
	return func(t *Transport) error {
		t.name = name
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts
// (-1 for infinite).
func WithMaxReconnects(max int) Option {
	return func(t *Transport) error {
		t.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(t *Transport) error {
		t.reconnectWait = d
		return nil
	}
}

// WithConnectTimeout sets the initial connection timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		t.timeout = d
		return nil
	}
}

// WithUserCredentials sets username/password authentication.
func WithUserCredentials(username, password string) Option {
	return func(t *Transport) error {
		t.username = username
		t.password = password
		return nil
	}
}

// WithToken sets token authentication.
func WithToken(token string) Option {
	return func(t *Transport) error {
		t.token = token
		return nil
	}
}

// WithJetStream publishes reliable samples through a JetStream stream of
// the given name, created over the transport's subject space when absent.
func WithJetStream(stream string) Option {
	return func(t *Transport) error {
		if stream == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Transport", "WithJetStream",
				"stream name cannot be empty")
		}
		t.streamName = stream
		return nil
	}
}

// WithMetricsRegistry records connection status and reconnects in the
// given registry's core metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(t *Transport) error {
		if registry != nil {
			t.m = registry.CoreMetrics()
		}
		return nil
	}
}

// Connect dials NATS and subscribes to the prefix's subject space. The
// returned transport is ready to hand to a session.
func Connect(url, prefix string, opts ...Option) (*Transport, error) {
	if prefix == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Transport", "Connect",
			"subject prefix cannot be empty")
	}

	t := &Transport{
		url:           url,
		prefix:        prefix,
		logger:        slog.Default(),
		name:          "keymesh",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		pubTimeout:    5 * time.Second,
	}
	t.status.Store(StatusConnecting)
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}

	natsOpts := []nats.Option{
		nats.Name(t.name),
		nats.MaxReconnects(t.maxReconnects),
		nats.ReconnectWait(t.reconnectWait),
		nats.Timeout(t.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.status.Store(StatusReconnecting)
			if t.m != nil {
				t.m.RecordTransportStatus(false)
			}
			t.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.status.Store(StatusConnected)
			t.reconnects.Add(1)
			if t.m != nil {
				t.m.RecordTransportStatus(true)
				t.m.RecordTransportReconnect()
			}
			t.logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.status.Store(StatusDisconnected)
			if t.m != nil {
				t.m.RecordTransportStatus(false)
			}
		}),
	}
	if t.username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(t.username, t.password))
	}
	if t.token != "" {
		natsOpts = append(natsOpts, nats.Token(t.token))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "Transport", "Connect", "nats dial")
	}
	t.conn = conn
	t.status.Store(StatusConnected)
	if t.m != nil {
		t.m.RecordTransportStatus(true)
	}

	if t.streamName != "" {
		if err := t.initJetStream(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	t.sub, err = conn.Subscribe(t.prefix+".>", t.handleMessage)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "Transport", "Connect", "mesh subscription")
	}

	return t, nil
}

func (t *Transport) initJetStream() error {
	js, err := jetstream.New(t.conn)
	if err != nil {
		return errors.Wrap(err, "Transport", "Connect", "jetstream context")
	}
	t.js = js

	ctx, cancel := context.WithTimeout(context.Background(), t.pubTimeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     t.streamName,
		Subjects: []string{t.prefix + ".>"},
	})
	if err != nil {
		return errors.Wrap(err, "Transport", "Connect", "stream provisioning")
	}
	return nil
}

// Status returns a snapshot of the connection state.
func (t *Transport) Status() Status {
	s := Status{
		Status:     t.status.Load().(ConnectionStatus),
		Reconnects: t.reconnects.Load(),
	}
	if t.conn != nil {
		if rtt, err := t.conn.RTT(); err == nil {
			s.RTT = rtt
		}
	}
	return s
}

// Send publishes one envelope to the mesh. Samples carrying RELIABLE
// reliability go through JetStream when a stream is configured.
func (t *Transport) Send(env transport.Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrNotConnected, "Transport", "Send", "transport closed")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	subject := t.subjectFor(env)

	if t.js != nil && env.Kind == transport.KindSample &&
		env.Sample != nil && env.Sample.QoS.Reliability == qos.ReliabilityReliable {
		ctx, cancel := context.WithTimeout(context.Background(), t.pubTimeout)
		defer cancel()
		if _, err := t.js.Publish(ctx, subject, data); err != nil {
			return errors.WrapTransient(err, "Transport", "Send", "jetstream publish")
		}
		return nil
	}

	if err := t.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Transport", "Send", "publish")
	}
	return nil
}

// subjectFor derives the publish subject: "<prefix>.<kind>" plus the
// key's subject form when one exists.
func (t *Transport) subjectFor(env transport.Envelope) string {
	subject := t.prefix + "." + string(env.Kind)
	if env.Key != "" {
		if mapped, ok := SubjectForKey(env.Key); ok {
			subject += "." + mapped
		}
	}
	return subject
}

func (t *Transport) handleMessage(msg *nats.Msg) {
	env, err := transport.Decode(msg.Data)
	if err != nil {
		t.logger.Debug("undecodable envelope dropped", "subject", msg.Subject, "error", err)
		return
	}

	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// OnReceive registers the inbound envelope callback. Only one callback is
// active; later calls replace earlier ones.
func (t *Transport) OnReceive(fn transport.ReceiveFunc) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

// Close drains the subscription and closes the connection. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.fn = nil
	t.mu.Unlock()

	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			t.logger.Warn("mesh unsubscribe failed", "error", err)
		}
	}
	t.conn.Close()
	t.status.Store(StatusDisconnected)
	return nil
}
