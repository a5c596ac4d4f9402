// Package transport defines the contract between a session and the network:
// deliver an encoded envelope, and receive every envelope another peer sent.
// The session never talks to sockets directly; it hands envelopes to a
// Transport and registers one receive callback.
//
// The in-memory bus in this package joins sessions within one process. The
// natstransport and wstransport subpackages carry envelopes over NATS
// subjects and WebSocket frames.
package transport

import (
	"encoding/json"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/sample"
)

// Kind discriminates the envelope payload.
type Kind string

const (
	// KindSample carries a routed put or delete.
	KindSample Kind = "sample"
	// KindQuery carries a query fan-out request.
	KindQuery Kind = "query"
	// KindReply carries one reply to a query.
	KindReply Kind = "reply"
	// KindQueryFinal signals that a peer has released all its query
	// instances for a correlation id.
	KindQueryFinal Kind = "query_final"
	// KindHeartbeat carries a sequence-number announcement. Routed like a
	// sample; the distinct kind keeps heartbeats visible on the wire.
	KindHeartbeat Kind = "heartbeat"
)

// Envelope is the unit handed to a Transport. Key is the routing address;
// which other fields are set depends on Kind.
type Envelope struct {
	Kind   Kind   `json:"kind"`
	Sender string `json:"sender"`
	Key    string `json:"key,omitempty"`

	// Sample is set for KindSample and KindHeartbeat, and for successful
	// KindReply envelopes.
	Sample *sample.Sample `json:"sample,omitempty"`

	// Query fields.
	Corr       string          `json:"corr,omitempty"`
	Selector   string          `json:"selector,omitempty"`
	Target     string          `json:"target,omitempty"`
	Payload    []byte          `json:"payload,omitempty"`
	Encoding   sample.Encoding `json:"encoding,omitempty"`
	Attachment []byte          `json:"attachment,omitempty"`

	// Reply fields.
	Replier sample.EntityGlobalID `json:"replier,omitzero"`
	Error   []byte                `json:"error,omitempty"`
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal failed")
	}
	return data, nil
}

// Decode deserializes an envelope from the wire.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "Decode", "unmarshal failed")
	}
	return e, nil
}

// ReceiveFunc handles one inbound envelope. Implementations invoke it
// sequentially per transport; it must not block for long.
type ReceiveFunc func(env Envelope)

// Transport delivers envelopes to peers and receives theirs.
type Transport interface {
	// Send delivers an envelope to all peers.
	Send(env Envelope) error

	// OnReceive registers the inbound handler. Must be called before the
	// first envelope arrives; later calls replace the handler.
	OnReceive(fn ReceiveFunc)

	// Close releases the transport. Sends after Close fail.
	Close() error
}
