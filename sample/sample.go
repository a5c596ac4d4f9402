// Package sample defines the unit of data motion: a PUT or DELETE associated
// with a concrete key, together with its payload, encoding, timestamp, QoS
// attributes, and source identity.
package sample

import (
	"fmt"
	"unicode/utf8"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/pkg/timestamp"
	"github.com/c360/keymesh/qos"
)

// Kind distinguishes data publication from data removal.
type Kind uint8

const (
	// KindPut publishes a value for a key.
	KindPut Kind = iota
	// KindDelete removes the value of a key.
	KindDelete
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Sample is one unit of data in motion. The key is always concrete (no
// wildcards). Timestamp and SourceInfo are optional; a zero Timestamp means
// the sample was never stamped.
type Sample struct {
	Key        keyexpr.KeyExpr     `json:"key"`
	Payload    []byte              `json:"payload,omitempty"`
	Kind       Kind                `json:"kind"`
	Encoding   Encoding            `json:"encoding,omitempty"`
	Timestamp  timestamp.Timestamp `json:"timestamp,omitzero"`
	QoS        qos.QoS             `json:"qos"`
	Attachment []byte              `json:"attachment,omitempty"`
	SourceInfo *SourceInfo         `json:"source_info,omitempty"`
}

// Text interprets the payload as UTF-8 text.
func (s *Sample) Text() (string, error) {
	if !utf8.Valid(s.Payload) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", errors.ErrDecode)
	}
	return string(s.Payload), nil
}

// Clone returns a deep copy of the sample. Sinks that buffer samples past
// the routing call use it to decouple from the producer's buffers.
func (s *Sample) Clone() *Sample {
	out := *s
	if s.Payload != nil {
		out.Payload = append([]byte(nil), s.Payload...)
	}
	if s.Attachment != nil {
		out.Attachment = append([]byte(nil), s.Attachment...)
	}
	if s.SourceInfo != nil {
		si := *s.SourceInfo
		out.SourceInfo = &si
	}
	return &out
}
