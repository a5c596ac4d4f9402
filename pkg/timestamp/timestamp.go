// Package timestamp provides totally ordered timestamps for data samples.
//
// A Timestamp pairs a high-resolution clock value (nanoseconds since Unix
// epoch, UTC) with the 16-byte identity of its source. Two timestamps from
// different sources are never equal, even when generated at the same instant:
// comparison orders by time first and breaks ties on the source identity.
//
// Zero Value Semantics:
//   - The zero Timestamp means "not set"; IsZero reports it
//   - Comparison treats the zero value as earlier than any set timestamp
//
// Textual Forms:
//   - Default (lossless): "<time>/<id-hex>", e.g. "1700000000123456789/a1b2..."
//   - RFC3339 (lossy below nanosecond alignment): "<iso8601>/<id-hex>"
//
// Parse accepts both forms and round-trips the default form exactly.
package timestamp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDLen is the byte length of a source identity.
const IDLen = 16

// ID is the globally unique identity of a timestamp source, typically the
// identity of the session that produced the sample.
type ID [IDLen]byte

// RandomID returns a new random source identity.
func RandomID() ID {
	return ID(uuid.New())
}

// String returns the lowercase hex form of the identity.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identity is all zeroes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID decodes a hex-encoded source identity.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("timestamp: invalid id %q: %w", s, err)
	}
	if len(b) != IDLen {
		return id, fmt.Errorf("timestamp: invalid id length %d, want %d", len(b), IDLen)
	}
	copy(id[:], b)
	return id, nil
}

// Timestamp is a (time, source identity) pair with a total order.
type Timestamp struct {
	time int64 // nanoseconds since Unix epoch, UTC
	id   ID
}

// New creates a Timestamp from a raw nanosecond clock value and a source id.
func New(ns int64, id ID) Timestamp {
	return Timestamp{time: ns, id: id}
}

// FromTime creates a Timestamp from a time.Time and a source id.
func FromTime(t time.Time, id ID) Timestamp {
	return Timestamp{time: t.UnixNano(), id: id}
}

// Time returns the raw clock value in nanoseconds since Unix epoch.
func (t Timestamp) Time() int64 {
	return t.time
}

// GoTime converts the clock value to a time.Time in UTC.
func (t Timestamp) GoTime() time.Time {
	return time.Unix(0, t.time).UTC()
}

// ID returns the source identity.
func (t Timestamp) ID() ID {
	return t.id
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.time == 0 && t.id.IsZero()
}

// Compare orders two timestamps by (time, id). It returns -1 when t is
// earlier than o, +1 when later, and 0 only when both halves are equal.
func (t Timestamp) Compare(o Timestamp) int {
	if t.time != o.time {
		if t.time < o.time {
			return -1
		}
		return 1
	}
	for i := 0; i < IDLen; i++ {
		if t.id[i] != o.id[i] {
			if t.id[i] < o.id[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Before reports whether t orders strictly before o.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

// After reports whether t orders strictly after o.
func (t Timestamp) After(o Timestamp) bool {
	return t.Compare(o) > 0
}

// String returns the default lossless form "<time>/<id-hex>".
func (t Timestamp) String() string {
	return strconv.FormatInt(t.time, 10) + "/" + t.id.String()
}

// FormatRFC3339 returns the RFC3339-based form "<iso8601>/<id-hex>".
// The form is human readable but lossy: parsing it back preserves only
// nanosecond-aligned clock values.
func (t Timestamp) FormatRFC3339() string {
	return t.GoTime().Format(time.RFC3339Nano) + "/" + t.id.String()
}

// MarshalText encodes the timestamp in its default textual form.
func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a timestamp from either textual form.
func (t *Timestamp) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse decodes a timestamp from either textual form. The clock half is
// tried as a raw nanosecond integer first, then as RFC3339.
func Parse(s string) (Timestamp, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return Timestamp{}, fmt.Errorf("timestamp: missing id separator in %q", s)
	}

	id, err := ParseID(s[idx+1:])
	if err != nil {
		return Timestamp{}, err
	}

	clock := s[:idx]
	if ns, err := strconv.ParseInt(clock, 10, 64); err == nil {
		return Timestamp{time: ns, id: id}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, clock); err == nil {
		return Timestamp{time: t.UnixNano(), id: id}, nil
	}
	return Timestamp{}, fmt.Errorf("timestamp: invalid clock value %q", clock)
}

// Clock generates strictly increasing timestamps for one source identity.
// Bursts faster than the wall clock resolution are disambiguated by
// advancing one nanosecond past the previously issued value.
type Clock struct {
	id   ID
	mu   sync.Mutex
	last int64
}

// NewClock creates a clock bound to the given source identity.
func NewClock(id ID) *Clock {
	return &Clock{id: id}
}

// ID returns the source identity of the clock.
func (c *Clock) ID() ID {
	return c.id
}

// Now returns a timestamp strictly greater than any previously returned
// by this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := time.Now().UnixNano()
	if ns <= c.last {
		ns = c.last + 1
	}
	c.last = ns
	return Timestamp{time: ns, id: c.id}
}
