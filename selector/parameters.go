// Package selector implements query selectors: a key expression paired with
// a flat, insertion-ordered set of string parameters.
//
// The string form is "<keyexpr>?<params>" where params is a ';'-separated
// list of "key=value" segments with percent-encoded keys and values. A
// segment without '=' carries an empty value. Parsing rejects repeated keys;
// multi-valued keys can only be built explicitly through Insert or Extend.
package selector

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/c360/keymesh/errors"
)

// Reserved parameter names. Names beginning with a non-alphanumeric
// character are protocol-reserved and must not be given ad hoc meaning by
// queryable implementers.
const (
	// ParamTime selects a time range for queries against historical data.
	ParamTime = "_time"
	// ParamAnyKey opts a query into accepting replies whose key does not
	// intersect the query key expression.
	ParamAnyKey = "_anyke"
)

// IsReservedParam reports whether a parameter name is protocol-reserved.
func IsReservedParam(key string) bool {
	if key == "" {
		return false
	}
	c := key[0]
	return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9')
}

type parameter struct {
	key   string
	value string
}

// Parameters is an insertion-ordered collection of string key/value pairs.
// The zero value is an empty, usable collection.
type Parameters struct {
	pairs []parameter
}

// ParseParameters parses a ';'-separated, '='-delimited, percent-encoded
// parameter list. A repeated key is rejected with ErrDuplicateParameter.
func ParseParameters(s string) (Parameters, error) {
	var p Parameters
	if s == "" {
		return p, nil
	}

	for _, segment := range strings.Split(s, ";") {
		if segment == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(segment, "=")

		key, err := url.PathUnescape(rawKey)
		if err != nil {
			return Parameters{}, fmt.Errorf("%w: bad escape in key %q", errors.ErrInvalidSelector, rawKey)
		}
		value, err := url.PathUnescape(rawValue)
		if err != nil {
			return Parameters{}, fmt.Errorf("%w: bad escape in value %q", errors.ErrInvalidSelector, rawValue)
		}

		if _, dup := p.Get(key); dup {
			return Parameters{}, fmt.Errorf("%w: %q", errors.ErrDuplicateParameter, key)
		}
		p.pairs = append(p.pairs, parameter{key: key, value: value})
	}
	return p, nil
}

// Get returns the first value stored under key.
func (p Parameters) Get(key string) (string, bool) {
	for _, kv := range p.pairs {
		if kv.key == key {
			return kv.value, true
		}
	}
	return "", false
}

// Values returns every value stored under key, in insertion order. More
// than one value exists only when duplicates were added through Insert or
// Extend; parsing never produces them.
func (p Parameters) Values(key string) []string {
	var out []string
	for _, kv := range p.pairs {
		if kv.key == key {
			out = append(out, kv.value)
		}
	}
	return out
}

// Insert appends a key/value pair, permitting duplicate keys.
func (p *Parameters) Insert(key, value string) {
	p.pairs = append(p.pairs, parameter{key: key, value: value})
}

// Extend appends every pair from other, permitting duplicate keys.
func (p *Parameters) Extend(other Parameters) {
	p.pairs = append(p.pairs, other.pairs...)
}

// Remove deletes every pair stored under key and reports whether any
// existed.
func (p *Parameters) Remove(key string) bool {
	kept := p.pairs[:0]
	removed := false
	for _, kv := range p.pairs {
		if kv.key == key {
			removed = true
			continue
		}
		kept = append(kept, kv)
	}
	p.pairs = kept
	return removed
}

// Keys returns the parameter names in insertion order.
func (p Parameters) Keys() []string {
	out := make([]string, len(p.pairs))
	for i, kv := range p.pairs {
		out[i] = kv.key
	}
	return out
}

// Len returns the number of stored pairs.
func (p Parameters) Len() int {
	return len(p.pairs)
}

// IsEmpty reports whether no pairs are stored.
func (p Parameters) IsEmpty() bool {
	return len(p.pairs) == 0
}

// IsOrdered reports whether keys appear in ascending lexicographic order.
// Callers wanting canonical parameter ordering for cache keys use this as a
// fast-path check before sorting.
func (p Parameters) IsOrdered() bool {
	for i := 1; i < len(p.pairs); i++ {
		if p.pairs[i-1].key > p.pairs[i].key {
			return false
		}
	}
	return true
}

// String encodes the parameters in their textual form.
func (p Parameters) String() string {
	var sb strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(escape(kv.key))
		if kv.value != "" {
			sb.WriteByte('=')
			sb.WriteString(escape(kv.value))
		}
	}
	return sb.String()
}

// Equal reports whether both collections hold the same pairs in the same
// order.
func (p Parameters) Equal(other Parameters) bool {
	if len(p.pairs) != len(other.pairs) {
		return false
	}
	for i := range p.pairs {
		if p.pairs[i] != other.pairs[i] {
			return false
		}
	}
	return true
}

const upperhex = "0123456789ABCDEF"

// escape percent-encodes the characters that carry structure in the
// selector grammar, plus anything outside printable ASCII.
func escape(s string) string {
	needs := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			needs++
		}
	}
	if needs == 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2*needs)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&0xf])
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func shouldEscape(c byte) bool {
	switch c {
	case ';', '=', '?', '#', '%', '&':
		return true
	}
	return c < 0x20 || c > 0x7e
}
