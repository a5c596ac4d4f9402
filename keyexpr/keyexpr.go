// Package keyexpr implements the hierarchical key expression algebra that
// defines the module's address space.
//
// A key expression is a '/'-separated sequence of chunks. A chunk is either a
// literal token, the single-chunk wildcard "*" (exactly one chunk of any
// content), or the multi-chunk wildcard "**" (zero or more consecutive
// chunks). Key expressions are canonical: redundant wildcard sequences are
// collapsed at construction and canonicalization is idempotent.
//
// Two expressions intersect when at least one concrete key is matched by
// both; one includes another when every key the second matches is also
// matched by the first. Both checks run in time proportional to the product
// of the chunk counts, with no exponential backtracking regardless of how
// many "**" chunks an expression chains.
package keyexpr

import (
	"fmt"
	"strings"

	"github.com/c360/keymesh/errors"
)

const (
	// Separator splits a key expression into chunks.
	Separator = "/"

	chunkAny  = "*"
	chunkSpan = "**"
)

// KeyExpr is an immutable, canonical key expression. The zero value is not a
// valid expression; construct one with New.
type KeyExpr struct {
	str string
}

// New parses and canonicalizes a key expression. Redundant wildcard
// sequences are collapsed ("**/**" becomes "**", "**/*" becomes "*/**");
// empty input, empty chunks, and malformed wildcard chunks are rejected.
func New(s string) (KeyExpr, error) {
	if s == "" {
		return KeyExpr{}, fmt.Errorf("%w: empty string", errors.ErrInvalidKeyExpr)
	}

	chunks := strings.Split(s, Separator)
	for _, c := range chunks {
		if err := validateChunk(c); err != nil {
			return KeyExpr{}, err
		}
	}

	return KeyExpr{str: strings.Join(canonChunks(chunks), Separator)}, nil
}

// MustNew is like New but panics on invalid input. Intended for constants
// and tests.
func MustNew(s string) KeyExpr {
	ke, err := New(s)
	if err != nil {
		panic(err)
	}
	return ke
}

func validateChunk(c string) error {
	if c == "" {
		return fmt.Errorf("%w: empty chunk", errors.ErrInvalidKeyExpr)
	}
	if strings.Contains(c, chunkAny) && c != chunkAny && c != chunkSpan {
		return fmt.Errorf("%w: %q mixes wildcard and literal content", errors.ErrInvalidKeyExpr, c)
	}
	if i := strings.IndexAny(c, "?#$"); i >= 0 {
		return fmt.Errorf("%w: %q contains reserved character %q", errors.ErrInvalidKeyExpr, c, c[i])
	}
	return nil
}

// canonChunks rewrites every maximal run of wildcard chunks into its
// canonical form: all "*" chunks first, followed by at most one "**".
func canonChunks(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	stars, span := 0, false

	flush := func() {
		for ; stars > 0; stars-- {
			out = append(out, chunkAny)
		}
		if span {
			out = append(out, chunkSpan)
			span = false
		}
	}

	for _, c := range chunks {
		switch c {
		case chunkAny:
			stars++
		case chunkSpan:
			span = true
		default:
			flush()
			out = append(out, c)
		}
	}
	flush()
	return out
}

// String returns the canonical string form.
func (k KeyExpr) String() string {
	return k.str
}

// MarshalText encodes the canonical string form.
func (k KeyExpr) MarshalText() ([]byte, error) {
	return []byte(k.str), nil
}

// UnmarshalText parses and canonicalizes the input.
func (k *KeyExpr) UnmarshalText(b []byte) error {
	ke, err := New(string(b))
	if err != nil {
		return err
	}
	*k = ke
	return nil
}

// Chunks returns the '/'-separated chunks of the expression.
func (k KeyExpr) Chunks() []string {
	return strings.Split(k.str, Separator)
}

// IsWild reports whether the expression contains any wildcard chunk.
func (k KeyExpr) IsWild() bool {
	for _, c := range k.Chunks() {
		if c == chunkAny || c == chunkSpan {
			return true
		}
	}
	return false
}

// IsConcrete reports whether the expression names exactly one key.
func (k KeyExpr) IsConcrete() bool {
	return k.str != "" && !k.IsWild()
}

// Join appends a chunk sequence with a separator, re-validating the result.
func (k KeyExpr) Join(suffix string) (KeyExpr, error) {
	return New(k.str + Separator + suffix)
}

// Concat appends a raw string without inserting a separator, re-validating
// the result.
func (k KeyExpr) Concat(s string) (KeyExpr, error) {
	return New(k.str + s)
}

// HasPrefix reports whether the first chunk of the expression equals the
// given literal. Used to detect reserved namespaces.
func (k KeyExpr) HasPrefix(chunk string) bool {
	rest, ok := strings.CutPrefix(k.str, chunk)
	return ok && (rest == "" || rest[0] == '/')
}

// StripPrefix removes a leading literal chunk, returning the remainder and
// whether the prefix was present.
func (k KeyExpr) StripPrefix(chunk string) (KeyExpr, bool) {
	if !k.HasPrefix(chunk) {
		return KeyExpr{}, false
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(k.str, chunk), Separator)
	if rest == "" {
		return KeyExpr{}, false
	}
	return KeyExpr{str: rest}, true
}
