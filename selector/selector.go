package selector

import (
	"fmt"
	"strings"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
)

// Selector pairs a key expression with query parameters. Its string form is
// "<keyexpr>?<parameters>"; the '?' and everything after it are omitted when
// no parameters are present.
type Selector struct {
	KeyExpr    keyexpr.KeyExpr
	Parameters Parameters
}

// New builds a selector from an already-canonical key expression and a
// parameter set.
func New(ke keyexpr.KeyExpr, params Parameters) Selector {
	return Selector{KeyExpr: ke, Parameters: params}
}

// Parse splits the input on the first '?'. The left side must canonicalize
// as a key expression; the right side, when present, is parsed as
// parameters.
func Parse(s string) (Selector, error) {
	raw, paramStr, _ := strings.Cut(s, "?")

	ke, err := keyexpr.New(raw)
	if err != nil {
		return Selector{}, fmt.Errorf("%w: %v", errors.ErrInvalidSelector, err)
	}

	params, err := ParseParameters(paramStr)
	if err != nil {
		return Selector{}, err
	}

	return Selector{KeyExpr: ke, Parameters: params}, nil
}

// String returns the textual form of the selector.
func (s Selector) String() string {
	if s.Parameters.IsEmpty() {
		return s.KeyExpr.String()
	}
	return s.KeyExpr.String() + "?" + s.Parameters.String()
}

// AcceptsDisjointReplies reports whether the selector opts into replies
// whose key does not intersect the query key expression.
func (s Selector) AcceptsDisjointReplies() bool {
	v, ok := s.Parameters.Get(ParamAnyKey)
	return ok && v != "false"
}
