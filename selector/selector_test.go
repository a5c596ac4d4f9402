package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
)

func TestParseParameters(t *testing.T) {
	p, err := ParseParameters("a=1;b=2;c")
	require.NoError(t, err)

	v, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	v, ok = p.Get("c")
	require.True(t, ok)
	assert.Equal(t, "", v, "segment without '=' carries an empty value")

	_, ok = p.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b", "c"}, p.Keys())
}

func TestParseParametersRejectsDuplicates(t *testing.T) {
	_, err := ParseParameters("k=1;k=2")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateParameter)
	assert.Contains(t, err.Error(), `"k"`)
}

func TestParseParametersPercentDecoding(t *testing.T) {
	p, err := ParseParameters("msg=hello%3Bworld;eq=a%3Db")
	require.NoError(t, err)

	v, _ := p.Get("msg")
	assert.Equal(t, "hello;world", v)
	v, _ = p.Get("eq")
	assert.Equal(t, "a=b", v)

	_, err = ParseParameters("bad=%zz")
	assert.ErrorIs(t, err, errors.ErrInvalidSelector)
}

func TestParametersEncodingRoundTrip(t *testing.T) {
	var p Parameters
	p.Insert("plain", "value")
	p.Insert("structured", "a=b;c?d")
	p.Insert("unicode", "héllo")

	parsed, err := ParseParameters(p.String())
	require.NoError(t, err)
	assert.True(t, p.Equal(parsed))
}

func TestParametersMultiValueViaInsert(t *testing.T) {
	var p Parameters
	p.Insert("k", "1")
	p.Insert("k", "2")

	assert.Equal(t, []string{"1", "2"}, p.Values("k"))
	v, _ := p.Get("k")
	assert.Equal(t, "1", v, "Get returns the first inserted value")

	var q Parameters
	q.Insert("k", "3")
	p.Extend(q)
	assert.Equal(t, []string{"1", "2", "3"}, p.Values("k"))

	assert.True(t, p.Remove("k"))
	assert.False(t, p.Remove("k"))
	assert.True(t, p.IsEmpty())
}

func TestParametersIsOrdered(t *testing.T) {
	ordered, err := ParseParameters("a=1;b=2;c=3")
	require.NoError(t, err)
	assert.True(t, ordered.IsOrdered())

	unordered, err := ParseParameters("b=2;a=1")
	require.NoError(t, err)
	assert.False(t, unordered.IsOrdered())

	assert.True(t, Parameters{}.IsOrdered())
}

func TestIsReservedParam(t *testing.T) {
	assert.True(t, IsReservedParam(ParamTime))
	assert.True(t, IsReservedParam(ParamAnyKey))
	assert.False(t, IsReservedParam("limit"))
	assert.False(t, IsReservedParam(""))
}

func TestParseSelector(t *testing.T) {
	sel, err := Parse("a/**/b?x=1;y=2")
	require.NoError(t, err)
	assert.Equal(t, "a/**/b", sel.KeyExpr.String())
	assert.Equal(t, 2, sel.Parameters.Len())

	sel, err = Parse("a/b")
	require.NoError(t, err)
	assert.True(t, sel.Parameters.IsEmpty())
}

func TestParseSelectorInvalidKeyExpr(t *testing.T) {
	_, err := Parse("a//b?x=1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidSelector)

	_, err = Parse("?x=1")
	assert.Error(t, err)
}

func TestSelectorRoundTrip(t *testing.T) {
	params, err := ParseParameters("x=1;y=two")
	require.NoError(t, err)
	sel := New(keyexpr.MustNew("a/*/c"), params)

	parsed, err := Parse(sel.String())
	require.NoError(t, err)
	assert.Equal(t, sel.KeyExpr, parsed.KeyExpr)
	assert.True(t, sel.Parameters.Equal(parsed.Parameters))
	assert.Equal(t, sel.String(), parsed.String())
}

func TestSelectorStringOmitsEmptyParams(t *testing.T) {
	sel := New(keyexpr.MustNew("a/b"), Parameters{})
	assert.Equal(t, "a/b", sel.String())
}

func TestAcceptsDisjointReplies(t *testing.T) {
	sel, err := Parse("a/b?_anyke")
	require.NoError(t, err)
	assert.True(t, sel.AcceptsDisjointReplies())

	sel, err = Parse("a/b?_anyke=false")
	require.NoError(t, err)
	assert.False(t, sel.AcceptsDisjointReplies())

	sel, err = Parse("a/b")
	require.NoError(t, err)
	assert.False(t, sel.AcceptsDisjointReplies())
}
