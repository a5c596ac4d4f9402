package advanced

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/sample"
)

// Reserved namespaces used by the recovery extension. Cache queryables
// answer under cachePrefix, heartbeats travel under heartbeatPrefix, and
// caching publishers announce their presence with a liveliness token under
// presencePrefix. All three embed the publisher identity as two chunks,
// "<zid-hex>/<eid>".
const (
	cachePrefix     = "@cache"
	heartbeatPrefix = "@hb"
	presencePrefix  = "@adv"
)

// paramSeqRange is the reserved parameter carrying an inclusive sequence
// range, formatted "<first>..<last>".
const paramSeqRange = "_sn"

func cacheKey(id sample.EntityGlobalID, suffix string) string {
	return cachePrefix + "/" + id.String() + "/" + suffix
}

func heartbeatKey(id sample.EntityGlobalID) string {
	return heartbeatPrefix + "/" + id.String()
}

func presenceKey(id sample.EntityGlobalID) string {
	return presencePrefix + "/" + id.String()
}

// sourceFromKey extracts the publisher identity embedded after a reserved
// prefix, returning the identity and the remaining chunks.
func sourceFromKey(ke keyexpr.KeyExpr, prefix string) (sample.EntityGlobalID, keyexpr.KeyExpr, bool) {
	var id sample.EntityGlobalID
	rest, ok := ke.StripPrefix(prefix)
	if !ok {
		return id, rest, false
	}
	chunks := rest.Chunks()
	if len(chunks) < 2 {
		return id, rest, false
	}
	if err := id.UnmarshalText([]byte(chunks[0] + "/" + chunks[1])); err != nil {
		return id, rest, false
	}
	if len(chunks) == 2 {
		// Heartbeat and presence keys carry nothing beyond the identity.
		return id, keyexpr.KeyExpr{}, true
	}
	suffix, err := keyexpr.New(strings.Join(chunks[2:], "/"))
	if err != nil {
		return id, suffix, false
	}
	return id, suffix, true
}

// cacheQuerySuffix drops the cache prefix and the two identity chunks from
// a query key, which may address the identity with wildcards. The cache
// queryable's own key already scoped the match to one publisher.
func cacheQuerySuffix(ke keyexpr.KeyExpr) (keyexpr.KeyExpr, bool) {
	chunks := ke.Chunks()
	if len(chunks) < 4 || chunks[0] != cachePrefix {
		return ke, false
	}
	suffix, err := keyexpr.New(strings.Join(chunks[3:], "/"))
	if err != nil {
		return suffix, false
	}
	return suffix, true
}

func formatSeqRange(first, last uint64) string {
	return strconv.FormatUint(first, 10) + ".." + strconv.FormatUint(last, 10)
}

func parseSeqRange(v string) (first, last uint64, err error) {
	lo, hi, ok := strings.Cut(v, "..")
	if !ok {
		return 0, 0, errors.WrapInvalid(errors.ErrInvalidData, "advanced", "parseSeqRange",
			fmt.Sprintf("malformed range %q", v))
	}
	first, err = strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return 0, 0, errors.WrapInvalid(err, "advanced", "parseSeqRange", "range start")
	}
	last, err = strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return 0, 0, errors.WrapInvalid(err, "advanced", "parseSeqRange", "range end")
	}
	if first > last {
		return 0, 0, errors.WrapInvalid(errors.ErrInvalidData, "advanced", "parseSeqRange",
			"range start exceeds end")
	}
	return first, last, nil
}
