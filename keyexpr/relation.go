package keyexpr

// Relation classifies how one key expression relates to another.
type Relation int

const (
	// RelationDisjoint means no concrete key is matched by both expressions.
	RelationDisjoint Relation = iota
	// RelationIntersects means at least one concrete key is matched by both.
	RelationIntersects
	// RelationIncludes means every key matched by the other expression is
	// also matched by this one.
	RelationIncludes
	// RelationEquals means both expressions match exactly the same keys.
	RelationEquals
)

// String returns the string representation of the relation.
func (r Relation) String() string {
	switch r {
	case RelationDisjoint:
		return "disjoint"
	case RelationIntersects:
		return "intersects"
	case RelationIncludes:
		return "includes"
	case RelationEquals:
		return "equals"
	default:
		return "unknown"
	}
}

// Intersects reports whether some concrete key is matched by both k and o.
// Symmetric: k.Intersects(o) == o.Intersects(k).
func (k KeyExpr) Intersects(o KeyExpr) bool {
	if k.str == o.str {
		return k.str != ""
	}
	return chunksIntersect(k.Chunks(), o.Chunks())
}

// Includes reports whether every concrete key matched by o is also matched
// by k.
func (k KeyExpr) Includes(o KeyExpr) bool {
	if k.str == o.str {
		return k.str != ""
	}
	return chunksInclude(k.Chunks(), o.Chunks())
}

// RelationTo returns the total classification of k against o. Equals implies
// Includes implies Intersects.
func (k KeyExpr) RelationTo(o KeyExpr) Relation {
	switch {
	case k.str == "" || o.str == "":
		return RelationDisjoint
	case k.str == o.str:
		return RelationEquals
	case k.Includes(o):
		return RelationIncludes
	case k.Intersects(o):
		return RelationIntersects
	default:
		return RelationDisjoint
	}
}

// chunkEqualOrAny reports whether a single-chunk pattern a matches the
// single-chunk pattern b in at least one spelling.
func chunkEqualOrAny(a, b string) bool {
	return a == chunkAny || b == chunkAny || a == b
}

// chunksIntersect walks both chunk sequences with a dynamic program over
// suffix pairs. dp[i][j] answers "do a[i:] and b[j:] share a concrete key";
// each cell consults only already-computed cells, so cost is O(len(a)*len(b))
// even when both sides chain multiple "**" chunks.
func chunksIntersect(a, b []string) bool {
	n, m := len(a), len(b)
	dp := newTable(n, m)
	dp.set(n, m, true)

	for i := n; i >= 0; i-- {
		for j := m; j >= 0; j-- {
			if i == n && j == m {
				continue
			}
			v := false
			if i < n && a[i] == chunkSpan {
				// "**" matches zero chunks (skip it) or swallows one of b's.
				v = dp.get(i+1, j) || (j < m && dp.get(i, j+1))
			}
			if !v && j < m && b[j] == chunkSpan {
				v = dp.get(i, j+1) || (i < n && dp.get(i+1, j))
			}
			if !v && i < n && j < m && a[i] != chunkSpan && b[j] != chunkSpan &&
				chunkEqualOrAny(a[i], b[j]) {
				v = dp.get(i+1, j+1)
			}
			dp.set(i, j, v)
		}
	}
	return dp.get(0, 0)
}

// chunksInclude answers "does a[i:] match every key that b[j:] matches" with
// the same suffix dynamic program shape as chunksIntersect.
func chunksInclude(a, b []string) bool {
	n, m := len(a), len(b)
	dp := newTable(n, m)
	dp.set(n, m, true)

	for i := n; i >= 0; i-- {
		for j := m; j >= 0; j-- {
			if i == n && j == m {
				continue
			}
			v := false
			switch {
			case i < n && a[i] == chunkSpan:
				v = dp.get(i+1, j) || (j < m && dp.get(i, j+1))
			case i < n && j < m && b[j] != chunkSpan:
				// A literal includes only the same literal; "*" includes any
				// single chunk. Nothing narrower than "**" includes "**".
				if a[i] == chunkAny || a[i] == b[j] {
					v = dp.get(i+1, j+1)
				}
			}
			dp.set(i, j, v)
		}
	}
	return dp.get(0, 0)
}

// table is a flat (n+1)x(m+1) boolean matrix indexed by suffix positions.
type table struct {
	cells []bool
	width int
}

func newTable(n, m int) table {
	return table{cells: make([]bool, (n+1)*(m+1)), width: m + 1}
}

func (t table) get(i, j int) bool {
	return t.cells[i*t.width+j]
}

func (t table) set(i, j int, v bool) {
	t.cells[i*t.width+j] = v
}
