package sample

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/keymesh/pkg/timestamp"
)

// EntityGlobalID uniquely names a declared entity across the network: the
// identity of its owning session plus a per-session entity counter. It is
// comparable and usable as a map key.
type EntityGlobalID struct {
	Zid timestamp.ID
	Eid uint32
}

// String returns the "<zid-hex>/<eid>" form.
func (id EntityGlobalID) String() string {
	return id.Zid.String() + "/" + strconv.FormatUint(uint64(id.Eid), 10)
}

// IsZero reports whether the identity is unset.
func (id EntityGlobalID) IsZero() bool {
	return id.Zid.IsZero() && id.Eid == 0
}

// MarshalText encodes the identity in its string form.
func (id EntityGlobalID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes an identity from its string form.
func (id *EntityGlobalID) UnmarshalText(b []byte) error {
	zidStr, eidStr, ok := strings.Cut(string(b), "/")
	if !ok {
		return fmt.Errorf("sample: invalid entity id %q", b)
	}
	zid, err := timestamp.ParseID(zidStr)
	if err != nil {
		return err
	}
	eid, err := strconv.ParseUint(eidStr, 10, 32)
	if err != nil {
		return fmt.Errorf("sample: invalid entity counter %q: %w", eidStr, err)
	}
	id.Zid = zid
	id.Eid = uint32(eid)
	return nil
}

// SourceInfo identifies the entity that produced a sample and its position
// in that entity's sequence numbering.
type SourceInfo struct {
	ID  EntityGlobalID `json:"id"`
	Seq uint64         `json:"seq"`
}
