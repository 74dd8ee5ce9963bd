package models

import "strconv"

// EntityID identifies a placed entity for the lifetime of its container.
// IDs are never reused once handed out.
type EntityID uint64

// NoEntity is the zero value; containers start numbering at 1.
const NoEntity EntityID = 0

func (id EntityID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Layer is a collision-layer bitmask used to filter spatial queries.
type Layer uint32

const (
	LayerTerrain Layer = 1 << iota
	LayerCombustible

	LayerNone Layer = 0
	LayerAll  Layer = 0xFFFFFFFF
)

// Has reports whether any bit of other is set in l.
func (l Layer) Has(other Layer) bool {
	return l&other != 0
}
