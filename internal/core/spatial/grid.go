package spatial

import (
	"errors"
	"math"
	"sync"

	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/pkg/generic"
)

var (
	ErrCellSize    = errors.New("spatial: cell size must be positive")
	ErrDuplicateID = errors.New("spatial: entity already indexed")
	ErrNoEntityID  = errors.New("spatial: zero entity id")
	ErrNotFinite   = errors.New("spatial: position must be finite")
)

const (
	DefaultCellSize = 4.0

	maxScannedCells  = 1 << 16
	candidateBufSize = 64

	// cellLimit bounds cell coordinates; positions beyond it share the
	// outermost cells and are told apart by the exact distance checks.
	cellLimit = 1 << 40
)

type cellKey struct {
	x, z int64
}

type entry struct {
	id    models.EntityID
	pos   geom.Vec3
	layer models.Layer
	cell  cellKey
}

// Grid is a uniform hash grid over the XZ plane. Cells are keyed by integer
// coordinates so the world is unbounded; Y only matters for distances.
// All methods are safe for concurrent use.
type Grid struct {
	mu       sync.RWMutex
	cellSize float64
	cells    map[cellKey][]*entry
	entries  map[models.EntityID]*entry

	buffers *generic.Pool[*[]*entry]
}

func NewGrid(cellSize float64) (*Grid, error) {
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return nil, ErrCellSize
	}
	return &Grid{
		cellSize: cellSize,
		cells:    make(map[cellKey][]*entry),
		entries:  make(map[models.EntityID]*entry),
		buffers:  generic.NewSlicePool[*entry](candidateBufSize),
	}, nil
}

func (g *Grid) CellSize() float64 { return g.cellSize }

func (g *Grid) keyFor(p geom.Vec3) cellKey {
	return cellKey{x: g.cellCoord(p.X), z: g.cellCoord(p.Z)}
}

func (g *Grid) cellCoord(v float64) int64 {
	c := math.Floor(v / g.cellSize)
	switch {
	case math.IsNaN(c):
		return 0
	case c < -cellLimit:
		return -cellLimit
	case c > cellLimit:
		return cellLimit
	}
	return int64(c)
}

// Insert indexes id at pos on the given layer.
func (g *Grid) Insert(id models.EntityID, pos geom.Vec3, layer models.Layer) error {
	if id == models.NoEntity {
		return ErrNoEntityID
	}
	if !pos.IsFinite() {
		return ErrNotFinite
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[id]; ok {
		return ErrDuplicateID
	}
	e := &entry{id: id, pos: pos, layer: layer, cell: g.keyFor(pos)}
	g.entries[id] = e
	g.cells[e.cell] = append(g.cells[e.cell], e)
	return nil
}

// Remove drops id from the index. It reports whether id was present.
func (g *Grid) Remove(id models.EntityID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return false
	}
	delete(g.entries, id)
	g.unlinkLocked(e)
	return true
}

// Move updates the position of id. It reports whether id was present; a
// non-finite pos is refused and leaves the entry where it was.
func (g *Grid) Move(id models.EntityID, pos geom.Vec3) bool {
	if !pos.IsFinite() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return false
	}
	key := g.keyFor(pos)
	if key != e.cell {
		g.unlinkLocked(e)
		e.cell = key
		g.cells[key] = append(g.cells[key], e)
	}
	e.pos = pos
	return true
}

func (g *Grid) unlinkLocked(e *entry) {
	bucket := g.cells[e.cell]
	for i, other := range bucket {
		if other == e {
			bucket[i] = bucket[len(bucket)-1]
			bucket[len(bucket)-1] = nil
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(g.cells, e.cell)
		return
	}
	g.cells[e.cell] = bucket
}

func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

func (g *Grid) Position(id models.EntityID) (geom.Vec3, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok {
		return geom.Vec3{}, false
	}
	return e.pos, true
}

// Clear removes every entry.
func (g *Grid) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cells = make(map[cellKey][]*entry)
	g.entries = make(map[models.EntityID]*entry)
}

// collectLocked appends every entry of the cells overlapping the XZ box
// [min,max] that matches layers and is not exclude. When the box covers more
// cells than are populated, the populated cells are scanned instead.
func (g *Grid) collectLocked(dst []*entry, min, max geom.Vec3, layers models.Layer, exclude models.EntityID) []*entry {
	lo, hi := g.keyFor(min), g.keyFor(max)
	dx, dz := hi.x-lo.x+1, hi.z-lo.z+1
	keep := func(e *entry) bool {
		return e.id != exclude && e.layer.Has(layers)
	}
	if dx > maxScannedCells || dz > maxScannedCells || dx*dz > int64(len(g.cells)) || dx*dz > maxScannedCells {
		for key, bucket := range g.cells {
			if key.x < lo.x || key.x > hi.x || key.z < lo.z || key.z > hi.z {
				continue
			}
			for _, e := range bucket {
				if keep(e) {
					dst = append(dst, e)
				}
			}
		}
		return dst
	}
	for x := lo.x; ; x++ {
		for z := lo.z; ; z++ {
			for _, e := range g.cells[cellKey{x, z}] {
				if keep(e) {
					dst = append(dst, e)
				}
			}
			if z == hi.z {
				break
			}
		}
		if x == hi.x {
			break
		}
	}
	return dst
}
