package firefront

import (
	"sync"

	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
)

// Front is a moving sphere of fire carried by the wind. Plants it reaches
// are ignited once, when they first enter it.
type Front struct {
	id uint64

	mu       sync.Mutex
	position geom.Vec3
	radius   float64
	seen     map[models.EntityID]struct{}
}

// Status is a copy of a front's observable state.
type Status struct {
	ID       uint64    `json:"id"`
	Position geom.Vec3 `json:"position"`
	Radius   float64   `json:"radius"`
}

func newFront(id uint64, pos geom.Vec3) *Front {
	return &Front{id: id, position: pos, seen: make(map[models.EntityID]struct{})}
}

func (f *Front) ID() uint64 { return f.id }

func (f *Front) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{ID: f.id, Position: f.position, Radius: f.radius}
}

// advance moves the front dt seconds along wind at speed and grows its
// radius by speed/4 per second up to maxRadius. A region with zero volume
// does not clamp.
func (f *Front) advance(dt float64, wind geom.Vec3, speed, maxRadius float64, region geom.Bounds) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.radius < maxRadius {
		f.radius = min(f.radius+speed/2*dt*0.5, maxRadius)
	}
	f.position = f.position.Add(wind.Scale(dt * speed))
	if region.Max != region.Min {
		f.position = region.Clamp(f.position)
	}
	return Status{ID: f.id, Position: f.position, Radius: f.radius}
}

// enter records id as inside the front and reports whether it just entered.
func (f *Front) enter(id models.EntityID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[id]; ok {
		return false
	}
	f.seen[id] = struct{}{}
	return true
}
