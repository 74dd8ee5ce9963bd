package combustion

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
)

// Combustible is a single plant. Position and max radius never change; state
// transitions are compare-and-swap so at most one caller wins an ignition.
// Fuel, radius, the candidate cache and the retire and burn markers are
// guarded by mu; every state transition happens with mu held.
type Combustible struct {
	id        models.EntityID
	pos       geom.Vec3
	maxRadius float64

	state atomic.Int32

	mu     sync.Mutex
	fuel   float64
	radius float64
	cache  *candidates

	// burn identifies the scheduled burn; a tick carrying an older value is stale.
	burn    uint64
	retired bool
}

// Status is a point-in-time copy of a Combustible.
type Status struct {
	ID        models.EntityID `json:"id" yaml:"id"`
	Position  geom.Vec3       `json:"position" yaml:"position"`
	State     State           `json:"state" yaml:"state"`
	Fuel      float64         `json:"fuel" yaml:"fuel"`
	Radius    float64         `json:"radius" yaml:"radius"`
	MaxRadius float64         `json:"max_radius" yaml:"max_radius"`
}

// NewCombustible returns an Unburnt plant with zero radius.
func NewCombustible(id models.EntityID, pos geom.Vec3, fuel, maxRadius float64) (*Combustible, error) {
	if fuel < 0 {
		return nil, fmt.Errorf("%w: entity %d: %v", ErrNegativeFuel, id, fuel)
	}
	return FromStatus(Status{ID: id, Position: pos, State: Unburnt, Fuel: fuel, MaxRadius: maxRadius})
}

// FromStatus rebuilds a plant from a snapshot. Fuel may be negative, as left
// behind by a final tick. A Burning status yields a Burning plant that is not
// scheduled yet; see Engine.Adopt.
func FromStatus(s Status) (*Combustible, error) {
	if !(s.MaxRadius > 0) {
		return nil, fmt.Errorf("%w: entity %d: %v", ErrMaxRadius, s.ID, s.MaxRadius)
	}
	if s.Radius < 0 || s.Radius > s.MaxRadius {
		return nil, fmt.Errorf("%w: entity %d: %v > %v", ErrRadiusTooLarge, s.ID, s.Radius, s.MaxRadius)
	}
	if s.State < Unburnt || s.State > Burned {
		return nil, fmt.Errorf("%w: entity %d: %d", ErrUnknownState, s.ID, int32(s.State))
	}
	c := &Combustible{
		id:        s.ID,
		pos:       s.Position,
		maxRadius: s.MaxRadius,
		fuel:      s.Fuel,
		radius:    s.Radius,
	}
	c.state.Store(int32(s.State))
	return c, nil
}

func (c *Combustible) ID() models.EntityID { return c.id }
func (c *Combustible) Position() geom.Vec3 { return c.pos }
func (c *Combustible) MaxRadius() float64  { return c.maxRadius }
func (c *Combustible) State() State        { return State(c.state.Load()) }

func (c *Combustible) Fuel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fuel
}

func (c *Combustible) Radius() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.radius
}

// Retired reports whether the plant was retired and can no longer burn.
func (c *Combustible) Retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

func (c *Combustible) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:        c.id,
		Position:  c.pos,
		State:     c.State(),
		Fuel:      c.fuel,
		Radius:    c.radius,
		MaxRadius: c.maxRadius,
	}
}

func (c *Combustible) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}
