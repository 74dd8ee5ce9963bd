package combustion

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zeusync/firesim/internal/core/events/bus"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/scheduler"
	"github.com/zeusync/firesim/internal/core/spatial"
	"github.com/zeusync/firesim/internal/core/weather"
)

// SpatialIndex answers the neighbour queries of the spread rules.
// spatial.Grid implements it.
type SpatialIndex interface {
	QueryRay(ray spatial.Ray, layers models.Layer, exclude models.EntityID) (spatial.Hit, bool)
	QueryRadius(origin geom.Vec3, radius float64, layers models.Layer, exclude models.EntityID) []models.EntityID
}

// Resolver maps ids returned by the index back to plants. A false result
// (the plant was removed meanwhile) is treated as "no candidate".
type Resolver interface {
	Resolve(id models.EntityID) (*Combustible, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id models.EntityID) (*Combustible, bool)

func (f ResolverFunc) Resolve(id models.EntityID) (*Combustible, bool) { return f(id) }

// Stats counts engine activity since construction.
type Stats struct {
	Ignitions    uint64 `json:"ignitions"`
	Extinguishes uint64 `json:"extinguishes"`
	Burned       uint64 `json:"burned"`
	Ticks        uint64 `json:"ticks"`
	DeadLetters  uint64 `json:"dead_letters"`
	CacheBuilds  uint64 `json:"cache_builds"`
}

// angleSlack keeps the back-angle gate inclusive despite rounding in atan2.
const angleSlack = 1e-9

// Engine drives the combustion state machine. It never mutates the weather
// and never owns plants: it reaches them only through the Resolver.
type Engine struct {
	cfg      Config
	weather  weather.Provider
	index    SpatialIndex
	resolver Resolver
	sched    *scheduler.Scheduler
	events   bus.EventBus
	logger   log.Log

	epoch atomic.Uint64

	ignitions    atomic.Uint64
	extinguishes atomic.Uint64
	burned       atomic.Uint64
	ticks        atomic.Uint64
	deadLetters  atomic.Uint64
	cacheBuilds  atomic.Uint64
}

func New(
	cfg Config,
	w weather.Provider,
	index SpatialIndex,
	resolver Resolver,
	sched *scheduler.Scheduler,
	events bus.EventBus,
	logger log.Log,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case w == nil:
		return nil, fmt.Errorf("%w: weather", ErrMissingDep)
	case index == nil:
		return nil, fmt.Errorf("%w: spatial index", ErrMissingDep)
	case resolver == nil:
		return nil, fmt.Errorf("%w: resolver", ErrMissingDep)
	case sched == nil:
		return nil, fmt.Errorf("%w: scheduler", ErrMissingDep)
	}
	if events == nil {
		events = bus.New()
	}
	if logger == nil {
		logger = log.Nop()
	}
	cfg.Policy, _ = ParsePolicy(string(cfg.Policy))

	e := &Engine{
		cfg:      cfg,
		weather:  w,
		index:    index,
		resolver: resolver,
		sched:    sched,
		events:   events,
		logger:   logger.With(log.String("component", "combustion")),
	}
	e.epoch.Store(1)
	e.logger.Info("combustion engine ready",
		log.String("policy", string(cfg.Policy)),
		log.Float64("growth_per_tick", cfg.GrowthPerTick),
		log.Float64("side_spread_multiplier", cfg.SideSpreadMultiplier),
		log.Float64("wind_speed_scale", cfg.WindSpeedScale))
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Invalidate drops every cached candidate set. Call it when plants are
// added to or removed from the index.
func (e *Engine) Invalidate() { e.epoch.Add(1) }

func (e *Engine) Stats() Stats {
	return Stats{
		Ignitions:    e.ignitions.Load(),
		Extinguishes: e.extinguishes.Load(),
		Burned:       e.burned.Load(),
		Ticks:        e.ticks.Load(),
		DeadLetters:  e.deadLetters.Load(),
		CacheBuilds:  e.cacheBuilds.Load(),
	}
}

// SpeedFactor is the wind speed mapped through WindSpeedScale.
func (e *Engine) SpeedFactor() float64 {
	return e.weather.WindSpeed() * e.cfg.WindSpeedScale
}

func taskKey(id models.EntityID) scheduler.Key {
	return scheduler.Key{Kind: scheduler.KindCombustion, ID: uint64(id)}
}

// Scheduled reports whether c has a pending tick.
func (e *Engine) Scheduled(c *Combustible) bool {
	_, ok := e.sched.Pending(taskKey(c.id))
	return ok
}

// Ignite moves c from Unburnt to Burning and schedules its first tick one
// interval from now. It is a no-op returning false for any other state, for
// a retired plant, and for every caller but one when several race.
func (e *Engine) Ignite(c *Combustible) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	if c.retired || !c.transition(Unburnt, Burning) {
		c.mu.Unlock()
		return false
	}
	now := e.schedule(c)
	fuel, radius := c.fuel, c.radius
	c.mu.Unlock()

	e.ignitions.Add(1)
	e.logger.Debug("ignited", log.Uint64("entity", uint64(c.id)), log.Float64("fuel", fuel))
	e.publish(c, Unburnt, Burning, fuel, radius, now)
	return true
}

// schedule must be called with c.mu held and c Burning. It starts a new
// burn, so ticks still in flight for an earlier one dead-letter.
func (e *Engine) schedule(c *Combustible) time.Time {
	c.burn++
	burn := c.burn
	now := e.sched.Now()
	e.sched.Schedule(taskKey(c.id), now.Add(e.weather.TickInterval()), e.weather.TickInterval, func(time.Time) {
		e.tick(c, burn)
	})
	return now
}

// Adopt schedules a plant that is already Burning, such as one restored
// from a snapshot. It reports false if c is not Burning.
func (e *Engine) Adopt(c *Combustible) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired || c.State() != Burning {
		return false
	}
	e.schedule(c)
	return true
}

// Extinguish moves c from Burning back to Unburnt and cancels its pending
// tick. Fuel and radius are kept.
func (e *Engine) Extinguish(c *Combustible) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	if !c.transition(Burning, Unburnt) {
		c.mu.Unlock()
		return false
	}
	e.sched.Cancel(taskKey(c.id))
	c.cache = nil
	fuel, radius := c.fuel, c.radius
	c.mu.Unlock()

	e.extinguishes.Add(1)
	e.logger.Debug("extinguished", log.Uint64("entity", uint64(c.id)), log.Float64("fuel", fuel), log.Float64("radius", radius))
	e.publish(c, Burning, Unburnt, fuel, radius, e.sched.Now())
	return true
}

// Retire prepares c for removal: a burning plant is extinguished, any
// pending tick is cancelled and the plant can never be ignited again.
func (e *Engine) Retire(c *Combustible) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.retired = true
	extinguished := c.transition(Burning, Unburnt)
	e.sched.Cancel(taskKey(c.id))
	c.cache = nil
	fuel, radius := c.fuel, c.radius
	c.mu.Unlock()

	if extinguished {
		e.extinguishes.Add(1)
		e.logger.Debug("extinguished on removal", log.Uint64("entity", uint64(c.id)))
		e.publish(c, Burning, Unburnt, fuel, radius, e.sched.Now())
	}
}

// Tick advances a burning plant by one step, as its pending tick would.
func (e *Engine) Tick(c *Combustible) {
	c.mu.Lock()
	burn := c.burn
	c.mu.Unlock()
	e.tick(c, burn)
}

// tick runs one step of burn. Ticks for a plant that is no longer Burning,
// or that was re-ignited since burn was scheduled, are dead letters.
func (e *Engine) tick(c *Combustible, burn uint64) {
	c.mu.Lock()
	if c.burn != burn {
		// the current burn owns the task key
		c.mu.Unlock()
		e.deadLetters.Add(1)
		return
	}
	if c.State() != Burning {
		e.sched.Cancel(taskKey(c.id))
		c.mu.Unlock()
		e.deadLetters.Add(1)
		return
	}
	e.ticks.Add(1)

	if c.fuel <= 0 {
		c.transition(Burning, Burned)
		e.sched.Cancel(taskKey(c.id))
		c.cache = nil
		fuel, radius := c.fuel, c.radius
		c.mu.Unlock()

		e.burned.Add(1)
		e.logger.Debug("burned out", log.Uint64("entity", uint64(c.id)))
		e.publish(c, Burning, Burned, fuel, radius, e.sched.Now())
		return
	}

	c.fuel -= e.cfg.FuelPerTick
	c.radius = min(c.radius+e.cfg.GrowthPerTick, c.maxRadius)
	radius := c.radius
	cache := c.cache
	c.mu.Unlock()

	speed := e.SpeedFactor()
	wind := e.weather.WindDirection()

	if e.cfg.Policy == PolicyRecast {
		e.spreadDownwindRecast(c, radius*speed, wind)
		e.spreadAdjacentRecast(c, radius*speed*e.cfg.SideSpreadMultiplier, wind)
		return
	}

	version, epoch := e.weather.Version(), e.epoch.Load()
	if !cache.valid(version, epoch) {
		cache = e.buildCandidates(c, speed, wind, version, epoch)
		c.mu.Lock()
		if c.burn == burn && c.State() == Burning {
			c.cache = cache
		}
		c.mu.Unlock()
	}
	e.spreadCached(c, cache, radius*speed, radius*speed*e.cfg.SideSpreadMultiplier)
}

func (e *Engine) publish(c *Combustible, from, to State, fuel, radius float64, at time.Time) {
	err := e.events.Publish(bus.NewStateChanged("combustion", bus.StateChange{
		EntityID: uint64(c.id),
		From:     from.String(),
		To:       to.String(),
		Fuel:     fuel,
		Radius:   radius,
		At:       at,
	}))
	if err != nil {
		e.logger.Warn("state change handler failed", log.Uint64("entity", uint64(c.id)), log.Error(err))
	}
}
