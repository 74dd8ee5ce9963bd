package firefront

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/scheduler"
	"github.com/zeusync/firesim/internal/core/weather"
)

var ErrInvalidConfig = errors.New("firefront: invalid config")

type Config struct {
	MaxRadius float64 `json:"max_radius" yaml:"max_radius" toml:"max_radius"`
	// FireAngle skips plants for which the angle between (front - plant)
	// and the wind is below this many degrees, i.e. plants behind the front.
	FireAngle float64       `json:"fire_angle" yaml:"fire_angle" toml:"fire_angle"`
	Step      time.Duration `json:"step" yaml:"step" toml:"step"`
	// Region clamps front positions. A zero region leaves them unbounded.
	Region geom.Bounds `json:"region" yaml:"region" toml:"region"`
}

func DefaultConfig() Config {
	return Config{MaxRadius: 20, FireAngle: 90, Step: 20 * time.Millisecond}
}

func (c Config) Validate() error {
	var errs []error
	if !(c.MaxRadius > 0) {
		errs = append(errs, fmt.Errorf("max_radius must be positive, got %v", c.MaxRadius))
	}
	if c.FireAngle < 0 || c.FireAngle > 180 {
		errs = append(errs, fmt.Errorf("fire_angle must be in [0,180], got %v", c.FireAngle))
	}
	if c.Step <= 0 {
		errs = append(errs, fmt.Errorf("step must be positive, got %v", c.Step))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Runner advances fire fronts on the shared scheduler at a fixed step and
// funnels the plants they reach into the combustion engine.
type Runner struct {
	cfg      Config
	weather  weather.Provider
	index    combustion.SpatialIndex
	resolver combustion.Resolver
	engine   *combustion.Engine
	sched    *scheduler.Scheduler
	logger   log.Log

	mu     sync.Mutex
	fronts map[uint64]*Front
	nextID uint64
}

func NewRunner(
	cfg Config,
	w weather.Provider,
	index combustion.SpatialIndex,
	resolver combustion.Resolver,
	engine *combustion.Engine,
	sched *scheduler.Scheduler,
	logger log.Log,
) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil || index == nil || resolver == nil || engine == nil || sched == nil {
		return nil, errors.New("firefront: missing dependency")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{
		cfg:      cfg,
		weather:  w,
		index:    index,
		resolver: resolver,
		engine:   engine,
		sched:    sched,
		logger:   logger.With(log.String("component", "firefront")),
		fronts:   make(map[uint64]*Front),
	}, nil
}

func frontKey(id uint64) scheduler.Key {
	return scheduler.Key{Kind: scheduler.KindFireFront, ID: id}
}

// Launch starts a new front at pos. Its first step runs one step from now.
func (r *Runner) Launch(pos geom.Vec3) Status {
	r.mu.Lock()
	r.nextID++
	f := newFront(r.nextID, pos)
	r.fronts[f.id] = f
	r.mu.Unlock()

	step := r.cfg.Step
	r.sched.Schedule(frontKey(f.id), r.sched.Now().Add(step), func() time.Duration { return step }, func(time.Time) {
		r.advance(f)
	})
	r.logger.Debug("fire front launched", log.Uint64("front", f.id))
	return f.Status()
}

// Stop removes a front. It reports whether the front existed.
func (r *Runner) Stop(id uint64) bool {
	r.mu.Lock()
	_, ok := r.fronts[id]
	delete(r.fronts, id)
	r.mu.Unlock()
	r.sched.Cancel(frontKey(id))
	return ok
}

// StopAll removes every front and returns how many there were.
func (r *Runner) StopAll() int {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.fronts))
	for id := range r.fronts {
		ids = append(ids, id)
	}
	r.fronts = make(map[uint64]*Front)
	r.mu.Unlock()
	for _, id := range ids {
		r.sched.Cancel(frontKey(id))
	}
	return len(ids)
}

// Fronts returns the status of every active front ordered by id.
func (r *Runner) Fronts() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.fronts))
	for _, f := range r.fronts {
		out = append(out, f.Status())
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Runner) advance(f *Front) {
	wind := r.weather.WindDirection()
	st := f.advance(r.cfg.Step.Seconds(), wind, r.weather.WindSpeed(), r.cfg.MaxRadius, r.cfg.Region)
	if !(st.Radius > 0) {
		return
	}
	for _, id := range r.index.QueryRadius(st.Position, st.Radius, models.LayerCombustible, models.NoEntity) {
		if !f.enter(id) {
			continue
		}
		c, ok := r.resolver.Resolve(id)
		if !ok || c.State() != combustion.Unburnt {
			continue
		}
		if geom.AngleDeg(st.Position.Sub(c.Position()), wind) < r.cfg.FireAngle {
			continue
		}
		r.engine.Ignite(c)
	}
}
