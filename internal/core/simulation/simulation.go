package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/events/bus"
	"github.com/zeusync/firesim/internal/core/firefront"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/scheduler"
	"github.com/zeusync/firesim/internal/core/spatial"
	"github.com/zeusync/firesim/internal/core/storage"
	"github.com/zeusync/firesim/internal/core/vegetation"
	"github.com/zeusync/firesim/internal/core/weather"
)

var ErrManualClockRequired = errors.New("simulation: Step needs a manual clock")

const source = "simulation"

// Config gathers the settings of every simulation component.
type Config struct {
	Weather    weather.Settings         `json:"weather" yaml:"weather" toml:"weather"`
	Combustion combustion.Config        `json:"combustion" yaml:"combustion" toml:"combustion"`
	Plants     vegetation.PlantDefaults `json:"plants" yaml:"plants" toml:"plants"`
	FireFront  firefront.Config         `json:"fire_front" yaml:"fire_front" toml:"fire_front"`
	CellSize   float64                  `json:"cell_size" yaml:"cell_size" toml:"cell_size"`
}

func DefaultConfig() Config {
	return Config{
		Weather: weather.Settings{
			WindDirection: geom.Forward,
			WindSpeed:     20,
			TickInterval:  time.Second,
		},
		Combustion: combustion.DefaultConfig(),
		Plants:     vegetation.DefaultPlant(),
		FireFront:  firefront.DefaultConfig(),
		CellSize:   spatial.DefaultCellSize,
	}
}

type options struct {
	clock  scheduler.Clock
	events bus.EventBus
	runID  string
	rng    *rand.Rand
}

type Option func(*options)

// WithClock replaces the system clock, typically with a ManualClock.
func WithClock(c scheduler.Clock) Option { return func(o *options) { o.clock = c } }

// WithBus shares an existing event bus.
func WithBus(b bus.EventBus) Option { return func(o *options) { o.events = b } }

func WithRunID(id string) Option { return func(o *options) { o.runID = id } }

// WithRand seeds random ignition.
func WithRand(r *rand.Rand) Option { return func(o *options) { o.rng = r } }

// Simulation wires weather, index, field, scheduler, engine and fire fronts
// together and is the single entry point used by the CLI, scripts and the
// server.
type Simulation struct {
	runID  string
	cfg    Config
	logger log.Log
	clock  scheduler.Clock

	rngMu sync.Mutex
	rng   *rand.Rand

	// weatherMu serialises read-modify-write updates of the weather.
	weatherMu sync.Mutex

	weather *weather.State
	grid    *spatial.Grid
	field   *vegetation.Field
	events  bus.EventBus
	sched   *scheduler.Scheduler
	engine  *combustion.Engine
	fronts  *firefront.Runner
}

func New(cfg Config, logger log.Log, opts ...Option) (*Simulation, error) {
	o := options{clock: scheduler.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = bus.New()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if err := storage.ValidateRunID(o.runID); err != nil {
		return nil, err
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With(log.String("run_id", o.runID))

	s := &Simulation{
		runID:  o.runID,
		cfg:    cfg,
		logger: logger.With(log.String("component", "simulation")),
		clock:  o.clock,
		rng:    o.rng,
		events: o.events,
	}

	var err error
	if s.weather, err = weather.New(cfg.Weather); err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}
	if s.grid, err = spatial.NewGrid(cfg.CellSize); err != nil {
		return nil, err
	}
	if s.field, err = vegetation.NewField(s.grid, cfg.Plants, logger); err != nil {
		return nil, err
	}
	s.sched = scheduler.New(o.clock, scheduler.WithWorkers(cfg.Combustion.Workers), scheduler.WithLogger(logger))
	if s.engine, err = combustion.New(cfg.Combustion, s.weather, s.grid, s.field, s.sched, s.events, logger); err != nil {
		return nil, err
	}
	s.field.Bind(s.engine)
	if s.fronts, err = firefront.NewRunner(cfg.FireFront, s.weather, s.grid, s.field, s.engine, s.sched, logger); err != nil {
		return nil, err
	}

	s.logger.Info("simulation ready",
		log.Duration("tick_interval", cfg.Weather.TickInterval),
		log.Float64("wind_speed", cfg.Weather.WindSpeed))
	return s, nil
}

func (s *Simulation) RunID() string                   { return s.runID }
func (s *Simulation) Config() Config                  { return s.cfg }
func (s *Simulation) Weather() *weather.State         { return s.weather }
func (s *Simulation) Field() *vegetation.Field        { return s.field }
func (s *Simulation) Engine() *combustion.Engine      { return s.engine }
func (s *Simulation) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Simulation) Bus() bus.EventBus               { return s.events }
func (s *Simulation) Fronts() *firefront.Runner       { return s.fronts }

// Now is the simulation's current time.
func (s *Simulation) Now() time.Time { return s.sched.Now() }

// Run drives the simulation in real time until ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	s.logger.Info("simulation running")
	err := s.sched.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Step advances a manual clock by d and fires everything that fell due.
// It returns the number of ticks executed.
func (s *Simulation) Step(d time.Duration) (int, error) {
	mc, ok := s.clock.(*scheduler.ManualClock)
	if !ok {
		return 0, ErrManualClockRequired
	}
	return s.sched.RunDue(mc.Advance(d)), nil
}

// Pause freezes every burning plant and fire front in place.
func (s *Simulation) Pause() bool {
	if !s.sched.Pause() {
		return false
	}
	s.logger.Info("simulation paused")
	s.publish(bus.EventSimulationPaused, nil)
	return true
}

// Resume continues after Pause; no tick observes the paused time.
func (s *Simulation) Resume() bool {
	if !s.sched.Resume() {
		return false
	}
	s.logger.Info("simulation resumed")
	s.publish(bus.EventSimulationResume, nil)
	return true
}

func (s *Simulation) Paused() bool { return s.sched.Paused() }

// SetPaused pauses or resumes depending on paused.
func (s *Simulation) SetPaused(paused bool) bool {
	if paused {
		return s.Pause()
	}
	return s.Resume()
}

func (s *Simulation) Spawn(pos geom.Vec3, opts ...vegetation.SpawnOption) (models.EntityID, error) {
	c, err := s.field.Spawn(pos, opts...)
	if err != nil {
		return models.NoEntity, err
	}
	return c.ID(), nil
}

func (s *Simulation) Remove(id models.EntityID) bool { return s.field.Remove(id) }

func (s *Simulation) Ignite(id models.EntityID) (bool, error) { return s.field.Ignite(id) }

func (s *Simulation) Extinguish(id models.EntityID) (bool, error) { return s.field.Extinguish(id) }

func (s *Simulation) Toggle(id models.EntityID) (combustion.State, error) { return s.field.Toggle(id) }

// IgniteRandom ignites up to n random Unburnt plants.
func (s *Simulation) IgniteRandom(n int) (int, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.field.IgniteRandom(n, s.rng)
}

// LaunchFront starts a moving fire front at pos.
func (s *Simulation) LaunchFront(pos geom.Vec3) firefront.Status { return s.fronts.Launch(pos) }

// UpdateWeather applies fn to a copy of the current weather and installs the
// result if it validates.
func (s *Simulation) UpdateWeather(fn func(*weather.Settings)) (weather.Settings, error) {
	s.weatherMu.Lock()
	defer s.weatherMu.Unlock()
	next := s.weather.Snapshot()
	fn(&next)
	if err := s.weather.Apply(next); err != nil {
		return s.weather.Snapshot(), err
	}
	applied := s.weather.Snapshot()
	s.logger.Info("weather changed",
		log.Float64("wind_speed", applied.WindSpeed),
		log.Float64("wind_yaw", geom.Yaw(applied.WindDirection)),
		log.Duration("tick_interval", applied.TickInterval))
	s.publish(bus.EventWeatherChanged, applied)
	return applied, nil
}

// Clear stops every fire front and removes every plant.
func (s *Simulation) Clear() int {
	s.fronts.StopAll()
	n := s.field.Clear()
	s.publish(bus.EventFieldCleared, n)
	return n
}

// Stats is a summary of the simulation.
type Stats struct {
	RunID     string           `json:"run_id"`
	Now       time.Time        `json:"now"`
	Paused    bool             `json:"paused"`
	Plants    int              `json:"plants"`
	Counts    map[string]int   `json:"counts"`
	Fronts    int              `json:"fronts"`
	Engine    combustion.Stats `json:"engine"`
	Scheduler scheduler.Stats  `json:"scheduler"`
	Events    bus.Stats        `json:"events"`
	Weather   weather.Settings `json:"weather"`
}

func (s *Simulation) Stats() Stats {
	counts := make(map[string]int, 3)
	for st, n := range s.field.CountByState() {
		counts[st.String()] = n
	}
	return Stats{
		RunID:     s.runID,
		Now:       s.Now(),
		Paused:    s.Paused(),
		Plants:    s.field.Len(),
		Counts:    counts,
		Fronts:    len(s.fronts.Fronts()),
		Engine:    s.engine.Stats(),
		Scheduler: s.sched.Stats(),
		Events:    s.events.Stats(),
		Weather:   s.weather.Snapshot(),
	}
}

func (s *Simulation) publish(eventType string, data any) {
	if err := s.events.Publish(bus.NewEvent(eventType, source, s.Now(), data)); err != nil {
		s.logger.Warn("event handler failed", log.String("event", eventType), log.Error(err))
	}
}
