package weather

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeusync/firesim/internal/core/geom"
)

var (
	ErrZeroWindDirection = errors.New("wind direction must have a non-zero length")
	ErrNegativeWindSpeed = errors.New("wind speed must not be negative")
	ErrTickInterval      = errors.New("tick interval must be positive")
	ErrNotFinite         = errors.New("weather values must be finite")
)

// Provider is the read-only view consumed by the combustion engine.
type Provider interface {
	WindDirection() geom.Vec3
	WindSpeed() float64
	TickInterval() time.Duration
	BackAngleTolerance() float64
	// Version changes whenever any value changes. Consumers use it to
	// invalidate anything derived from the wind.
	Version() uint64
}

// Settings is a plain copy of the weather values.
type Settings struct {
	WindDirection      geom.Vec3     `json:"wind_direction" yaml:"wind_direction" toml:"wind_direction"`
	WindSpeed          float64       `json:"wind_speed" yaml:"wind_speed" toml:"wind_speed"`
	TickInterval       time.Duration `json:"tick_interval" yaml:"tick_interval" toml:"tick_interval"`
	BackAngleTolerance float64       `json:"back_angle_tolerance" yaml:"back_angle_tolerance" toml:"back_angle_tolerance"`
}

// Validate reports every invalid field at once.
func (s Settings) Validate() error {
	var errs []error
	if err := checkDirection(s.WindDirection); err != nil {
		errs = append(errs, err)
	}
	if err := checkSpeed(s.WindSpeed); err != nil {
		errs = append(errs, err)
	}
	if math.IsNaN(s.BackAngleTolerance) || math.IsInf(s.BackAngleTolerance, 0) {
		errs = append(errs, fmt.Errorf("%w: back angle tolerance %v", ErrNotFinite, s.BackAngleTolerance))
	}
	if s.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: %v", ErrTickInterval, s.TickInterval))
	}
	return errors.Join(errs...)
}

func checkDirection(dir geom.Vec3) error {
	if !dir.IsFinite() {
		return fmt.Errorf("%w: wind direction %v", ErrNotFinite, dir)
	}
	if dir.IsZero() {
		return ErrZeroWindDirection
	}
	return nil
}

func checkSpeed(speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: wind speed %v", ErrNotFinite, speed)
	}
	if speed < 0 {
		return fmt.Errorf("%w: %v", ErrNegativeWindSpeed, speed)
	}
	return nil
}

var _ Provider = (*State)(nil)

// State holds the shared weather. It is mutated only by external
// configuration (UI, scripts, server handlers); the fire core only reads it.
type State struct {
	mu       sync.RWMutex
	settings Settings
	version  uint64
}

// New validates s and returns a State holding it. The wind direction is
// normalised.
func New(s Settings) (*State, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.WindDirection = s.WindDirection.Normalize()
	return &State{settings: s, version: 1}, nil
}

func (w *State) WindDirection() geom.Vec3 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings.WindDirection
}

func (w *State) WindSpeed() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings.WindSpeed
}

func (w *State) TickInterval() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings.TickInterval
}

func (w *State) BackAngleTolerance() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings.BackAngleTolerance
}

func (w *State) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Snapshot returns a consistent copy of all values.
func (w *State) Snapshot() Settings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings
}

// SetWindDirection points the wind along dir. Any direction is accepted,
// including ones with a vertical component.
func (w *State) SetWindDirection(dir geom.Vec3) error {
	if err := checkDirection(dir); err != nil {
		return err
	}
	w.update(func(s *Settings) { s.WindDirection = dir.Normalize() })
	return nil
}

// SetWindYaw points the wind horizontally, deg degrees clockwise from +Z.
func (w *State) SetWindYaw(deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return fmt.Errorf("%w: yaw %v", ErrNotFinite, deg)
	}
	w.update(func(s *Settings) { s.WindDirection = geom.FromYaw(deg) })
	return nil
}

func (w *State) SetWindSpeed(speed float64) error {
	if err := checkSpeed(speed); err != nil {
		return err
	}
	w.update(func(s *Settings) { s.WindSpeed = speed })
	return nil
}

func (w *State) SetTickInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrTickInterval, d)
	}
	w.update(func(s *Settings) { s.TickInterval = d })
	return nil
}

func (w *State) SetBackAngleTolerance(deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return fmt.Errorf("%w: back angle tolerance %v", ErrNotFinite, deg)
	}
	w.update(func(s *Settings) { s.BackAngleTolerance = deg })
	return nil
}

// Apply replaces every value after validating the new settings.
func (w *State) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.WindDirection = s.WindDirection.Normalize()
	w.update(func(cur *Settings) { *cur = s })
	return nil
}

func (w *State) update(fn func(*Settings)) {
	w.mu.Lock()
	fn(&w.settings)
	w.version++
	w.mu.Unlock()
}
