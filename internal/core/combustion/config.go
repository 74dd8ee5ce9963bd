package combustion

import (
	"errors"
	"fmt"
	"strings"
)

// Policy selects how spread candidates are found each tick.
type Policy string

const (
	// PolicyCached queries the index once per entity at its largest possible
	// reach and afterwards only compares distances with the current reach.
	// The cache is rebuilt when the weather or the placement changes.
	PolicyCached Policy = "cached"
	// PolicyRecast queries the index on every tick.
	PolicyRecast Policy = "recast"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyCached, PolicyRecast:
		return p, nil
	case "":
		return PolicyCached, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Config tunes the spread rules.
type Config struct {
	// GrowthPerTick is added to the current radius on every tick.
	GrowthPerTick float64 `json:"growth_per_tick" yaml:"growth_per_tick" toml:"growth_per_tick"`
	// FuelPerTick is consumed on every tick.
	FuelPerTick float64 `json:"fuel_per_tick" yaml:"fuel_per_tick" toml:"fuel_per_tick"`
	// SideSpreadMultiplier scales the adjacent rule's radius, in (0,1].
	SideSpreadMultiplier float64 `json:"side_spread_multiplier" yaml:"side_spread_multiplier" toml:"side_spread_multiplier"`
	// WindSpeedScale maps wind speed to the speed factor: factor = speed * scale.
	WindSpeedScale float64 `json:"wind_speed_scale" yaml:"wind_speed_scale" toml:"wind_speed_scale"`
	// RayRadius thickens the downwind ray.
	RayRadius float64 `json:"ray_radius" yaml:"ray_radius" toml:"ray_radius"`
	Policy    Policy  `json:"policy" yaml:"policy" toml:"policy"`
	// Workers bounds how many same-instant ticks run in parallel.
	Workers int `json:"workers" yaml:"workers" toml:"workers"`
}

func DefaultConfig() Config {
	return Config{
		GrowthPerTick:        1,
		FuelPerTick:          1,
		SideSpreadMultiplier: 0.65,
		WindSpeedScale:       0.05,
		RayRadius:            0.5,
		Policy:               PolicyCached,
		Workers:              1,
	}
}

// Validate reports every violation, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if !(c.GrowthPerTick > 0) {
		errs = append(errs, fmt.Errorf("growth_per_tick must be positive, got %v", c.GrowthPerTick))
	}
	if !(c.FuelPerTick > 0) {
		errs = append(errs, fmt.Errorf("fuel_per_tick must be positive, got %v", c.FuelPerTick))
	}
	if !(c.SideSpreadMultiplier > 0 && c.SideSpreadMultiplier <= 1) {
		errs = append(errs, fmt.Errorf("side_spread_multiplier must be in (0,1], got %v", c.SideSpreadMultiplier))
	}
	if c.WindSpeedScale < 0 {
		errs = append(errs, fmt.Errorf("wind_speed_scale must not be negative, got %v", c.WindSpeedScale))
	}
	if c.RayRadius < 0 {
		errs = append(errs, fmt.Errorf("ray_radius must not be negative, got %v", c.RayRadius))
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
