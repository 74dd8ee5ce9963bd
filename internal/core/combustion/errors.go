package combustion

import "errors"

var (
	ErrInvalidConfig  = errors.New("combustion: invalid config")
	ErrUnknownState   = errors.New("combustion: unknown state")
	ErrUnknownPolicy  = errors.New("combustion: unknown spread policy")
	ErrMaxRadius      = errors.New("combustion: max spread radius must be positive")
	ErrNegativeFuel   = errors.New("combustion: fuel must not be negative")
	ErrRadiusTooLarge = errors.New("combustion: radius exceeds max spread radius")
	ErrMissingDep     = errors.New("combustion: missing dependency")
)
