package combustion

import (
	"fmt"
	"strings"
)

// State is the combustion state of a single entity.
type State int32

const (
	Unburnt State = iota
	Burning
	Burned
)

func (s State) String() string {
	switch s {
	case Unburnt:
		return "unburnt"
	case Burning:
		return "burning"
	case Burned:
		return "burned"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ParseState accepts the names produced by String, case-insensitively.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unburnt":
		return Unburnt, nil
	case "burning":
		return Burning, nil
	case "burned":
		return Burned, nil
	}
	return Unburnt, fmt.Errorf("%w: %q", ErrUnknownState, s)
}

func (s State) MarshalText() ([]byte, error) {
	if s < Unburnt || s > Burned {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int32(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
