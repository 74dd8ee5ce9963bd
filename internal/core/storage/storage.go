package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/weather"
)

var (
	ErrNotFound     = errors.New("storage: snapshot not found")
	ErrInvalidRunID = errors.New("storage: invalid run id")
	ErrClosed       = errors.New("storage: store closed")
)

// Snapshot is the persisted state of one simulation run: the weather and
// every plant's combustion status.
type Snapshot struct {
	RunID    string              `json:"run_id" yaml:"run_id"`
	TakenAt  time.Time           `json:"taken_at" yaml:"taken_at"`
	Weather  weather.Settings    `json:"weather" yaml:"weather"`
	Entities []combustion.Status `json:"entities" yaml:"entities"`
}

// Store persists snapshots keyed by run id. Saving a run id again replaces
// the previous snapshot.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, runID string) (Snapshot, error)
	// Latest returns the snapshot with the newest TakenAt.
	Latest(ctx context.Context) (Snapshot, error)
	Close() error
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateRunID rejects ids that are empty or unsafe as file names.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

// Counts tallies the snapshot's entities by state.
func (s Snapshot) Counts() map[combustion.State]int {
	out := make(map[combustion.State]int, 3)
	for _, e := range s.Entities {
		out[e.State]++
	}
	return out
}
