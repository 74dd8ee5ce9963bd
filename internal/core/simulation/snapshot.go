package simulation

import (
	"context"
	"fmt"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/storage"
)

// Snapshot captures the weather and every plant.
func (s *Simulation) Snapshot() storage.Snapshot {
	plants := s.field.All()
	snap := storage.Snapshot{
		RunID:    s.runID,
		TakenAt:  s.Now(),
		Weather:  s.weather.Snapshot(),
		Entities: make([]combustion.Status, 0, len(plants)),
	}
	for _, c := range plants {
		snap.Entities = append(snap.Entities, c.Status())
	}
	return snap
}

// Restore replaces the field and the weather with snap. Burning plants are
// rescheduled one tick interval from now. Nothing changes if snap is invalid.
func (s *Simulation) Restore(snap storage.Snapshot) error {
	if err := snap.Weather.Validate(); err != nil {
		return fmt.Errorf("restore weather: %w", err)
	}
	seen := make(map[uint64]struct{}, len(snap.Entities))
	for _, e := range snap.Entities {
		if e.ID == models.NoEntity {
			return fmt.Errorf("restore: entity without id at %v", e.Position)
		}
		if _, err := combustion.FromStatus(e); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if _, dup := seen[uint64(e.ID)]; dup {
			return fmt.Errorf("restore: duplicate entity %d", e.ID)
		}
		seen[uint64(e.ID)] = struct{}{}
	}

	s.Clear()
	s.weatherMu.Lock()
	err := s.weather.Apply(snap.Weather)
	s.weatherMu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range snap.Entities {
		if _, err := s.field.Insert(e); err != nil {
			return fmt.Errorf("restore entity %d: %w", e.ID, err)
		}
	}
	s.logger.Info("snapshot restored",
		log.String("from_run", snap.RunID),
		log.Int("entities", len(snap.Entities)))
	return nil
}

// Save stores a snapshot of the current state.
func (s *Simulation) Save(ctx context.Context, store storage.Store) (storage.Snapshot, error) {
	snap := s.Snapshot()
	if err := store.Save(ctx, snap); err != nil {
		return snap, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}
