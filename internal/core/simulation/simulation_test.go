package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/events/bus"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/scheduler"
	"github.com/zeusync/firesim/internal/core/storage"
	"github.com/zeusync/firesim/internal/core/weather"
)

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Weather = weather.Settings{
		WindDirection: geom.Right,
		WindSpeed:     10,
		TickInterval:  time.Second,
	}
	cfg.Combustion.WindSpeedScale = 0.125
	cfg.Combustion.RayRadius = 0
	cfg.CellSize = 2
	return cfg
}

func newSim(t *testing.T, opts ...Option) (*Simulation, *bus.Collector) {
	t.Helper()
	events := bus.New()
	collector := bus.NewCollector()
	_, err := events.Subscribe(bus.Wildcard, collector.Handle)
	require.NoError(t, err)

	opts = append([]Option{
		WithClock(scheduler.NewManualClock(start)),
		WithBus(events),
		WithRunID("test-run"),
	}, opts...)
	sim, err := New(testConfig(), nil, opts...)
	require.NoError(t, err)
	return sim, collector
}

func state(t *testing.T, sim *Simulation, id models.EntityID) combustion.State {
	t.Helper()
	c, ok := sim.Field().Get(id)
	require.True(t, ok)
	return c.State()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Weather.TickInterval = 0
	_, err := New(cfg, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Combustion.GrowthPerTick = -1
	_, err = New(cfg, nil)
	require.ErrorIs(t, err, combustion.ErrInvalidConfig)

	_, err = New(testConfig(), nil, WithRunID("../escape"))
	require.ErrorIs(t, err, storage.ErrInvalidRunID)
}

func TestSimulation_StepNeedsManualClock(t *testing.T) {
	sim, err := New(testConfig(), nil)
	require.NoError(t, err)
	_, err = sim.Step(time.Second)
	require.ErrorIs(t, err, ErrManualClockRequired)
	assert.NotEmpty(t, sim.RunID())
}

func TestSimulation_SpreadsDownwindOnly(t *testing.T) {
	sim, collector := newSim(t)

	origin, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	downwind, err := sim.Spawn(geom.V(3, 0, 0))
	require.NoError(t, err)
	upwind, err := sim.Spawn(geom.V(-3, 0, 0))
	require.NoError(t, err)

	ok, err := sim.Ignite(origin)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 20; i++ {
		_, err = sim.Step(time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, combustion.Burned, state(t, sim, origin))
	assert.Equal(t, combustion.Burned, state(t, sim, downwind))
	assert.Equal(t, combustion.Unburnt, state(t, sim, upwind))

	stats := sim.Stats()
	assert.Equal(t, 3, stats.Plants)
	assert.Equal(t, 2, stats.Counts["burned"])
	assert.Equal(t, 1, stats.Counts["unburnt"])
	assert.Equal(t, uint64(2), stats.Engine.Ignitions)
	assert.Equal(t, uint64(len(collector.Events())), stats.Events.Published)

	changes := collector.StateChanges()
	require.NotEmpty(t, changes)
	assert.Equal(t, uint64(origin), changes[0].EntityID)
	assert.Equal(t, "burning", changes[0].To)
}

func TestSimulation_PauseFreezesTicks(t *testing.T) {
	sim, collector := newSim(t)
	id, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	_, err = sim.Ignite(id)
	require.NoError(t, err)

	require.True(t, sim.Pause())
	assert.False(t, sim.Pause())
	assert.True(t, sim.Paused())

	n, err := sim.Step(10 * time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	c, _ := sim.Field().Get(id)
	assert.Equal(t, 5.0, c.Fuel())

	require.True(t, sim.SetPaused(false))
	n, err = sim.Step(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4.0, c.Fuel())

	var types []string
	for _, e := range collector.Events() {
		types = append(types, e.Type())
	}
	assert.Contains(t, types, bus.EventSimulationPaused)
	assert.Contains(t, types, bus.EventSimulationResume)
}

func TestSimulation_UpdateWeather(t *testing.T) {
	sim, collector := newSim(t)

	applied, err := sim.UpdateWeather(func(s *weather.Settings) {
		s.WindDirection = geom.Forward
		s.WindSpeed = 4
	})
	require.NoError(t, err)
	assert.Equal(t, geom.Forward, applied.WindDirection)
	assert.Equal(t, 4.0, sim.Weather().WindSpeed())

	_, err = sim.UpdateWeather(func(s *weather.Settings) { s.WindSpeed = -1 })
	require.Error(t, err)
	assert.Equal(t, 4.0, sim.Weather().WindSpeed())

	var weatherEvents int
	for _, e := range collector.Events() {
		if e.Type() == bus.EventWeatherChanged {
			weatherEvents++
		}
	}
	assert.Equal(t, 1, weatherEvents)
}

func TestSimulation_SnapshotRestore(t *testing.T) {
	sim, _ := newSim(t)
	a, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	_, err = sim.Spawn(geom.V(0, 0, 10))
	require.NoError(t, err)
	_, err = sim.Ignite(a)
	require.NoError(t, err)
	_, err = sim.Step(2 * time.Second)
	require.NoError(t, err)

	snap := sim.Snapshot()
	assert.Equal(t, "test-run", snap.RunID)
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, combustion.Burning, snap.Entities[0].State)
	assert.Equal(t, 3.0, snap.Entities[0].Fuel)

	other, _ := newSim(t, WithRunID("restored"))
	require.NoError(t, other.Restore(snap))
	assert.Equal(t, 2, other.Field().Len())
	assert.Equal(t, combustion.Burning, state(t, other, a))

	c, _ := other.Field().Get(a)
	_, err = other.Step(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2.0, c.Fuel())

	next, err := other.Spawn(geom.V(20, 0, 20))
	require.NoError(t, err)
	assert.Greater(t, uint64(next), uint64(a))
}

func TestSimulation_RestoreRejectsInvalid(t *testing.T) {
	sim, _ := newSim(t)
	id, err := sim.Spawn(geom.V(1, 0, 1))
	require.NoError(t, err)

	bad := storage.Snapshot{
		RunID:   "x",
		Weather: testConfig().Weather,
		Entities: []combustion.Status{
			{ID: 7, Position: geom.V(0, 0, 0), Fuel: 1, MaxRadius: 2},
			{ID: 7, Position: geom.V(5, 0, 0), Fuel: 1, MaxRadius: 2},
		},
	}
	require.Error(t, sim.Restore(bad))

	bad.Entities = []combustion.Status{{ID: 8, Fuel: 1, MaxRadius: 0}}
	require.Error(t, sim.Restore(bad))

	bad.Entities = nil
	bad.Weather.TickInterval = 0
	require.Error(t, sim.Restore(bad))

	_, ok := sim.Field().Get(id)
	assert.True(t, ok, "failed restore must leave the field untouched")
}

func TestSimulation_ClearStopsEverything(t *testing.T) {
	sim, collector := newSim(t)
	id, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	_, err = sim.Ignite(id)
	require.NoError(t, err)
	sim.LaunchFront(geom.V(5, 0, 5))

	assert.Equal(t, 1, sim.Clear())
	assert.Zero(t, sim.Field().Len())
	assert.Empty(t, sim.Fronts().Fronts())

	n, err := sim.Step(5 * time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)

	last := collector.Events()[len(collector.Events())-1]
	assert.Equal(t, bus.EventFieldCleared, last.Type())
	assert.Equal(t, 1, last.Data())
}

func TestSimulation_RunStopsOnCancel(t *testing.T) {
	sim, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, sim.Run(ctx))
}

func TestSimulation_SaveToStore(t *testing.T) {
	sim, _ := newSim(t)
	_, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)

	store := &memStore{}
	snap, err := sim.Save(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, snap, store.saved)
}

type memStore struct{ saved storage.Snapshot }

func (m *memStore) Save(_ context.Context, s storage.Snapshot) error {
	m.saved = s
	return nil
}

func (m *memStore) Load(context.Context, string) (storage.Snapshot, error) {
	return m.saved, nil
}

func (m *memStore) Latest(context.Context) (storage.Snapshot, error) {
	return m.saved, nil
}

func (m *memStore) Close() error { return nil }

func TestSimulation_StatsCountsUseStateNames(t *testing.T) {
	sim, _ := newSim(t)
	id, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	_, err = sim.Spawn(geom.V(0, 0, 10))
	require.NoError(t, err)

	ok, err := sim.Ignite(id)
	require.NoError(t, err)
	require.True(t, ok)

	counts := sim.Stats().Counts
	assert.Equal(t, map[string]int{"unburnt": 1, "burning": 1, "burned": 0}, counts)
}

func TestSimulation_IgniteDuringPauseTicksRightAfterResume(t *testing.T) {
	sim, _ := newSim(t)
	id, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	c, ok := sim.Field().Get(id)
	require.True(t, ok)
	fuel := c.Fuel()

	require.True(t, sim.Pause())
	_, err = sim.Step(50 * time.Second)
	require.NoError(t, err)
	ok, err = sim.Ignite(id)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = sim.Step(10 * time.Second)
	require.NoError(t, err)
	require.True(t, sim.Resume())

	n, err := sim.Step(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, fuel-2, c.Fuel())
}
