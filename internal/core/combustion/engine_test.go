package combustion

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/firesim/internal/core/events/bus"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/scheduler"
	"github.com/zeusync/firesim/internal/core/spatial"
	"github.com/zeusync/firesim/internal/core/weather"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const interval = time.Second

type world struct {
	t       *testing.T
	clock   *scheduler.ManualClock
	sched   *scheduler.Scheduler
	weather *weather.State
	grid    *spatial.Grid
	events  *bus.Collector
	pubsub  bus.EventBus
	engine  *Engine

	mu     sync.RWMutex
	plants map[models.EntityID]*Combustible
	nextID models.EntityID
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WindSpeedScale = 0.125 // speed factor 1.25 at wind speed 10
	return cfg
}

func testWeather() weather.Settings {
	return weather.Settings{
		WindDirection: geom.Right,
		WindSpeed:     10,
		TickInterval:  interval,
	}
}

func newWorld(t *testing.T, cfg Config, ws weather.Settings, opts ...scheduler.Option) *world {
	t.Helper()
	w := &world{t: t, plants: make(map[models.EntityID]*Combustible)}
	w.clock = scheduler.NewManualClock(epoch)
	w.sched = scheduler.New(w.clock, opts...)

	var err error
	w.weather, err = weather.New(ws)
	require.NoError(t, err)
	w.grid, err = spatial.NewGrid(2)
	require.NoError(t, err)

	events := bus.New()
	w.pubsub = events
	w.events = bus.NewCollector()
	_, err = events.Subscribe(bus.EventStateChanged, w.events.Handle)
	require.NoError(t, err)

	w.engine, err = New(cfg, w.weather, w.grid, ResolverFunc(w.resolve), w.sched, events, nil)
	require.NoError(t, err)
	return w
}

func (w *world) resolve(id models.EntityID) (*Combustible, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.plants[id]
	return c, ok
}

func (w *world) add(pos geom.Vec3, fuel, maxRadius float64) *Combustible {
	w.t.Helper()
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.mu.Unlock()
	return w.addStatus(Status{ID: id, Position: pos, Fuel: fuel, MaxRadius: maxRadius})
}

func (w *world) addStatus(s Status) *Combustible {
	w.t.Helper()
	c, err := FromStatus(s)
	require.NoError(w.t, err)
	require.NoError(w.t, w.grid.Insert(c.ID(), c.Position(), models.LayerCombustible))
	w.mu.Lock()
	w.plants[c.ID()] = c
	if c.ID() > w.nextID {
		w.nextID = c.ID()
	}
	w.mu.Unlock()
	return c
}

// step advances the clock by n intervals, firing due ticks after each one.
func (w *world) step(n int) {
	for i := 0; i < n; i++ {
		w.sched.RunDue(w.clock.Advance(interval))
	}
}

func TestEngine_NewValidates(t *testing.T) {
	ws, err := weather.New(testWeather())
	require.NoError(t, err)
	grid, err := spatial.NewGrid(1)
	require.NoError(t, err)
	sched := scheduler.New(scheduler.NewManualClock(epoch))
	res := ResolverFunc(func(models.EntityID) (*Combustible, bool) { return nil, false })

	_, err = New(Config{}, ws, grid, res, sched, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), nil, grid, res, sched, nil, nil)
	assert.ErrorIs(t, err, ErrMissingDep)
	_, err = New(DefaultConfig(), ws, nil, res, sched, nil, nil)
	assert.ErrorIs(t, err, ErrMissingDep)
	_, err = New(DefaultConfig(), ws, grid, nil, sched, nil, nil)
	assert.ErrorIs(t, err, ErrMissingDep)
	_, err = New(DefaultConfig(), ws, grid, res, nil, nil, nil)
	assert.ErrorIs(t, err, ErrMissingDep)

	e, err := New(DefaultConfig(), ws, grid, res, sched, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, PolicyCached, e.Config().Policy)
}

func TestEngine_IgniteIsIdempotent(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 5, 5)

	assert.True(t, w.engine.Ignite(a))
	assert.False(t, w.engine.Ignite(a))
	assert.Equal(t, Burning, a.State())

	due, ok := w.sched.Pending(taskKey(a.ID()))
	require.True(t, ok)
	assert.Equal(t, epoch.Add(interval), due)

	changes := w.events.StateChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, bus.StateChange{EntityID: uint64(a.ID()), From: "unburnt", To: "burning", Fuel: 5, At: epoch}, changes[0])
	assert.Equal(t, uint64(1), w.engine.Stats().Ignitions)
}

func TestEngine_ConcurrentIgniteWinsOnce(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 5, 5)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.engine.Ignite(a) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, w.events.StateChanges(), 1)
	assert.Equal(t, 1, w.sched.Len())
}

func TestEngine_FuelDecreasesByOneUntilBurned(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 3, 5)
	require.True(t, w.engine.Ignite(a))

	for want := 2.0; want >= 0; want-- {
		w.step(1)
		assert.Equal(t, Burning, a.State())
		assert.Equal(t, want, a.Fuel())
	}

	w.step(1)
	assert.Equal(t, Burned, a.State())
	assert.Equal(t, 0.0, a.Fuel())
	assert.False(t, w.engine.Scheduled(a))

	w.step(3)
	assert.Equal(t, 0.0, a.Fuel(), "fuel never decreases outside Burning")

	changes := w.events.StateChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, "burned", changes[1].To)
	assert.Equal(t, epoch.Add(4*interval), changes[1].At)
	assert.Equal(t, uint64(1), w.engine.Stats().Burned)
}

func TestEngine_BurnedIsTerminal(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 0, 5)
	require.True(t, w.engine.Ignite(a))
	w.step(1)
	require.Equal(t, Burned, a.State())

	assert.False(t, w.engine.Ignite(a))
	assert.False(t, w.engine.Extinguish(a))
	assert.False(t, w.engine.Adopt(a))
	w.engine.Tick(a)
	assert.Equal(t, Burned, a.State())
}

func TestEngine_RadiusNeverExceedsMax(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 10, 2.5)
	require.True(t, w.engine.Ignite(a))

	want := []float64{1, 2, 2.5, 2.5, 2.5}
	for _, r := range want {
		w.step(1)
		assert.Equal(t, r, a.Radius())
		assert.LessOrEqual(t, a.Radius(), a.MaxRadius())
	}
}

func TestEngine_ExtinguishKeepsFuelAndRadius(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 5, 5)
	require.True(t, w.engine.Ignite(a))
	w.step(2)
	require.Equal(t, 3.0, a.Fuel())
	require.Equal(t, 2.0, a.Radius())

	assert.True(t, w.engine.Extinguish(a))
	assert.False(t, w.engine.Extinguish(a))
	assert.Equal(t, Unburnt, a.State())
	assert.False(t, w.engine.Scheduled(a))

	w.step(3)
	assert.Equal(t, 3.0, a.Fuel())
	assert.Equal(t, 2.0, a.Radius())

	require.True(t, w.engine.Ignite(a))
	assert.Equal(t, 3.0, a.Fuel())
	assert.Equal(t, 2.0, a.Radius())
	w.step(1)
	assert.Equal(t, 2.0, a.Fuel())
	assert.Equal(t, 3.0, a.Radius())

	changes := w.events.StateChanges()
	require.Len(t, changes, 3)
	assert.Equal(t, bus.StateChange{
		EntityID: uint64(a.ID()), From: "burning", To: "unburnt", Fuel: 3, Radius: 2, At: epoch.Add(2 * interval),
	}, changes[1])
}

func TestEngine_TickOnNonBurningIsDeadLetter(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 5, 5)

	w.engine.Tick(a)
	assert.Equal(t, 5.0, a.Fuel())
	assert.Equal(t, Unburnt, a.State())
	assert.Equal(t, uint64(1), w.engine.Stats().DeadLetters)
	assert.Zero(t, w.engine.Stats().Ticks)
}

func TestEngine_StaleTickAfterReigniteIsDeadLetter(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	b := w.add(geom.V(0, 0, 50), 0, 5)
	a := w.add(geom.V(50, 0, 0), 5, 5)
	require.True(t, w.engine.Ignite(b))
	require.True(t, w.engine.Ignite(a))

	// b runs first in the shared due group; when it burns out, a is
	// extinguished and re-ignited before a's dequeued tick runs.
	_, err := w.pubsub.Subscribe(bus.EventStateChanged, func(e bus.Event) error {
		if sc := e.Data().(bus.StateChange); sc.EntityID == uint64(b.ID()) && sc.To == "burned" {
			require.True(t, w.engine.Extinguish(a))
			require.True(t, w.engine.Ignite(a))
		}
		return nil
	})
	require.NoError(t, err)

	w.step(1)
	assert.Equal(t, Burned, b.State())
	assert.Equal(t, Burning, a.State())
	assert.Equal(t, 5.0, a.Fuel(), "the old burn's tick must not run")
	assert.Equal(t, uint64(1), w.engine.Stats().DeadLetters)
	due, ok := w.sched.Pending(taskKey(a.ID()))
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*interval), due, "new burn keeps its own phase")

	w.step(1)
	assert.Equal(t, 4.0, a.Fuel())
	assert.True(t, w.engine.Scheduled(a))
}

func TestEngine_RetiredPlantRefusesIgnition(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 5, 5)
	w.engine.Retire(a)

	assert.True(t, a.Retired())
	assert.False(t, w.engine.Ignite(a))
	assert.Equal(t, Unburnt, a.State())
	assert.Zero(t, w.sched.Len())
}

func TestEngine_Retire(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 5, 5)
	require.True(t, w.engine.Ignite(a))

	w.engine.Retire(a)
	assert.Equal(t, Unburnt, a.State())
	assert.False(t, w.engine.Scheduled(a))
	assert.Zero(t, w.sched.Len())

	w.engine.Retire(a)
	assert.Equal(t, uint64(1), w.engine.Stats().Extinguishes)
}

func TestEngine_AdoptSchedulesRestoredPlant(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.addStatus(Status{ID: 1, State: Burning, Fuel: 2, Radius: 1, MaxRadius: 5})
	b := w.add(geom.V(10, 0, 0), 2, 5)

	assert.True(t, w.engine.Adopt(a))
	assert.False(t, w.engine.Adopt(b))
	w.step(1)
	assert.Equal(t, 1.0, a.Fuel())
	assert.Equal(t, 2.0, a.Radius())
}

func bothPolicies(t *testing.T, fn func(t *testing.T, cfg Config)) {
	for _, p := range []Policy{PolicyCached, PolicyRecast} {
		t.Run(string(p), func(t *testing.T) {
			cfg := testConfig()
			cfg.Policy = p
			fn(t, cfg)
		})
	}
}

func TestEngine_DownwindReachBoundary(t *testing.T) {
	tests := []struct {
		name    string
		scale   float64
		ignites bool
	}{
		{"reach 5 falls short of 6", 0.1, false},
		{"reach exactly 6", 0.12, true},
		{"reach 6.25", 0.125, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bothPolicies(t, func(t *testing.T, cfg Config) {
				cfg.WindSpeedScale = tt.scale
				w := newWorld(t, cfg, testWeather())
				a := w.add(geom.Zero, 10, 5)
				b := w.add(geom.V(6, 0, 0), 10, 5)
				require.True(t, w.engine.Ignite(a))

				w.step(4)
				assert.Equal(t, Unburnt, b.State())

				w.step(1)
				assert.Equal(t, 5.0, a.Radius())
				if tt.ignites {
					assert.Equal(t, Burning, b.State())
				} else {
					w.step(10)
					assert.Equal(t, Unburnt, b.State())
				}
			})
		})
	}
}

func TestEngine_DownwindNearestHitOccludes(t *testing.T) {
	bothPolicies(t, func(t *testing.T, cfg Config) {
		w := newWorld(t, cfg, testWeather())
		a := w.add(geom.Zero, 10, 5)
		w.addStatus(Status{ID: 50, Position: geom.V(3, 0, 0), State: Burned, MaxRadius: 5})
		b := w.add(geom.V(6, 0, 0), 10, 5)
		require.True(t, w.engine.Ignite(a))

		w.step(8)
		assert.Equal(t, Unburnt, b.State())
	})
}

func TestEngine_AdjacentBoundaryAtNinetyDegrees(t *testing.T) {
	tests := []struct {
		name      string
		tolerance float64
		ignites   bool
	}{
		{"tolerance 0 includes exactly 90", 0, true},
		{"tolerance -1 excludes 90", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bothPolicies(t, func(t *testing.T, cfg Config) {
				ws := testWeather()
				ws.BackAngleTolerance = tt.tolerance
				w := newWorld(t, cfg, ws)
				a := w.add(geom.Zero, 10, 5)
				c := w.add(geom.V(0, 0, 2), 10, 5)
				require.True(t, w.engine.Ignite(a))

				w.step(2)
				assert.Equal(t, Unburnt, c.State())
				w.step(3)
				if tt.ignites {
					assert.Equal(t, Burning, c.State())
				} else {
					assert.Equal(t, Unburnt, c.State())
				}
			})
		})
	}
}

func TestEngine_AngleGating(t *testing.T) {
	tests := []struct {
		angle     float64
		tolerance float64
		ignites   bool
	}{
		{120.5, 30, false},
		{119.5, 30, true},
		{179, 30, false},
		{60.5, -30, false},
		{59.5, -30, true},
		{0, -30, true},
	}
	for _, tt := range tests {
		for _, dist := range []float64{0.5, 3.5} {
			bothPolicies(t, func(t *testing.T, cfg Config) {
				cfg.RayRadius = 0
				ws := testWeather()
				ws.BackAngleTolerance = tt.tolerance
				w := newWorld(t, cfg, ws)
				a := w.add(geom.Zero, 10, 5)
				rad := tt.angle * math.Pi / 180
				c := w.add(geom.V(math.Cos(rad)*dist, 0, math.Sin(rad)*dist), 10, 5)
				require.True(t, w.engine.Ignite(a))

				w.step(8)
				if tt.ignites {
					assert.NotEqual(t, Unburnt, c.State(), "angle %v dist %v", tt.angle, dist)
				} else {
					assert.Equal(t, Unburnt, c.State(), "angle %v dist %v", tt.angle, dist)
				}
			})
		}
	}
}

func TestEngine_VanishedCandidateIsIgnored(t *testing.T) {
	bothPolicies(t, func(t *testing.T, cfg Config) {
		w := newWorld(t, cfg, testWeather())
		a := w.add(geom.Zero, 10, 5)
		require.NoError(t, w.grid.Insert(99, geom.V(1, 0, 0), models.LayerCombustible))
		require.True(t, w.engine.Ignite(a))

		assert.NotPanics(t, func() { w.step(5) })
		assert.Equal(t, uint64(1), w.engine.Stats().Ignitions)
	})
}

func TestEngine_CacheFollowsWeatherAndPlacement(t *testing.T) {
	w := newWorld(t, testConfig(), testWeather())
	a := w.add(geom.Zero, 20, 5)
	require.True(t, w.engine.Ignite(a))
	w.step(1)
	assert.Equal(t, uint64(1), w.engine.Stats().CacheBuilds)

	b := w.add(geom.V(2, 0, 0), 10, 5)
	w.step(2)
	assert.Equal(t, Unburnt, b.State(), "cache predates b")

	w.engine.Invalidate()
	w.step(1)
	assert.Equal(t, Burning, b.State())
	assert.Equal(t, uint64(2), w.engine.Stats().CacheBuilds)

	c := w.add(geom.V(-4, 0, 0), 10, 5)
	w.engine.Invalidate()
	w.step(1)
	assert.Equal(t, Unburnt, c.State(), "c is upwind")

	require.NoError(t, w.weather.SetWindDirection(geom.V(-1, 0, 0)))
	w.step(1)
	assert.Equal(t, Burning, c.State())
}

func TestEngine_OrderIndependence(t *testing.T) {
	sources := []Status{
		{ID: 1, Position: geom.V(0, 0, 0)},
		{ID: 2, Position: geom.V(0, 0, 4)},
		{ID: 3, Position: geom.V(10, 0, 0)},
		{ID: 4, Position: geom.V(10, 0, 10)},
	}
	targets := []geom.Vec3{
		geom.V(2, 0, 2),   // shared by 1 and 2
		geom.V(5, 0, 0),   // downwind of 1
		geom.V(12, 0, 9),  // beside 4
		geom.V(-3, 0, 5),  // behind 2
		geom.V(11, 0, 5),  // out of reach
		geom.V(10, 0, 20), // out of reach
	}

	run := func(cfg Config, order []int) map[models.EntityID]Status {
		w := newWorld(t, cfg, testWeather())
		plants := make([]*Combustible, len(sources))
		for i, s := range sources {
			s.State, s.Fuel, s.Radius, s.MaxRadius = Burning, 5, 3, 5
			plants[i] = w.addStatus(s)
		}
		for i, p := range targets {
			w.addStatus(Status{ID: models.EntityID(100 + i), Position: p, Fuel: 5, MaxRadius: 5})
		}
		for _, i := range order {
			w.engine.Tick(plants[i])
		}
		out := make(map[models.EntityID]Status)
		w.mu.RLock()
		for id, c := range w.plants {
			out[id] = c.Status()
		}
		w.mu.RUnlock()
		return out
	}

	bothPolicies(t, func(t *testing.T, cfg Config) {
		orders := permutations([]int{0, 1, 2, 3})
		require.Len(t, orders, 24)
		want := run(cfg, orders[0])

		assert.Equal(t, Burning, want[100].State)
		assert.Equal(t, Burning, want[101].State)
		assert.Equal(t, Burning, want[102].State)
		assert.Equal(t, Unburnt, want[103].State)
		assert.Equal(t, Unburnt, want[104].State)
		assert.Equal(t, Unburnt, want[105].State)
		for id := models.EntityID(1); id <= 4; id++ {
			assert.Equal(t, 4.0, want[id].Fuel)
			assert.Equal(t, 4.0, want[id].Radius)
		}

		for _, order := range orders[1:] {
			assert.Equal(t, want, run(cfg, order), "order %v", order)
		}
	})
}

func permutations(xs []int) [][]int {
	if len(xs) <= 1 {
		return [][]int{append([]int(nil), xs...)}
	}
	var out [][]int
	for i := range xs {
		rest := make([]int, 0, len(xs)-1)
		rest = append(rest, xs[:i]...)
		rest = append(rest, xs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{xs[i]}, p...))
		}
	}
	return out
}

func TestEngine_ParallelWorkersIgniteEachPlantOnce(t *testing.T) {
	bothPolicies(t, func(t *testing.T, cfg Config) {
		w := newWorld(t, cfg, testWeather(), scheduler.WithWorkers(8))
		var plants []*Combustible
		for x := 0; x < 12; x++ {
			for z := 0; z < 12; z++ {
				plants = append(plants, w.add(geom.V(float64(x), 0, float64(z)), 3, 3))
			}
		}
		for z := 0; z < 12; z++ {
			require.True(t, w.engine.Ignite(plants[z]))
		}

		for i := 0; i < 60 && w.sched.Len() > 0; i++ {
			w.step(1)
		}
		assert.Zero(t, w.sched.Len())

		ignitions := map[uint64]int{}
		for _, ch := range w.events.StateChanges() {
			if ch.To == "burning" {
				ignitions[ch.EntityID]++
			}
		}
		touched := 0
		for _, p := range plants {
			if p.State() != Unburnt {
				touched++
				assert.Equal(t, Burned, p.State())
				assert.Equal(t, 1, ignitions[uint64(p.ID())], "plant %d", p.ID())
			}
		}
		assert.Equal(t, len(plants), touched)
		assert.Equal(t, uint64(touched), w.engine.Stats().Ignitions)
	})
}
