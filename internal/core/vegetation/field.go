package vegetation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/spatial"
)

var (
	ErrOccupied    = errors.New("vegetation: a plant already grows there")
	ErrDuplicateID = errors.New("vegetation: duplicate plant id")
	ErrNotBound    = errors.New("vegetation: field has no combustion engine")
	ErrUnknownID   = errors.New("vegetation: unknown plant")
)

const shardCount = 16

// PlantDefaults are used for plants spawned without explicit values.
type PlantDefaults struct {
	Fuel      float64 `json:"fuel" yaml:"fuel" toml:"fuel"`
	MaxRadius float64 `json:"max_radius" yaml:"max_radius" toml:"max_radius"`
	// MinSpacing rejects a spawn closer than this to an existing plant.
	MinSpacing float64 `json:"min_spacing" yaml:"min_spacing" toml:"min_spacing"`
}

func DefaultPlant() PlantDefaults {
	return PlantDefaults{Fuel: 5, MaxRadius: 5, MinSpacing: 0.5}
}

func (d PlantDefaults) Validate() error {
	var errs []error
	if d.Fuel < 0 {
		errs = append(errs, fmt.Errorf("fuel must not be negative, got %v", d.Fuel))
	}
	if !(d.MaxRadius > 0) {
		errs = append(errs, fmt.Errorf("max_radius must be positive, got %v", d.MaxRadius))
	}
	if d.MinSpacing < 0 {
		errs = append(errs, fmt.Errorf("min_spacing must not be negative, got %v", d.MinSpacing))
	}
	return errors.Join(errs...)
}

type shard struct {
	mu     sync.RWMutex
	plants map[models.EntityID]*combustion.Combustible
}

// Field owns every plant. It keeps the spatial index in step with its
// contents and is the combustion engine's Resolver.
type Field struct {
	index    *spatial.Grid
	defaults PlantDefaults
	logger   log.Log

	engine atomic.Pointer[combustion.Engine]

	spawnMu sync.Mutex
	nextID  atomic.Uint64
	shards  [shardCount]shard
}

var _ combustion.Resolver = (*Field)(nil)

func NewField(index *spatial.Grid, defaults PlantDefaults, logger log.Log) (*Field, error) {
	if index == nil {
		return nil, errors.New("vegetation: nil spatial index")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("vegetation: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	f := &Field{
		index:    index,
		defaults: defaults,
		logger:   logger.With(log.String("component", "vegetation")),
	}
	for i := range f.shards {
		f.shards[i].plants = make(map[models.EntityID]*combustion.Combustible)
	}
	return f, nil
}

// Bind attaches the engine used for removal and ignition helpers. The engine
// itself resolves plants through f, hence the two-step wiring.
func (f *Field) Bind(e *combustion.Engine) { f.engine.Store(e) }

func (f *Field) Engine() *combustion.Engine { return f.engine.Load() }

func (f *Field) shardFor(id models.EntityID) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return &f.shards[xxhash.Sum64(b[:])%shardCount]
}

func (f *Field) Resolve(id models.EntityID) (*combustion.Combustible, bool) {
	return f.Get(id)
}

func (f *Field) Get(id models.EntityID) (*combustion.Combustible, bool) {
	s := f.shardFor(id)
	s.mu.RLock()
	c, ok := s.plants[id]
	s.mu.RUnlock()
	return c, ok
}

// SpawnOption overrides a default for a single spawn.
type SpawnOption func(*spawnParams)

type spawnParams struct {
	fuel, maxRadius float64
}

func WithFuel(fuel float64) SpawnOption {
	return func(s *spawnParams) { s.fuel = fuel }
}

func WithMaxRadius(r float64) SpawnOption {
	return func(s *spawnParams) { s.maxRadius = r }
}

// Spawn places a new Unburnt plant at pos.
func (f *Field) Spawn(pos geom.Vec3, opts ...SpawnOption) (*combustion.Combustible, error) {
	params := spawnParams{fuel: f.defaults.Fuel, maxRadius: f.defaults.MaxRadius}
	for _, opt := range opts {
		opt(&params)
	}

	f.spawnMu.Lock()
	defer f.spawnMu.Unlock()

	if f.defaults.MinSpacing > 0 {
		if near := f.index.QueryRadius(pos, f.defaults.MinSpacing, models.LayerCombustible, models.NoEntity); len(near) > 0 {
			return nil, fmt.Errorf("%w: plant %d is within %v", ErrOccupied, near[0], f.defaults.MinSpacing)
		}
	}

	id := models.EntityID(f.nextID.Add(1))
	c, err := combustion.NewCombustible(id, pos, params.fuel, params.maxRadius)
	if err != nil {
		return nil, err
	}
	if err = f.insertLocked(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Insert adds a plant rebuilt from a snapshot, keeping its id. A Burning
// plant is handed to the bound engine for scheduling.
func (f *Field) Insert(s combustion.Status) (*combustion.Combustible, error) {
	if s.ID == models.NoEntity {
		return nil, fmt.Errorf("%w: zero id", ErrDuplicateID)
	}
	c, err := combustion.FromStatus(s)
	if err != nil {
		return nil, err
	}

	f.spawnMu.Lock()
	defer f.spawnMu.Unlock()
	if _, exists := f.Get(s.ID); exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, s.ID)
	}
	for {
		cur := f.nextID.Load()
		if uint64(s.ID) <= cur || f.nextID.CompareAndSwap(cur, uint64(s.ID)) {
			break
		}
	}
	if err = f.insertLocked(c); err != nil {
		return nil, err
	}
	if c.State() == combustion.Burning {
		if e := f.Engine(); e != nil {
			e.Adopt(c)
		}
	}
	return c, nil
}

func (f *Field) insertLocked(c *combustion.Combustible) error {
	if err := f.index.Insert(c.ID(), c.Position(), models.LayerCombustible); err != nil {
		return err
	}
	s := f.shardFor(c.ID())
	s.mu.Lock()
	s.plants[c.ID()] = c
	s.mu.Unlock()
	if e := f.Engine(); e != nil {
		e.Invalidate()
	}
	return nil
}

// Remove retires the plant (cancelling any pending tick) and then drops it
// from the field and the index. A retired plant refuses ignition, so a
// neighbour that resolved it just before the delete cannot revive it.
func (f *Field) Remove(id models.EntityID) bool {
	c, ok := f.Get(id)
	if !ok {
		return false
	}
	if e := f.Engine(); e != nil {
		e.Retire(c)
	}
	s := f.shardFor(id)
	s.mu.Lock()
	_, ok = s.plants[id]
	delete(s.plants, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	f.index.Remove(id)
	if e := f.Engine(); e != nil {
		e.Invalidate()
	}
	return true
}

// Clear retires and removes every plant. Spawns wait until it is done, so
// no plant escapes retirement. Ids are not reused afterwards.
func (f *Field) Clear() int {
	f.spawnMu.Lock()
	defer f.spawnMu.Unlock()

	all := f.All()
	e := f.Engine()
	if e != nil {
		for _, c := range all {
			e.Retire(c)
		}
	}
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.Lock()
		s.plants = make(map[models.EntityID]*combustion.Combustible)
		s.mu.Unlock()
	}
	f.index.Clear()
	if e != nil {
		e.Invalidate()
	}
	f.logger.Info("field cleared", log.Int("plants", len(all)))
	return len(all)
}

// All returns every plant ordered by id.
func (f *Field) All() []*combustion.Combustible {
	var out []*combustion.Combustible
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.RLock()
		for _, c := range s.plants {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *combustion.Combustible) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return out
}

func (f *Field) Len() int {
	n := 0
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.RLock()
		n += len(s.plants)
		s.mu.RUnlock()
	}
	return n
}

// CountByState returns how many plants are in each state.
func (f *Field) CountByState() map[combustion.State]int {
	out := map[combustion.State]int{
		combustion.Unburnt: 0,
		combustion.Burning: 0,
		combustion.Burned:  0,
	}
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.RLock()
		for _, c := range s.plants {
			out[c.State()]++
		}
		s.mu.RUnlock()
	}
	return out
}

func (f *Field) Ignite(id models.EntityID) (bool, error) {
	e, c, err := f.lookup(id)
	if err != nil {
		return false, err
	}
	return e.Ignite(c), nil
}

func (f *Field) Extinguish(id models.EntityID) (bool, error) {
	e, c, err := f.lookup(id)
	if err != nil {
		return false, err
	}
	return e.Extinguish(c), nil
}

// Toggle extinguishes a burning plant and ignites any other. It returns the
// resulting state; a Burned plant stays Burned.
func (f *Field) Toggle(id models.EntityID) (combustion.State, error) {
	e, c, err := f.lookup(id)
	if err != nil {
		return combustion.Unburnt, err
	}
	if !e.Extinguish(c) {
		e.Ignite(c)
	}
	return c.State(), nil
}

func (f *Field) lookup(id models.EntityID) (*combustion.Engine, *combustion.Combustible, error) {
	e := f.Engine()
	if e == nil {
		return nil, nil, ErrNotBound
	}
	c, ok := f.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return e, c, nil
}

// IgniteRandom ignites up to n randomly chosen Unburnt plants and returns how
// many were ignited.
func (f *Field) IgniteRandom(n int, rng *rand.Rand) (int, error) {
	e := f.Engine()
	if e == nil {
		return 0, ErrNotBound
	}
	if n <= 0 {
		return 0, nil
	}
	var pool []*combustion.Combustible
	for _, c := range f.All() {
		if c.State() == combustion.Unburnt {
			pool = append(pool, c)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	ignited := 0
	for _, c := range pool {
		if ignited >= n {
			break
		}
		if e.Ignite(c) {
			ignited++
		}
	}
	f.logger.Debug("random ignition", log.Int("requested", n), log.Int("ignited", ignited))
	return ignited, nil
}
