package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/firesim/internal/config"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/storage"
	"github.com/zeusync/firesim/internal/core/storage/file"
	"github.com/zeusync/firesim/internal/injector"
)

func newApp(t *testing.T, mutate func(*config.Config)) *injector.App {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "silent"
	if mutate != nil {
		mutate(cfg)
	}
	app, cleanup, err := injector.InitializeApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return app
}

func TestPopulate_Layouts(t *testing.T) {
	bounds := geom.Bounds{Min: geom.V(0, 0, 0), Max: geom.V(10, 0, 10)}

	grid := newApp(t, func(c *config.Config) {
		c.Vegetation.Layout = config.LayoutGrid
		c.Vegetation.Bounds = bounds
		c.Vegetation.Spacing = 5
		c.Vegetation.Padding = 0
	})
	require.NoError(t, populate(grid))
	assert.Equal(t, 9, grid.Sim.Field().Len())

	random := newApp(t, func(c *config.Config) {
		c.Simulation.Seed = 11
		c.Vegetation.Layout = config.LayoutRandom
		c.Vegetation.Bounds = bounds
		c.Vegetation.Count = 20
	})
	require.NoError(t, populate(random))
	assert.Positive(t, random.Sim.Field().Len())
	assert.LessOrEqual(t, random.Sim.Field().Len(), 20)

	none := newApp(t, func(c *config.Config) { c.Vegetation.Layout = config.LayoutNone })
	require.NoError(t, populate(none))
	assert.Zero(t, none.Sim.Field().Len())
}

func TestRestoreSnapshot(t *testing.T) {
	dir := t.TempDir()
	source := newApp(t, func(c *config.Config) {
		c.Simulation.RunID = "source"
		c.Storage.Driver = config.DriverFile
		c.Storage.Dir = dir
	})
	_, err := source.Sim.Spawn(geom.V(1, 0, 1))
	require.NoError(t, err)
	_, err = source.Sim.Save(context.Background(), source.Store)
	require.NoError(t, err)

	target := newApp(t, func(c *config.Config) { c.Vegetation.Layout = config.LayoutNone })
	store, err := file.New(dir, nil)
	require.NoError(t, err)

	for _, id := range []string{"source", "latest"} {
		require.NoError(t, restoreSnapshot(context.Background(), store, target.Sim.Restore, id))
		assert.Equal(t, 1, target.Sim.Field().Len())
	}

	err = restoreSnapshot(context.Background(), store, target.Sim.Restore, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = restoreSnapshot(context.Background(), nil, target.Sim.Restore, "latest")
	require.Error(t, err)
}
