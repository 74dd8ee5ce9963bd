package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/firesim/internal/config"
	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/storage"
	"github.com/zeusync/firesim/internal/core/vegetation"
	"github.com/zeusync/firesim/internal/injector"
	"github.com/zeusync/firesim/internal/scripting"
)

const statsInterval = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "config file (.yaml, .yml or .toml)")
		scenario   = flag.String("scenario", "", "Lua scenario to run, overrides scenario.script")
		serve      = flag.Bool("serve", false, "serve the HTTP control surface and websocket stream")
		restore    = flag.String("restore", "", `run id to restore from storage, or "latest"`)
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(2)
		}
	}
	if *scenario != "" {
		cfg.Scenario.Script = *scenario
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := injector.InitializeApp(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error starting:", err)
		os.Exit(1)
	}
	defer cleanup()
	defer func() { _ = app.Logger.Sync() }()

	logger := app.Logger.With(log.String("run_id", app.Sim.RunID()))
	sim := app.Sim

	if *restore != "" {
		if err := restoreSnapshot(ctx, app.Store, sim.Restore, *restore); err != nil {
			log.Provide().Fatal("Failed to restore snapshot", log.Error(err))
		}
	} else if err := populate(app); err != nil {
		log.Provide().Fatal("Failed to populate field", log.Error(err))
	}

	if n := cfg.Scenario.IgniteRandom; n > 0 {
		lit, err := sim.IgniteRandom(n)
		if err != nil {
			log.Provide().Fatal("Failed to ignite", log.Error(err))
		}
		logger.Info("Random ignition", log.Int("requested", n), log.Int("ignited", lit))
	}

	if *serve {
		if err := app.Server.Start(ctx); err != nil {
			log.Provide().Fatal("Failed to start server", log.Error(err))
		}
	}

	var (
		runCtx    context.Context
		cancelRun context.CancelFunc
	)
	if cfg.Scenario.Duration > 0 && !*serve {
		runCtx, cancelRun = context.WithTimeout(ctx, cfg.Scenario.Duration)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	runDone := make(chan error, 1)
	go func() { runDone <- sim.Run(runCtx) }()
	go reportStats(runCtx, app, logger)
	logger.Info("Simulation running. Press Ctrl+C to stop...")

	if cfg.Scenario.Script != "" {
		runner := scripting.NewRunner(sim, logger)
		err := runner.RunFile(runCtx, cfg.Scenario.Script)
		runner.Close()
		if err != nil && runCtx.Err() == nil {
			logger.Error("Scenario failed", log.Error(err))
		}
	}

	<-runCtx.Done()
	if err := <-runDone; err != nil {
		logger.Error("Simulation loop failed", log.Error(err))
	}

	if *serve {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := app.Server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping server", log.Error(err))
		}
		cancel()
	}

	if app.Store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		snap, err := sim.Save(saveCtx, app.Store)
		cancel()
		if err != nil {
			logger.Error("Final snapshot failed", log.Error(err))
		} else {
			counts := snap.Counts()
			logger.Info("Final snapshot stored",
				log.Int("entities", len(snap.Entities)),
				log.Int("burned", counts[combustion.Burned]))
		}
	}

	st := sim.Stats()
	logger.Info("Simulation finished",
		log.Int("plants", st.Plants),
		log.Uint64("ticks", st.Engine.Ticks),
		log.Uint64("ignitions", st.Engine.Ignitions),
		log.Uint64("burned", st.Engine.Burned))
}

func populate(app *injector.App) error {
	vc := app.Config.Vegetation
	height := vegetation.Flat(vc.Height)

	seed := app.Config.Simulation.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var positions []geom.Vec3
	switch vc.Layout {
	case config.LayoutGrid:
		positions = vegetation.GenerateGrid(vc.Bounds, vc.Spacing, vc.Padding, height)
	case config.LayoutRandom:
		positions = vegetation.GenerateRandom(vc.Bounds, vc.Count, vc.Padding, height, rng)
	default:
		return nil
	}

	spawned, skipped, err := app.Sim.Field().Populate(positions)
	if err != nil {
		return err
	}
	app.Logger.Info("Field populated",
		log.String("layout", vc.Layout),
		log.Int("spawned", spawned),
		log.Int("skipped", skipped))
	return nil
}

func restoreSnapshot(ctx context.Context, store storage.Store, apply func(storage.Snapshot) error, runID string) error {
	if store == nil {
		return errors.New("restore needs a storage driver")
	}
	var (
		snap storage.Snapshot
		err  error
	)
	if runID == "latest" {
		snap, err = store.Latest(ctx)
	} else {
		snap, err = store.Load(ctx, runID)
	}
	if err != nil {
		return err
	}
	return apply(snap)
}

func reportStats(ctx context.Context, app *injector.App, logger log.Log) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := app.Sim.Stats()
			srv := app.Server.GetStats()
			logger.Info("Simulation stats",
				log.Int("unburnt", st.Counts[combustion.Unburnt.String()]),
				log.Int("burning", st.Counts[combustion.Burning.String()]),
				log.Int("burned", st.Counts[combustion.Burned.String()]),
				log.Int("fronts", st.Fronts),
				log.Bool("paused", st.Paused),
				log.Int64("clients", srv.ClientCount))
		case <-ctx.Done():
			return
		}
	}
}
