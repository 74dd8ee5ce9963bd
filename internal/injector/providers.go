package injector

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/google/wire"

	"github.com/zeusync/firesim/internal/config"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/simulation"
	"github.com/zeusync/firesim/internal/core/storage"
	"github.com/zeusync/firesim/internal/core/storage/file"
	"github.com/zeusync/firesim/internal/core/storage/postgres"
	"github.com/zeusync/firesim/internal/server"
)

// App is everything the command needs to run.
type App struct {
	Config *config.Config
	Logger *log.Logger
	Sim    *simulation.Simulation
	// Store is nil when the storage driver is "none".
	Store  storage.Store
	Server *server.Server
}

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideSimulation,
	ProvideStore,
	ProvideServer,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg *config.Config) (*log.Logger, error) {
	lc, err := cfg.LogConfig()
	if err != nil {
		return nil, err
	}
	return log.NewWithConfig(lc)
}

func ProvideSimulation(cfg *config.Config, logger log.Log) (*simulation.Simulation, error) {
	var opts []simulation.Option
	if cfg.Simulation.RunID != "" {
		opts = append(opts, simulation.WithRunID(cfg.Simulation.RunID))
	}
	if cfg.Simulation.Seed != 0 {
		opts = append(opts, simulation.WithRand(rand.New(rand.NewPCG(cfg.Simulation.Seed, cfg.Simulation.Seed))))
	}
	return simulation.New(cfg.SimulationSettings(), logger, opts...)
}

// ProvideStore opens the configured snapshot store. The cleanup closes it.
func ProvideStore(ctx context.Context, cfg *config.Config, logger log.Log) (storage.Store, func(), error) {
	if logger == nil {
		logger = log.Nop()
	}
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Driver {
	case config.DriverNone, "":
		return nil, func() {}, nil
	case config.DriverFile:
		store, err = file.New(cfg.Storage.Dir, logger)
	case config.DriverPostgres:
		store, err = postgres.New(ctx, cfg.Storage.Postgres, logger)
	default:
		err = fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store failed", log.Error(err))
		}
	}, nil
}

func ProvideServer(cfg *config.Config, sim *simulation.Simulation, store storage.Store, logger log.Log) (*server.Server, error) {
	return server.NewServer(server.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		MaxClients:      cfg.Server.MaxClients,
		ClientBuffer:    cfg.Server.ClientBuffer,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Token:           cfg.Server.Token,
	}, sim, store, logger)
}
