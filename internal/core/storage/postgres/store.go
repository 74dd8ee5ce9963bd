package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/storage"
	"github.com/zeusync/firesim/pkg/concurrent"
)

// insertBatch bounds how many entity rows go into one pgx batch.
const insertBatch = 500

type Config struct {
	DSN             string        `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxConns        int           `json:"max_conns" yaml:"max_conns" toml:"max_conns"`
	MinConns        int           `json:"min_conns" yaml:"min_conns" toml:"min_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

var _ storage.Store = (*Store)(nil)

// Store persists snapshots in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Log
}

// New connects, verifies the connection and applies migrations.
func New(ctx context.Context, cfg Config, logger log.Log) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err = RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, logger: logger.With(log.String("component", "postgres_store"))}, nil
}

func (s *Store) Save(ctx context.Context, snap storage.Snapshot) error {
	if err := storage.ValidateRunID(snap.RunID); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	w := snap.Weather
	if _, err = tx.Exec(ctx,
		`INSERT INTO snapshots (run_id, taken_at, wind_x, wind_y, wind_z, wind_speed, tick_interval_ns, back_angle_tolerance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id) DO UPDATE SET
		   taken_at = EXCLUDED.taken_at,
		   wind_x = EXCLUDED.wind_x, wind_y = EXCLUDED.wind_y, wind_z = EXCLUDED.wind_z,
		   wind_speed = EXCLUDED.wind_speed,
		   tick_interval_ns = EXCLUDED.tick_interval_ns,
		   back_angle_tolerance = EXCLUDED.back_angle_tolerance`,
		snap.RunID, snap.TakenAt, w.WindDirection.X, w.WindDirection.Y, w.WindDirection.Z,
		w.WindSpeed, int64(w.TickInterval), w.BackAngleTolerance,
	); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM snapshot_entities WHERE run_id = $1`, snap.RunID); err != nil {
		return fmt.Errorf("clear entities: %w", err)
	}

	for _, chunk := range concurrent.Batch(snap.Entities, insertBatch) {
		batch := &pgx.Batch{}
		for _, e := range chunk {
			batch.Queue(
				`INSERT INTO snapshot_entities (run_id, entity_id, pos_x, pos_y, pos_z, state, fuel, radius, max_radius)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				snap.RunID, int64(e.ID), e.Position.X, e.Position.Y, e.Position.Z,
				e.State.String(), e.Fuel, e.Radius, e.MaxRadius,
			)
		}
		if err = tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert entities: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved", log.String("run_id", snap.RunID), log.Int("entities", len(snap.Entities)))
	return nil
}

func (s *Store) Load(ctx context.Context, runID string) (storage.Snapshot, error) {
	if err := storage.ValidateRunID(runID); err != nil {
		return storage.Snapshot{}, err
	}
	snap := storage.Snapshot{RunID: runID}
	var (
		w        = &snap.Weather
		interval int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT taken_at, wind_x, wind_y, wind_z, wind_speed, tick_interval_ns, back_angle_tolerance
		 FROM snapshots WHERE run_id = $1`, runID,
	).Scan(&snap.TakenAt, &w.WindDirection.X, &w.WindDirection.Y, &w.WindDirection.Z,
		&w.WindSpeed, &interval, &w.BackAngleTolerance)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, err
	}
	w.TickInterval = time.Duration(interval)

	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, pos_x, pos_y, pos_z, state, fuel, radius, max_radius
		 FROM snapshot_entities WHERE run_id = $1 ORDER BY entity_id`, runID,
	)
	if err != nil {
		return storage.Snapshot{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			state string
			pos   geom.Vec3
			e     combustion.Status
		)
		if err = rows.Scan(&id, &pos.X, &pos.Y, &pos.Z, &state, &e.Fuel, &e.Radius, &e.MaxRadius); err != nil {
			return storage.Snapshot{}, err
		}
		if e.State, err = combustion.ParseState(state); err != nil {
			return storage.Snapshot{}, err
		}
		e.ID = models.EntityID(id)
		e.Position = pos
		snap.Entities = append(snap.Entities, e)
	}
	return snap, rows.Err()
}

func (s *Store) Latest(ctx context.Context) (storage.Snapshot, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `SELECT run_id FROM snapshots ORDER BY taken_at DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, err
	}
	return s.Load(ctx, runID)
}

// Delete removes a run and its entities.
func (s *Store) Delete(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE run_id = $1`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
