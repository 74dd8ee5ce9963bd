package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/storage"
)

const ext = ".yaml"

var _ storage.Store = (*Store)(nil)

// Store keeps one YAML document per run id in a directory.
type Store struct {
	dir    string
	logger log.Log

	mu     sync.RWMutex
	closed bool
}

func New(dir string, logger log.Log) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{dir: dir, logger: logger.With(log.String("component", "file_store"))}, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+ext)
}

func (s *Store) Save(ctx context.Context, snap storage.Snapshot) error {
	if err := storage.ValidateRunID(snap.RunID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	tmp, err := os.CreateTemp(s.dir, snap.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path(snap.RunID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", log.String("run_id", snap.RunID), log.Int("entities", len(snap.Entities)))
	return nil
}

func (s *Store) Load(ctx context.Context, runID string) (storage.Snapshot, error) {
	if err := storage.ValidateRunID(runID); err != nil {
		return storage.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Snapshot{}, storage.ErrClosed
	}
	return s.read(s.path(runID))
}

func (s *Store) read(path string) (storage.Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, err
	}
	defer f.Close()

	var snap storage.Snapshot
	if err = yaml.NewDecoder(f).Decode(&snap); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

func (s *Store) Latest(ctx context.Context) (storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Snapshot{}, storage.ErrClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return storage.Snapshot{}, err
	}

	var (
		latest storage.Snapshot
		found  bool
	)
	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			return storage.Snapshot{}, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		snap, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", log.String("file", e.Name()), log.Error(err))
			continue
		}
		if !found || snap.TakenAt.After(latest.TakenAt) {
			latest, found = snap, true
		}
	}
	if !found {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
