package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/internal/storage/postgres"
	"github.com/scrypster/rapport/internal/storage/sqlite"
)

// stores bundles the persistence handles the daemon and the admin commands
// share.
type stores struct {
	data  storage.Store
	queue queue.Store

	// sqlite is the data store when the engine is sqlite, for backups.
	sqlite *sqlite.Store

	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores opens the configured storage engine and queue backend. The
// sqlite queue lives in the data database when the engine is sqlite, and in
// its own file next to it otherwise.
func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	var local *sqlite.Store
	openLocal := func(name string) (*sqlite.Store, error) {
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		st, err := sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, name), sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.closers = append(s.closers, st.Close)
		return st, nil
	}

	switch cfg.Storage.Engine {
	case "postgres":
		pg, err := postgres.NewStore(cfg.Storage.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		s.data = pg
	default:
		st, err := openLocal("rapport.db")
		if err != nil {
			return nil, err
		}
		local = st
		s.data = st
		s.sqlite = st
	}

	switch cfg.Queue.Backend {
	case "memory":
		s.queue = queue.NewMemoryStore(queue.WithMaxRetries(cfg.Queue.MaxRetries))
	default:
		if local == nil {
			st, err := openLocal("queue.db")
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			local = st
		}
		qs, err := sqlite.NewQueueStore(local.DB(), sqlite.WithQueueMaxRetries(cfg.Queue.MaxRetries))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.queue = qs
	}

	logger.Info("stores opened",
		zap.String("engine", cfg.Storage.Engine),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("data_path", cfg.Storage.DataPath))
	return s, nil
}
