// Package backup takes consistent point-in-time snapshots of the sqlite
// database and prunes them with a tiered retention policy.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/logging"
)

// Result describes one snapshot.
type Result struct {
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
	Pruned   int           `json:"pruned"`
}

// Service snapshots a live database into a directory.
type Service struct {
	db     *sql.DB
	dir    string
	cfg    config.BackupConfig
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a snapshot service for db. dir falls back to
// <dataPath>/backups when cfg.Dir is empty.
func New(db *sql.DB, dataPath string, cfg config.BackupConfig, logger *zap.Logger, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("backup: database is required")
	}
	dir := DirFor(cfg, dataPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	s := &Service{
		db:     db,
		dir:    dir,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("backup"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DirFor returns the snapshot directory cfg selects.
func DirFor(cfg config.BackupConfig, dataPath string) string {
	if cfg.Dir != "" {
		return cfg.Dir
	}
	return filepath.Join(dataPath, "backups")
}

// Dir returns the snapshot directory.
func (s *Service) Dir() string { return s.dir }

// Run snapshots every cfg.Interval until ctx is done. A failed snapshot is
// logged and retried on the next tick.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("backup schedule started", zap.Duration("interval", s.cfg.Interval), zap.String("dir", s.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled backup failed", zap.Error(err))
			}
		}
	}
}

// Snapshot writes a new snapshot, verifies it when configured, and prunes
// old snapshots.
func (s *Service) Snapshot(ctx context.Context) (Result, error) {
	start := s.now()
	path := filepath.Join(s.dir, snapshotName(start))

	// VACUUM INTO reads a consistent view even while the WAL is active.
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO '"+strings.ReplaceAll(path, "'", "''")+"'"); err != nil {
		return Result{}, fmt.Errorf("failed to snapshot database: %w", err)
	}
	res := Result{Path: path}

	if s.cfg.Verify {
		if err := Verify(ctx, path); err != nil {
			_ = os.Remove(path)
			return Result{}, err
		}
		res.Verified = true
	}
	if info, err := os.Stat(path); err == nil {
		res.Size = info.Size()
	}

	pruned, err := Prune(s.dir, Policy{
		Hourly:  s.cfg.KeepHourly,
		Daily:   s.cfg.KeepDaily,
		Weekly:  s.cfg.KeepWeekly,
		Monthly: s.cfg.KeepMonthly,
	}, s.now())
	if err != nil {
		s.logger.Warn("backup pruning incomplete", zap.Error(err))
	}
	res.Pruned = pruned
	res.Duration = s.now().Sub(start)

	s.logger.Info("backup written",
		zap.String("path", res.Path),
		zap.Int64("size", res.Size),
		zap.Bool("verified", res.Verified),
		zap.Int("pruned", res.Pruned))
	return res, nil
}

// Verify runs sqlite's integrity check against a snapshot file.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", filepath.Base(path), result)
	}
	return nil
}
