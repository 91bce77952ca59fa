// Package spool turns payload files dropped into a directory into queue
// messages. Transport adapters that cannot reach the queue store directly
// write one JSON object per file; the watcher enqueues it and removes the
// file.
//
// Producers must write under a temporary name and rename into place (see
// Drop) so the watcher never reads a half-written file.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/queue"
)

const (
	payloadExt  = ".json"
	rejectedDir = "rejected"
)

// Watcher moves spooled payloads onto a queue.
type Watcher struct {
	dir       string
	queue     queue.Store
	queueName string
	priority  int
	logger    *zap.Logger
}

// New creates a watcher for dir, creating it if needed. Payloads are
// enqueued on queueName at priority.
func New(dir string, q queue.Store, queueName string, priority int, logger *zap.Logger) (*Watcher, error) {
	if q == nil {
		return nil, errors.New("spool: queue store is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, rejectedDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Watcher{
		dir:       dir,
		queue:     q,
		queueName: queueName,
		priority:  queue.ClampPriority(priority),
		logger:    logging.OrNop(logger).Named("spool"),
	}, nil
}

// Run watches the directory until ctx is done. Files already present when
// Run starts are consumed first.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start spool watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	if _, err := w.Drain(ctx); err != nil {
		w.logger.Error("spool drain failed", zap.Error(err))
	}
	w.logger.Info("watching spool directory", zap.String("dir", w.dir), zap.String("queue", w.queueName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !isPayload(ev.Name) {
				continue
			}
			if _, err := w.consume(ctx, ev.Name); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to spool payload", zap.String("file", filepath.Base(ev.Name)), zap.Error(err))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

// Drain consumes every payload file currently in the directory, oldest
// name first, and returns how many were enqueued.
func (w *Watcher) Drain(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spool directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isPayload(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		ok, err := w.consume(ctx, filepath.Join(w.dir, name))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// consume enqueues one file and reports whether it did. A file that
// disappeared was taken by an earlier event; a file that is not a JSON
// object is moved aside. Removal happens after the enqueue, so a crash in
// between re-spools the payload, which ingest tolerates.
func (w *Watcher) consume(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		w.reject(path, err)
		return false, nil
	}

	id, err := w.queue.Enqueue(ctx, w.queueName, payload, w.priority)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s: %w", filepath.Base(path), err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove spooled file", zap.String("file", filepath.Base(path)), zap.Error(err))
	}
	w.logger.Debug("payload spooled", zap.String("file", filepath.Base(path)), zap.String("message_id", id))
	return true, nil
}

func (w *Watcher) reject(path string, cause error) {
	dest := filepath.Join(w.dir, rejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("failed to set aside malformed payload", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	w.logger.Warn("malformed payload set aside",
		zap.String("file", filepath.Base(path)),
		zap.String("moved_to", dest),
		zap.Error(cause))
}

func isPayload(name string) bool {
	return strings.HasSuffix(name, payloadExt)
}

// Drop writes payload into dir under a unique name and returns the path.
// The file appears atomically.
func Drop(dir string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	path := filepath.Join(dir, name+payloadExt)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to publish payload: %w", err)
	}
	return path, nil
}
