package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay coalesces the burst of events an editor produces for one save.
const settleDelay = 100 * time.Millisecond

// Watcher keeps the latest valid configuration for a file and notifies
// subscribers when it changes. Only the filter and forwarder sections are
// applied live; listener and upstream changes need a restart.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	fs      *fsnotify.Watcher
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
	closeOnce sync.Once
}

// NewWatcher loads path and watches its directory. Watching the directory
// survives editors that replace the file on save. A missing file yields the
// defaults, and the file is picked up once it is created.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Config file not found, using defaults", "path", path)
		cfg = LoadWithDefaults()
	case err != nil:
		return nil, fmt.Errorf("initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{path: filepath.Clean(path), fs: fsw, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

// Config returns the most recent valid configuration.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// OnChange subscribes fn to successful reloads.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Reload reads the file now. An invalid file leaves the current
// configuration in place and no subscriber is called.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(cfg)

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Start follows file events until ctx is done, then releases the watch.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Watching configuration", "path", w.path)
	defer func() { _ = w.Close() }()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(settleDelay)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			w.logger.Warn("Config watch error", "error", err)

		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("Config reload rejected, keeping previous", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("Config reloaded", "path", w.path)
		}
	}
}

// Close releases the file watch. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}
