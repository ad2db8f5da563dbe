package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// new Config to a callback. Only changes that alter the config hash are
// reported.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	lastHash string
}

// NewWatcher creates a watcher for path. current is the config already in use.
func NewWatcher(path string, current *Config, onChange func(*Config)) *Watcher {
	w := &Watcher{path: path, debounce: defaultReloadDebounce, onChange: onChange}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched
// because editors commonly replace the file instead of writing it in place.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	slog.Info("config watcher started", "path", abs)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid saves
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	h := cfg.Hash()
	if h == w.lastHash {
		return
	}
	w.lastHash = h
	slog.Info("config reloaded", "path", w.path, "hash", h)
	w.onChange(cfg)
}
