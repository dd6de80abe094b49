package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a settings file when it changes and publishes each valid
// version as a new snapshot. Invalid edits are logged and ignored.
type Watcher struct {
	log      *zap.Logger
	path     string
	debounce time.Duration
	fs       *fsnotify.Watcher

	// Override is applied to every loaded snapshot, e.g. command line flags that
	// take precedence over the file.
	Override func(*Settings)

	current atomic.Pointer[Settings]
	reloads atomic.Uint64
	changed chan struct{}
}

// NewWatcher loads path once and prepares to watch it.
func NewWatcher(log *zap.Logger, path string, override func(*Settings)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// watch the directory: editors replace files by rename, which drops a file watch
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		log:      log.Named("settings"),
		path:     abs,
		debounce: defaultDebounce,
		fs:       fs,
		Override: override,
		changed:  make(chan struct{}, 1),
	}
	s, err := w.load()
	if err != nil {
		fs.Close()
		return nil, err
	}
	w.current.Store(&s)
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() Settings { return *w.current.Load() }

// Reloads counts snapshots published after the initial load.
func (w *Watcher) Reloads() uint64 { return w.reloads.Load() }

// Changed receives a value after each successful reload. Coalesced: a slow
// reader sees one signal for several reloads.
func (w *Watcher) Changed() <-chan struct{} { return w.changed }

func (w *Watcher) load() (Settings, error) {
	s, err := Load(w.path)
	if err != nil {
		return Settings{}, err
	}
	if w.Override != nil {
		w.Override(&s)
		if err := s.Validate(); err != nil {
			return Settings{}, fmt.Errorf("invalid settings after overrides: %w", err)
		}
	}
	return s, nil
}

// Run processes file events until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain the timer

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug("settings file changed", zap.String("op", event.Op.String()))
			debounceTimer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", zap.Error(err))

		case <-debounceTimer.C:
			s, err := w.load()
			if err != nil {
				w.log.Warn("ignoring invalid settings edit, keeping previous settings", zap.Error(err))
				continue
			}
			w.current.Store(&s)
			w.reloads.Add(1)
			w.log.Info("settings reloaded", zap.String("mask", s.MaskFile))
			select {
			case w.changed <- struct{}{}:
			default:
			}

		case <-ctx.Done():
			return nil
		}
	}
}
