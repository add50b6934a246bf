package exthost

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Restarter restarts an extension host. *StdExtensionService implements it.
type Restarter interface {
	Restart(ctx context.Context) error
}

// DevelopmentReloader watches the install locations of under-development
// extensions and restarts the host when their files change. Bursts of file
// events inside the debounce window collapse into a single restart.
type DevelopmentReloader struct {
	logger    Logger
	restarter Restarter
	debounce  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopped bool
}

// NewDevelopmentReloader creates a reloader that triggers restarts on the
// given restarter. A non-positive debounce falls back to the default.
func NewDevelopmentReloader(logger Logger, restarter Restarter, debounce time.Duration) *DevelopmentReloader {
	if logger == nil {
		logger = nopLogger{}
	}
	if debounce <= 0 {
		debounce = DefaultHostConfig().DevReloadDebounce.Std()
	}
	return &DevelopmentReloader{
		logger:    logger,
		restarter: restarter,
		debounce:  debounce,
	}
}

// SetPaths replaces the watched path set. The host calls it on every
// registration cycle with the current under-development install locations.
// An empty set stops watching. Paths that cannot be watched are logged and
// skipped.
func (r *DevelopmentReloader) SetPaths(paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil
	}
	if r.watcher != nil {
		// Closing the watcher ends its event loop.
		_ = r.watcher.Close()
		r.watcher = nil
	}
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			r.logger.Warn("Cannot watch development extension path", "path", path, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return nil
	}

	r.watcher = watcher
	go r.watchLoop(watcher)
	r.logger.Debug("Watching development extensions", "paths", watched)
	return nil
}

// Stop ends watching and cancels any pending restart.
func (r *DevelopmentReloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.watcher != nil {
		_ = r.watcher.Close()
		r.watcher = nil
	}
}

func (r *DevelopmentReloader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.scheduleRestart(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Development extension watcher error", "error", err)
		}
	}
}

func (r *DevelopmentReloader) scheduleRestart(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	r.logger.Debug("Development extension changed", "path", path)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		r.logger.Info("Development extension changed; restarting host")
		if err := r.restarter.Restart(context.Background()); err != nil {
			r.logger.Error("Development reload restart failed", "error", err)
		}
	})
}
