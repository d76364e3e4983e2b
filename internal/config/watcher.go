package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific state files change.
// Used for hot-reload of the tenant registry and freeze list without
// restarting the server.
type WatchTargets struct {
	// OnTenantsChange fires when tenants.yaml is written or created.
	// Typically triggers registry.Reload() so new tenants and rotated
	// API keys take effect live.
	OnTenantsChange func()

	// OnFreezeChange fires when frozen.yaml is written or created.
	// Typically triggers freezeList.Reload() — this is what makes
	// `auditchain freeze` take effect instantly: the CLI writes
	// frozen.yaml, the watcher fires, and appends for the tenant start
	// rejecting in memory.
	OnFreezeChange func()
}

// Watcher monitors the auditchain data directory for file changes using
// fsnotify. It watches for modifications to tenants.yaml and frozen.yaml,
// firing the appropriate callback when a change is detected.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given data directory.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are debounced naturally by fsnotify — rapid
// successive writes typically produce a single event.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the entire data directory. fsnotify will send events for any
	// file created, written, renamed, or removed in this directory.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter — remove or rename
			// would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case "tenants.yaml":
				slog.Info("tenants.yaml changed, triggering reload")
				if targets.OnTenantsChange != nil {
					targets.OnTenantsChange()
				}
			case "frozen.yaml":
				slog.Info("frozen.yaml changed, triggering reload")
				if targets.OnFreezeChange != nil {
					targets.OnFreezeChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		// Already closed.
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
