package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files
// change. Used for hot-reload of the risk policy without restarting the
// server. The running server sets these callbacks at startup.
type WatchTargets struct {
	// OnPolicyChange fires when the policy file is written or created.
	// Typically triggers policy.Engine.Reload() so new classification
	// rules apply to subsequent events without a restart.
	OnPolicyChange func()
}

// Watcher monitors the ClaimTrail config directory for file changes
// using fsnotify. It watches for modifications to the policy file,
// firing the appropriate callback when a change is detected.
//
// The watcher runs a background goroutine that processes fsnotify
// events. Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	policyName string
	done       chan struct{}
	closeOnce  sync.Once
}

// NewWatcher creates a file watcher on the directory containing
// policyPath and fires targets.OnPolicyChange when that file changes.
//
// Event processing starts immediately in a background goroutine.
func NewWatcher(policyPath string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the containing directory rather than the file itself so the
	// watch survives editors that replace the file on save.
	dir := filepath.Dir(policyPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher:  fw,
		policyName: filepath.Base(policyPath),
		done:       make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir, "file", w.policyName)
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
			// Write and create only. Remove/rename means the file is
			// gone and there is nothing to reload.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if filepath.Base(event.Name) == w.policyName {
				slog.Info("policy file changed, triggering reload", "file", w.policyName)
				if targets.OnPolicyChange != nil {
					targets.OnPolicyChange()
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
// fsnotify watcher. Safe to call multiple times, including concurrently.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}
