// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is called after the watched config file is rewritten.
// Typically wired to the cache invalidator's OnConfigChange event.
type ChangeHandler func(path string)

// Watcher watches a single configuration file for rewrites.
//
// # Description
//
// Watches the directory containing the config file (editors replace files
// rather than writing in place, so watching the file directly misses
// renames) and invokes the handler after a debounce window. Used to drive
// configuration-change cache invalidation without restarting the scanner.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handler  ChangeHandler
	debounce time.Duration

	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	watching bool
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for further writes before
	// triggering. Default: 250ms.
	DebounceWindow time.Duration
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{DebounceWindow: 250 * time.Millisecond}
}

// NewWatcher creates a watcher for the given config file path.
//
// # Inputs
//
//   - path: Config file to watch. The parent directory must exist.
//   - handler: Invoked with the path after each debounced rewrite.
//   - opts: Watcher options; zero values take defaults.
//
// # Outputs
//
//   - *Watcher: Ready to Start().
//   - error: Non-nil if the underlying watcher cannot be created.
func NewWatcher(path string, handler ChangeHandler, opts WatcherOptions) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("config watcher: handler must not be nil")
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultWatcherOptions().DebounceWindow
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		handler:  handler,
		debounce: opts.DebounceWindow,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
//
// The watcher stops when the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return fmt.Errorf("config watcher already started")
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	w.watching = true

	slog.Info("config watcher starting", "path", w.path, "debounce", w.debounce.String())
	go w.run(ctx)
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce: editors often emit several writes per save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			slog.Info("config file rewritten", "path", w.path)
			w.handler(w.path)
		}
	}
}
