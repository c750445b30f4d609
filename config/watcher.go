// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rachat-im/rachat/lib/clock"
)

// DebounceWindow is the quiescence window for file-change coalescing.
// Editors save with write bursts (truncate, write, rename); only the
// state after the window elapses without further events is published.
const DebounceWindow = 250 * time.Millisecond

// updateBuffer is the capacity of the Updates channel. Config changes
// are rare and coalesced; a slow consumer past this depth loses
// intermediate snapshots (Current always has the newest).
const updateBuffer = 16

// Watcher watches a config file and publishes a fresh immutable
// Snapshot after each settled change. Current is lock-free and always
// returns the latest published snapshot.
type Watcher struct {
	path    string
	profile string
	clk     clock.Clock
	logger  *slog.Logger

	current atomic.Pointer[Snapshot]
	updates chan *Snapshot
}

// NewWatcher creates a watcher for the config file at path. The
// initial snapshot is published immediately; call Run to start
// watching for changes.
func NewWatcher(path, profile string, initial *Snapshot, clk clock.Clock, logger *slog.Logger) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher := &Watcher{
		path:    path,
		profile: profile,
		clk:     clk,
		logger:  logger,
		updates: make(chan *Snapshot, updateBuffer),
	}
	watcher.current.Store(initial)
	return watcher
}

// Current returns the latest snapshot. Non-blocking and safe from any
// goroutine; the returned value is immutable.
func (w *Watcher) Current() *Snapshot {
	return w.current.Load()
}

// Updates delivers each newly published snapshot. Intermediate
// snapshots may be dropped for a consumer slower than updateBuffer;
// Current never lags.
func (w *Watcher) Updates() <-chan *Snapshot {
	return w.updates
}

// Run watches the config file until ctx is cancelled. The parent
// directory is watched rather than the file itself because editors
// replace files by rename, which retargets an inode-based watch.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating file watcher: %w", err)
	}
	defer fsWatcher.Close()

	directory := filepath.Dir(w.path)
	if err := fsWatcher.Add(directory); err != nil {
		return fmt.Errorf("config: watching %s: %w", directory, err)
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		base := filepath.Base(w.path)
		for {
			select {
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				select {
				case changes <- struct{}{}:
				default: // a change is already pending; coalesce
				}
			case watchErr, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "path", w.path, "error", watchErr)
			case <-ctx.Done():
				return
			}
		}
	}()

	return w.debounce(ctx, changes)
}

// debounce coalesces change signals over DebounceWindow and reloads
// once per settled burst. Split from Run so tests can drive it with a
// synthetic signal source and a fake clock.
func (w *Watcher) debounce(ctx context.Context, changes <-chan struct{}) error {
	var timer *clock.Timer
	var timerFired <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if timer == nil {
				timer = w.clk.NewTimer(DebounceWindow)
				timerFired = timer.C
				continue
			}
			// Re-arm: if the timer fired concurrently with this event,
			// drain the stale tick so the reset window is honored.
			if !timer.Stop() {
				select {
				case <-timerFired:
				default:
				}
			}
			timer.Reset(DebounceWindow)

		case <-timerFired:
			timer = nil
			timerFired = nil
			w.reload()
		}
	}
}

// reload loads the file and publishes the result. Failures keep the
// previous snapshot current — a half-written or deleted config file
// must never crash the client or blank its settings.
func (w *Watcher) reload() {
	snapshot, err := LoadFile(w.path, w.profile)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous snapshot",
			"path", w.path, "error", err)
		return
	}

	w.current.Store(snapshot)
	select {
	case w.updates <- snapshot:
	default:
		w.logger.Debug("config update dropped, consumer lagging", "path", w.path)
	}
	w.logger.Info("config reloaded", "path", w.path)
}
