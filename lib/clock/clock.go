// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations. Every production code path that
// waits or schedules accepts a Clock (usually as a struct field)
// instead of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that fires once on its C channel after
	// duration d. The timer can be re-armed with Reset, which is how
	// the config watcher implements its debounce window.
	NewTimer(d time.Duration) *Timer

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer represents a single scheduled event, delivered on C.
type Timer struct {
	// C delivers the fire time.
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns true if the call stopped
// the timer, false if it had already fired or been stopped. Stop does
// not drain C.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after duration d. Returns true if the
// timer was active (pending) before the reset. Following the
// time.Timer contract, Reset should only be called after Stop or after
// a receive from C.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
