// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, time.NewTimer, or time.Sleep directly. In
// production, [Real] provides standard library behavior. In tests,
// [Fake] provides a deterministic clock that advances only when
// Advance is called.
//
// When a goroutine calls After, NewTimer, or Sleep on a FakeClock it
// registers a pending waiter. Use [FakeClock.WaitForTimers] to block
// until a given number of waiters are registered before calling
// Advance — this removes the race between timer registration and time
// advancement that otherwise forces tests to sleep.
package clock
