// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the lifecycle of the client's connection to
// its homeserver as a sequence of immutable snapshots.
//
// The [Store] holds exactly one current [Snapshot] at a time and swaps
// it atomically, so readers on any goroutine see a consistent view
// without locking. Writes go through [Store.Publish], which enforces
// the status transition rules: an authenticated session can only leave
// the Authenticated state through SyncFailed or an explicit logout,
// never by silently dropping to Disconnected.
//
// The store has a single writer, the engine loop. Readers and
// subscribers may be many.
package session
