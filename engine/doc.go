// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs the session lifecycle: homeserver selection,
// authentication, the long-poll sync loop, and logout.
//
// The engine is a single goroutine (Run) that owns all session state.
// Frontends submit [Command] values through Do and receive [Event]
// values through the bridge queue; the current session snapshot is
// always available from the session store. Sync requests run in a
// helper goroutine so commands are handled promptly, but their results
// are folded back into the single loop.
//
// Credential ordering is strict: tokens are persisted to the vault
// before LoginCompleted is emitted, and rotated room keys are
// persisted before EncryptionKeyRotated. A frontend that sees the
// event can rely on the credential being durable.
package engine
