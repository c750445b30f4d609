// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol speaks the Matrix client-server API: homeserver
// discovery, login and token refresh, the long-poll sync stream, and
// message send.
//
// The engine consumes the narrow [Connector] and [Client] interfaces
// so tests can substitute stubs; [HTTPConnector] and [HTTPClient] are
// the real implementations. Access and refresh tokens cross this
// package only as [secret.Buffer] values and are converted to strings
// at the HTTP serialization boundary.
package protocol
