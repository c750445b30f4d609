// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "github.com/rachat-im/rachat/lib/secret"

// Command is an instruction from the frontend to the engine. Commands
// are consumed one at a time, in submission order, and are never
// silently dropped: a command the engine cannot act on yields a
// CommandRejected event naming the reason.
type Command interface {
	commandName() string
}

// SelectHomeserver resolves and validates a homeserver, then attempts
// silent re-authentication with cached credentials.
type SelectHomeserver struct {
	Server string
}

func (SelectHomeserver) commandName() string { return "select-homeserver" }

// Login authenticates interactively. The engine takes ownership of
// the password buffer and closes it after the attempt.
type Login struct {
	Username string
	Password *secret.Buffer
}

func (Login) commandName() string { return "login" }

// Logout ends the session: in-flight work is cancelled, session-scoped
// credentials are purged, and the server-side token is invalidated on
// a best-effort basis.
type Logout struct{}

func (Logout) commandName() string { return "logout" }

// SendMessage posts a text message to a room. Valid only while
// authenticated.
type SendMessage struct {
	RoomID string
	Body   string
}

func (SendMessage) commandName() string { return "send-message" }

// Retry skips the remaining backoff wait and attempts the sync again
// immediately.
type Retry struct{}

func (Retry) commandName() string { return "retry" }

// Event is a state change delivered to the frontend through the
// bridge queue, in the order the engine observed it.
type Event interface {
	eventName() string
}

// LoginCompleted: the session is authenticated and credentials are
// persisted. Never emitted before the tokens are safely in the vault.
type LoginCompleted struct {
	UserID     string
	DeviceID   string
	Homeserver string
}

func (LoginCompleted) eventName() string { return "login-completed" }

// LoginFailed: a login or discovery attempt failed.
type LoginFailed struct {
	Reason string
}

func (LoginFailed) eventName() string { return "login-failed" }

// InteractiveLoginRequired: silent re-authentication was not possible;
// the frontend should collect credentials and submit a Login command.
type InteractiveLoginRequired struct {
	Homeserver string
}

func (InteractiveLoginRequired) eventName() string { return "interactive-login-required" }

// NewMessage: a message event arrived in a room timeline.
type NewMessage struct {
	RoomID    string
	Sender    string
	EventID   string
	Body      string
	Timestamp int64
}

func (NewMessage) eventName() string { return "new-message" }

// RoomUpdate: room state changed (name, membership, topic).
type RoomUpdate struct {
	RoomID string
}

func (RoomUpdate) eventName() string { return "room-update" }

// EncryptionKeyRotated: a rotated room key arrived and has been
// persisted to the vault. Never emitted before the key is stored.
type EncryptionKeyRotated struct {
	RoomID    string
	SessionID string
}

func (EncryptionKeyRotated) eventName() string { return "encryption-key-rotated" }

// MessageSent: a SendMessage command was accepted by the server.
type MessageSent struct {
	RoomID  string
	EventID string
}

func (MessageSent) eventName() string { return "message-sent" }

// SendFailed: a SendMessage command reached the server but was not
// accepted.
type SendFailed struct {
	RoomID string
	Reason string
}

func (SendFailed) eventName() string { return "send-failed" }

// Disconnected: the sync stream is failing and the engine is retrying.
// The session is degraded, not ended.
type Disconnected struct {
	Reason string
}

func (Disconnected) eventName() string { return "disconnected" }

// SessionEnded: the session is over, by user request or because the
// server revoked the credentials.
type SessionEnded struct {
	Reason string
}

func (SessionEnded) eventName() string { return "session-ended" }

// CommandRejected: a command could not be acted on in the current
// state.
type CommandRejected struct {
	Command string
	Reason  string
}

func (CommandRejected) eventName() string { return "command-rejected" }
