// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rachat-im/rachat/bridge"
	"github.com/rachat-im/rachat/config"
	"github.com/rachat-im/rachat/lib/clock"
	"github.com/rachat-im/rachat/lib/secret"
	"github.com/rachat-im/rachat/protocol"
	"github.com/rachat-im/rachat/session"
	"github.com/rachat-im/rachat/vault"
)

// CredentialVault is the slice of the vault the engine uses. Satisfied
// by *vault.Vault; tests substitute an in-memory implementation.
type CredentialVault interface {
	Store(key vault.Key, value *secret.Buffer) error
	Retrieve(key vault.Key) (*secret.Buffer, error)
	Delete(key vault.Key) error
	DerivedPassphrase(purpose string) (*secret.Buffer, error)
}

var _ CredentialVault = (*vault.Vault)(nil)

// defaultSyncTimeout is how long the server may hold a sync long-poll.
const defaultSyncTimeout = 30 * time.Second

// commandBuffer is the depth of the command queue. Do blocks once the
// engine falls this far behind.
const commandBuffer = 32

// maxRetryInterval caps the exponential backoff between sync retries.
const maxRetryInterval = 30 * time.Second

// Options configures an Engine. Connector, Vault, Sessions, and Events
// are required.
type Options struct {
	Connector protocol.Connector
	Vault     CredentialVault
	Sessions  *session.Store
	Events    *bridge.Queue[Event]

	// Config provides the current configuration snapshot. Nil means
	// built-in defaults.
	Config func() *config.Snapshot

	// Clock drives retry waits. Nil means the real clock.
	Clock clock.Clock

	// Logger; nil means slog.Default().
	Logger *slog.Logger

	// SyncTimeout overrides the long-poll hold time. Zero means the
	// default.
	SyncTimeout time.Duration
}

// Engine owns the session lifecycle. All mutable fields below the
// construction block are owned by the Run goroutine.
type Engine struct {
	connector   protocol.Connector
	vault       CredentialVault
	sessions    *session.Store
	events      *bridge.Queue[Event]
	configFn    func() *config.Snapshot
	clk         clock.Clock
	logger      *slog.Logger
	syncTimeout time.Duration

	commands    chan Command
	syncResults chan syncOutcome

	// Run-goroutine state.
	serverName    string
	client        protocol.Client
	tokens        *protocol.TokenSet
	nextBatch     string
	retrySchedule *backoff.ExponentialBackOff
	retryWait     <-chan time.Time
	syncing       bool
	// syncOrphaned marks the in-flight sync as belonging to a session
	// that has ended; its outcome is drained, never interpreted.
	syncOrphaned bool
	syncCancel   context.CancelFunc
	retiredTokens []*protocol.TokenSet
	authFailures  int
}

type syncOutcome struct {
	response *protocol.SyncResponse
	err      error
}

// New creates an engine. Run must be called before commands have any
// effect.
func New(options Options) (*Engine, error) {
	if options.Connector == nil {
		return nil, fmt.Errorf("engine: Connector is required")
	}
	if options.Vault == nil {
		return nil, fmt.Errorf("engine: Vault is required")
	}
	if options.Sessions == nil {
		return nil, fmt.Errorf("engine: Sessions is required")
	}
	if options.Events == nil {
		return nil, fmt.Errorf("engine: Events is required")
	}

	configFn := options.Config
	if configFn == nil {
		defaults := config.Default("default")
		configFn = func() *config.Snapshot { return defaults }
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	syncTimeout := options.SyncTimeout
	if syncTimeout == 0 {
		syncTimeout = defaultSyncTimeout
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = time.Second
	schedule.MaxInterval = maxRetryInterval
	schedule.MaxElapsedTime = 0 // retry until told otherwise

	return &Engine{
		connector:     options.Connector,
		vault:         options.Vault,
		sessions:      options.Sessions,
		events:        options.Events,
		configFn:      configFn,
		clk:           clk,
		logger:        logger,
		syncTimeout:   syncTimeout,
		commands:      make(chan Command, commandBuffer),
		syncResults:   make(chan syncOutcome, 1),
		retrySchedule: schedule,
	}, nil
}

// Do submits a command. Blocks only when the engine is far behind;
// returns ctx.Err() if the context ends first.
func (e *Engine) Do(ctx context.Context, command Command) error {
	select {
	case e.commands <- command:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case command := <-e.commands:
			e.handleCommand(ctx, command)

		case outcome := <-e.syncResults:
			e.syncing = false
			e.stopSync() // release the request context
			e.closeRetiredTokens()
			if e.syncOrphaned {
				// The request outlived its session. A re-login may
				// already be waiting for the sync slot; restart with
				// the current tokens rather than reading a dead
				// session's outcome.
				e.syncOrphaned = false
				e.startSync(ctx)
				continue
			}
			e.handleSyncOutcome(ctx, outcome)

		case <-e.retryWait:
			e.retryWait = nil
			e.startSync(ctx)
		}
	}
}

func (e *Engine) teardown() {
	e.stopSync()
	if e.tokens != nil {
		e.tokens.Close()
		e.tokens = nil
	}
	e.closeRetiredTokens()
}

// ---- command handling ----

func (e *Engine) handleCommand(ctx context.Context, command Command) {
	switch cmd := command.(type) {
	case SelectHomeserver:
		e.handleSelectHomeserver(ctx, cmd)
	case Login:
		e.handleLogin(ctx, cmd)
	case Logout:
		e.handleLogout(ctx, cmd)
	case SendMessage:
		e.handleSendMessage(ctx, cmd)
	case Retry:
		e.handleRetry(ctx, cmd)
	default:
		e.reject(ctx, command, "unknown command")
	}
}

func (e *Engine) handleSelectHomeserver(ctx context.Context, cmd SelectHomeserver) {
	status := e.sessions.Current().Status
	if status != session.Disconnected && status != session.LoggedOut {
		e.reject(ctx, cmd, fmt.Sprintf("session already %s", status))
		return
	}

	e.publish(&session.Snapshot{Status: session.Connecting, Homeserver: cmd.Server})

	client, err := e.connector.Discover(ctx, cmd.Server)
	if err != nil {
		e.logger.Warn("homeserver discovery failed", "server", cmd.Server, "error", err)
		e.emit(ctx, LoginFailed{Reason: err.Error()})
		e.publish(&session.Snapshot{Status: session.Disconnected, LastError: err.Error()})
		return
	}
	e.client = client
	e.serverName = cmd.Server

	if e.silentReauth(ctx) {
		return
	}

	if e.configFn().Auth.InteractiveFallback {
		e.publish(&session.Snapshot{Status: session.Authenticating, Homeserver: cmd.Server})
		e.emit(ctx, InteractiveLoginRequired{Homeserver: cmd.Server})
		return
	}
	e.emit(ctx, LoginFailed{Reason: "no usable cached credentials"})
	e.publish(&session.Snapshot{Status: session.Disconnected, Homeserver: cmd.Server,
		LastError: "no usable cached credentials"})
}

func (e *Engine) handleLogin(ctx context.Context, cmd Login) {
	if cmd.Password != nil {
		defer cmd.Password.Close()
	}
	if e.client == nil {
		e.reject(ctx, cmd, "no homeserver selected")
		return
	}
	status := e.sessions.Current().Status
	if status == session.Authenticated || status == session.SyncFailed {
		e.reject(ctx, cmd, "already logged in")
		return
	}
	if status == session.Disconnected || status == session.LoggedOut {
		e.publish(&session.Snapshot{Status: session.Connecting, Homeserver: e.serverName})
	}
	e.publish(&session.Snapshot{Status: session.Authenticating, Homeserver: e.serverName})

	tokens, err := e.client.Login(ctx, cmd.Username, cmd.Password)
	if err != nil {
		e.logger.Warn("login failed", "server", e.serverName, "error", err)
		e.emit(ctx, LoginFailed{Reason: err.Error()})
		e.publish(&session.Snapshot{Status: session.Disconnected, Homeserver: e.serverName,
			LastError: err.Error()})
		return
	}

	// Tokens go into the vault before anything announces success. A
	// crash after this point resumes silently on the next start.
	if err := e.persistTokens(tokens); err != nil {
		tokens.Close()
		e.logger.Error("persisting credentials failed", "server", e.serverName, "error", err)
		e.emit(ctx, LoginFailed{Reason: "persisting credentials: " + err.Error()})
		e.publish(&session.Snapshot{Status: session.Disconnected, Homeserver: e.serverName,
			LastError: err.Error()})
		return
	}
	e.ensureDevicePassphrase()

	e.tokens = tokens
	e.beginSession(ctx)
}

func (e *Engine) handleLogout(ctx context.Context, cmd Logout) {
	status := e.sessions.Current().Status
	if status == session.Disconnected || status == session.LoggedOut {
		e.reject(ctx, cmd, "no session")
		return
	}

	e.stopSync()
	if e.syncing {
		e.syncOrphaned = true
	}
	if e.tokens != nil && e.client != nil {
		// Best effort. A server that cannot be reached still gets the
		// local purge.
		if err := e.client.Logout(ctx, e.tokens.AccessToken); err != nil {
			e.logger.Warn("server-side logout failed", "error", err)
		}
	}
	e.purgeSessionSecrets()
	e.releaseTokens()
	e.nextBatch = ""
	e.retryWait = nil
	e.authFailures = 0

	// A logout before authentication completes lands back at
	// Disconnected; an authenticated session ends at LoggedOut.
	if status == session.Connecting {
		e.publish(&session.Snapshot{Status: session.Disconnected, Homeserver: e.serverName})
	} else {
		e.publish(&session.Snapshot{Status: session.LoggedOut, Homeserver: e.serverName})
	}
	e.emit(ctx, SessionEnded{Reason: "user requested"})
}

func (e *Engine) handleSendMessage(ctx context.Context, cmd SendMessage) {
	if e.sessions.Current().Status != session.Authenticated || e.tokens == nil {
		e.reject(ctx, cmd, "not authenticated")
		return
	}
	eventID, err := e.client.SendMessage(ctx, e.tokens.AccessToken, cmd.RoomID, cmd.Body)
	if err != nil {
		e.logger.Warn("send failed", "room", cmd.RoomID, "error", err)
		e.emit(ctx, SendFailed{RoomID: cmd.RoomID, Reason: err.Error()})
		return
	}
	e.emit(ctx, MessageSent{RoomID: cmd.RoomID, EventID: eventID})
}

func (e *Engine) handleRetry(ctx context.Context, cmd Retry) {
	if e.retryWait == nil {
		e.reject(ctx, cmd, "nothing to retry")
		return
	}
	e.retryWait = nil
	e.startSync(ctx)
}

// ---- authentication ----

// silentReauth tries to resume the session without user interaction:
// first the cached access token, then the refresh token. Returns true
// when the session is running.
func (e *Engine) silentReauth(ctx context.Context) bool {
	accessKey := vault.Key{Kind: vault.KindAccessToken, Server: e.serverName}
	refreshKey := vault.Key{Kind: vault.KindRefreshToken, Server: e.serverName}

	cached, err := e.vault.Retrieve(accessKey)
	if err != nil {
		e.logger.Warn("retrieving cached token failed", "server", e.serverName, "error", err)
	}
	if cached != nil {
		identity, err := e.client.WhoAmI(ctx, cached)
		if err == nil {
			refresh, retrieveErr := e.vault.Retrieve(refreshKey)
			if retrieveErr != nil {
				e.logger.Warn("retrieving refresh token failed", "error", retrieveErr)
			}
			e.tokens = &protocol.TokenSet{
				UserID:       identity.UserID,
				DeviceID:     identity.DeviceID,
				AccessToken:  cached,
				RefreshToken: refresh,
			}
			e.logger.Info("resumed session with cached token", "user_id", identity.UserID)
			e.beginSession(ctx)
			return true
		}
		cached.Close()
		e.logger.Info("cached token no longer valid", "server", e.serverName, "error", err)
		if protocol.IsAuthRejected(err) {
			if deleteErr := e.vault.Delete(accessKey); deleteErr != nil {
				e.logger.Warn("purging rejected token failed", "error", deleteErr)
			}
		}
	}

	refresh, err := e.vault.Retrieve(refreshKey)
	if err != nil {
		e.logger.Warn("retrieving refresh token failed", "server", e.serverName, "error", err)
	}
	if refresh == nil {
		return false
	}
	defer refresh.Close()

	tokens, err := e.client.Refresh(ctx, refresh)
	if err != nil {
		e.logger.Info("token refresh failed", "server", e.serverName, "error", err)
		if protocol.IsAuthRejected(err) {
			if deleteErr := e.vault.Delete(refreshKey); deleteErr != nil {
				e.logger.Warn("purging rejected refresh token failed", "error", deleteErr)
			}
		}
		return false
	}

	// The refresh response carries no identity; recover it from the
	// fresh token.
	identity, err := e.client.WhoAmI(ctx, tokens.AccessToken)
	if err != nil {
		tokens.Close()
		e.logger.Warn("whoami after refresh failed", "error", err)
		return false
	}
	tokens.UserID = identity.UserID
	tokens.DeviceID = identity.DeviceID

	if err := e.persistTokens(tokens); err != nil {
		tokens.Close()
		e.logger.Error("persisting refreshed tokens failed", "error", err)
		return false
	}
	e.tokens = tokens
	e.logger.Info("resumed session via refresh token", "user_id", identity.UserID)
	e.beginSession(ctx)
	return true
}

// beginSession moves the published state to Authenticated, announces
// the login, and starts the sync loop. The caller has already
// persisted e.tokens.
func (e *Engine) beginSession(ctx context.Context) {
	if e.sessions.Current().Status != session.Authenticating {
		e.publish(&session.Snapshot{Status: session.Authenticating, Homeserver: e.serverName})
	}
	e.publish(&session.Snapshot{
		Status:     session.Authenticated,
		Homeserver: e.serverName,
		UserID:     e.tokens.UserID,
		DeviceID:   e.tokens.DeviceID,
		SyncToken:  e.nextBatch,
	})
	e.emit(ctx, LoginCompleted{
		UserID:     e.tokens.UserID,
		DeviceID:   e.tokens.DeviceID,
		Homeserver: e.serverName,
	})
	// authFailures intentionally survives re-login: only a successful
	// sync batch proves the credentials are accepted again.
	e.retrySchedule.Reset()
	e.startSync(ctx)
}

func (e *Engine) persistTokens(tokens *protocol.TokenSet) error {
	accessKey := vault.Key{Kind: vault.KindAccessToken, Server: e.serverName}
	if err := e.vault.Store(accessKey, tokens.AccessToken); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}
	refreshKey := vault.Key{Kind: vault.KindRefreshToken, Server: e.serverName}
	if tokens.RefreshToken != nil {
		if err := e.vault.Store(refreshKey, tokens.RefreshToken); err != nil {
			return fmt.Errorf("storing refresh token: %w", err)
		}
	}
	return nil
}

// ensureDevicePassphrase derives and stores the device passphrase on
// first login to this homeserver. Storage failure is logged, not
// fatal: the passphrase is deterministic and can be re-derived.
func (e *Engine) ensureDevicePassphrase() {
	key := vault.Key{Kind: vault.KindDevicePassphrase, Server: e.serverName}
	existing, err := e.vault.Retrieve(key)
	if err != nil {
		e.logger.Warn("checking device passphrase failed", "error", err)
		return
	}
	if existing != nil {
		existing.Close()
		return
	}

	passphrase, err := e.vault.DerivedPassphrase("device:" + e.serverName)
	if err != nil {
		e.logger.Warn("deriving device passphrase failed", "error", err)
		return
	}
	defer passphrase.Close()
	if err := e.vault.Store(key, passphrase); err != nil {
		e.logger.Warn("storing device passphrase failed", "error", err)
	}
}

func (e *Engine) purgeSessionSecrets() {
	for _, kind := range []vault.Kind{vault.KindAccessToken, vault.KindRefreshToken} {
		key := vault.Key{Kind: kind, Server: e.serverName}
		if err := e.vault.Delete(key); err != nil {
			e.logger.Warn("purging credential failed", "key", key, "error", err)
		}
	}
}

// ---- sync loop ----

func (e *Engine) startSync(ctx context.Context) {
	if e.tokens == nil || e.syncing {
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	e.syncCancel = cancel
	e.syncing = true

	client := e.client
	token := e.tokens.AccessToken
	since := e.nextBatch
	timeout := e.syncTimeout
	go func() {
		response, err := client.Sync(syncCtx, token, since, timeout)
		select {
		case e.syncResults <- syncOutcome{response: response, err: err}:
		case <-ctx.Done():
		}
	}()
}

// stopSync cancels the in-flight sync request. The helper goroutine
// still delivers its (cancelled) outcome; syncing stays true until the
// loop consumes it so token buffers are not closed under the request.
func (e *Engine) stopSync() {
	if e.syncCancel != nil {
		e.syncCancel()
		e.syncCancel = nil
	}
}

// releaseTokens closes the token buffers, deferring the close while a
// sync request may still be reading them.
func (e *Engine) releaseTokens() {
	if e.tokens == nil {
		return
	}
	if e.syncing {
		e.retiredTokens = append(e.retiredTokens, e.tokens)
	} else {
		e.tokens.Close()
	}
	e.tokens = nil
}

func (e *Engine) closeRetiredTokens() {
	for _, tokens := range e.retiredTokens {
		tokens.Close()
	}
	e.retiredTokens = nil
}

func (e *Engine) handleSyncOutcome(ctx context.Context, outcome syncOutcome) {
	if e.tokens == nil {
		// Session ended while the request was in flight.
		return
	}

	if outcome.err != nil {
		if errors.Is(outcome.err, context.Canceled) || ctx.Err() != nil {
			return
		}
		if protocol.IsAuthRejected(outcome.err) {
			e.handleAuthRejected(ctx, outcome.err)
			return
		}

		reason := outcome.err.Error()
		e.logger.Warn("sync failed, backing off", "server", e.serverName, "error", outcome.err)
		e.publish(&session.Snapshot{
			Status:     session.SyncFailed,
			Homeserver: e.serverName,
			UserID:     e.tokens.UserID,
			DeviceID:   e.tokens.DeviceID,
			SyncToken:  e.nextBatch,
			LastError:  reason,
		})
		e.emit(ctx, Disconnected{Reason: reason})
		e.retryWait = e.clk.After(e.retrySchedule.NextBackOff())
		return
	}

	e.retrySchedule.Reset()
	e.authFailures = 0
	e.nextBatch = outcome.response.NextBatch

	e.processBatch(ctx, outcome.response)

	e.publish(&session.Snapshot{
		Status:     session.Authenticated,
		Homeserver: e.serverName,
		UserID:     e.tokens.UserID,
		DeviceID:   e.tokens.DeviceID,
		SyncToken:  e.nextBatch,
	})
	e.startSync(ctx)
}

// handleAuthRejected reacts to the server revoking the session's
// credentials mid-sync: purge, then one silent recovery attempt. A
// second consecutive rejection ends the session.
func (e *Engine) handleAuthRejected(ctx context.Context, cause error) {
	e.authFailures++
	reason := cause.Error()
	e.logger.Warn("access token rejected during sync",
		"server", e.serverName, "failures", e.authFailures, "error", cause)

	accessKey := vault.Key{Kind: vault.KindAccessToken, Server: e.serverName}
	if err := e.vault.Delete(accessKey); err != nil {
		e.logger.Warn("purging rejected token failed", "error", err)
	}
	e.releaseTokens()

	snapshot := e.sessions.Current()
	e.publish(&session.Snapshot{
		Status:     session.SyncFailed,
		Homeserver: e.serverName,
		UserID:     snapshot.UserID,
		DeviceID:   snapshot.DeviceID,
		SyncToken:  e.nextBatch,
		LastError:  reason,
	})

	if e.authFailures >= 2 {
		e.purgeSessionSecrets()
		// A later login starts a fresh session; nothing from this one
		// may leak into it.
		e.nextBatch = ""
		e.authFailures = 0
		e.publish(&session.Snapshot{
			Status:     session.LoggedOut,
			Homeserver: e.serverName,
			LastError:  reason,
		})
		e.emit(ctx, SessionEnded{Reason: reason})
		return
	}

	e.publish(&session.Snapshot{Status: session.Connecting, Homeserver: e.serverName})
	if e.silentReauth(ctx) {
		return
	}

	if e.configFn().Auth.InteractiveFallback {
		e.publish(&session.Snapshot{Status: session.Authenticating, Homeserver: e.serverName})
		e.emit(ctx, InteractiveLoginRequired{Homeserver: e.serverName})
		return
	}
	e.purgeSessionSecrets()
	e.nextBatch = ""
	e.authFailures = 0
	e.publish(&session.Snapshot{
		Status:     session.LoggedOut,
		Homeserver: e.serverName,
		LastError:  reason,
	})
	e.emit(ctx, SessionEnded{Reason: reason})
}

// messageBody is the subset of m.room.message content the engine
// surfaces.
type messageBody struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// processBatch turns one sync response into ordered events. Room keys
// are persisted before their rotation is announced.
func (e *Engine) processBatch(ctx context.Context, response *protocol.SyncResponse) {
	roomIDs := make([]string, 0, len(response.Rooms.Join))
	for roomID := range response.Rooms.Join {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	for _, roomID := range roomIDs {
		room := response.Rooms.Join[roomID]
		if len(room.State.Events) > 0 {
			e.emit(ctx, RoomUpdate{RoomID: roomID})
		}
		for _, event := range room.Timeline.Events {
			if event.Type != "m.room.message" {
				continue
			}
			var content messageBody
			if err := json.Unmarshal(event.Content, &content); err != nil {
				e.logger.Warn("unparseable message content",
					"room", roomID, "event", event.EventID, "error", err)
				continue
			}
			e.emit(ctx, NewMessage{
				RoomID:    roomID,
				Sender:    event.Sender,
				EventID:   event.EventID,
				Body:      content.Body,
				Timestamp: event.OriginServerTS,
			})
		}
	}

	for _, event := range response.ToDevice.Events {
		if event.Type != "m.room_key" {
			continue
		}
		var content protocol.RoomKeyContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			e.logger.Warn("unparseable room key event", "error", err)
			continue
		}
		if err := e.persistRoomKey(content); err != nil {
			e.logger.Error("persisting rotated room key failed",
				"room", content.RoomID, "session", content.SessionID, "error", err)
			continue
		}
		e.emit(ctx, EncryptionKeyRotated{
			RoomID:    content.RoomID,
			SessionID: content.SessionID,
		})
	}
}

func (e *Engine) persistRoomKey(content protocol.RoomKeyContent) error {
	buffer, err := secret.NewFromString(content.SessionKey)
	if err != nil {
		return fmt.Errorf("protecting session key: %w", err)
	}
	defer buffer.Close()

	key := vault.Key{Kind: vault.KindEncryptionExportKey, Server: e.serverName}
	return e.vault.Store(key, buffer)
}

// ---- plumbing ----

func (e *Engine) publish(snapshot *session.Snapshot) {
	if err := e.sessions.Publish(snapshot); err != nil {
		// A rejected transition is an engine bug; the session store is
		// the enforcement point, not a peer to negotiate with.
		e.logger.Error("session publish rejected", "status", snapshot.Status, "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if err := e.events.Enqueue(ctx, event); err != nil {
		e.logger.Warn("event dropped", "event", event.eventName(), "error", err)
	}
}

func (e *Engine) reject(ctx context.Context, command Command, reason string) {
	e.logger.Info("command rejected", "command", command.commandName(), "reason", reason)
	e.emit(ctx, CommandRejected{Command: command.commandName(), Reason: reason})
}
