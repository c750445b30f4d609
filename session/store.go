// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state of the session.
type Status int

const (
	// Disconnected: no session. The initial state, and the state after
	// a connection attempt fails before authentication.
	Disconnected Status = iota

	// Connecting: homeserver discovery and reachability checks are in
	// progress.
	Connecting

	// Authenticating: credentials are being exchanged for tokens.
	Authenticating

	// Authenticated: the session is live and syncing.
	Authenticated

	// SyncFailed: the session was live but the sync loop is failing;
	// recovery attempts are in progress. Tokens are still held.
	SyncFailed

	// LoggedOut: the session ended, either by user request or because
	// the server revoked the credentials. Tokens are purged.
	LoggedOut
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case SyncFailed:
		return "sync-failed"
	case LoggedOut:
		return "logged-out"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Snapshot is an immutable view of the session at a point in time.
// Never mutate a snapshot after publishing it; build a new value and
// publish that instead.
type Snapshot struct {
	Status     Status
	Homeserver string
	UserID     string
	DeviceID   string

	// SyncToken is the position in the server's event stream. Carried
	// across SyncFailed so recovery resumes where the stream broke.
	SyncToken string

	// LastError describes the most recent failure, empty when none.
	LastError string
}

// TransitionError reports a Publish that would violate the status
// transition rules.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// allowedTransitions enumerates the legal status changes. Same-status
// publishes (field updates such as an advancing sync token) are always
// allowed and not listed here.
var allowedTransitions = map[Status][]Status{
	Disconnected:   {Connecting},
	Connecting:     {Authenticating, Disconnected},
	Authenticating: {Authenticated, Disconnected, LoggedOut},
	Authenticated:  {SyncFailed, LoggedOut},
	SyncFailed:     {Authenticated, Connecting, Disconnected, LoggedOut},
	LoggedOut:      {Connecting},
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// slower than this loses the oldest snapshots first; the newest is
// always delivered.
const subscriberBuffer = 64

// Store holds the current session snapshot and fans out changes to
// subscribers. Publish has a single caller, the engine loop; Current
// and Subscribe are safe from any goroutine.
type Store struct {
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	subscribers map[uint64]chan Snapshot
	nextID      uint64
}

// NewStore returns a store in the Disconnected state.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{
		logger:      logger,
		subscribers: make(map[uint64]chan Snapshot),
	}
	store.current.Store(&Snapshot{Status: Disconnected})
	return store
}

// Current returns the latest snapshot. Non-blocking.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish replaces the current snapshot after validating the status
// transition. On success every subscriber receives a copy; a full
// subscriber drops its oldest pending snapshot to make room, so lagging
// consumers converge on recent state rather than stalling the writer.
func (s *Store) Publish(next *Snapshot) error {
	previous := s.current.Load()
	if !transitionAllowed(previous.Status, next.Status) {
		return &TransitionError{From: previous.Status, To: next.Status}
	}
	s.current.Store(next)

	if previous.Status != next.Status {
		s.logger.Info("session status changed",
			"from", previous.Status, "to", next.Status, "user", next.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, channel := range s.subscribers {
		select {
		case channel <- *next:
		default:
			// Full: evict the oldest entry, then deliver. The buffer
			// guarantees room after one receive because Publish is
			// single-writer.
			select {
			case <-channel:
			default:
			}
			select {
			case channel <- *next:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers for snapshot updates. The returned cancel
// function removes the subscription and closes the channel; it is safe
// to call more than once.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	channel := make(chan Snapshot, subscriberBuffer)
	s.subscribers[id] = channel

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(channel)
		})
	}
	return channel, cancel
}
