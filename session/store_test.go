// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rachat-im/rachat/lib/testutil"
)

const testTimeout = 5 * time.Second

func TestStoreInitialState(t *testing.T) {
	store := NewStore(nil)
	if got := store.Current().Status; got != Disconnected {
		t.Errorf("initial status = %v, want Disconnected", got)
	}
}

func TestStoreTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		ok   bool
	}{
		{
			name: "full login lifecycle",
			path: []Status{Connecting, Authenticating, Authenticated, SyncFailed, Authenticated, LoggedOut},
			ok:   true,
		},
		{
			name: "login failure returns to disconnected",
			path: []Status{Connecting, Authenticating, Disconnected},
			ok:   true,
		},
		{
			name: "revoked credentials during auth",
			path: []Status{Connecting, Authenticating, LoggedOut},
			ok:   true,
		},
		{
			name: "relogin after logout",
			path: []Status{Connecting, Authenticating, Authenticated, LoggedOut, Connecting},
			ok:   true,
		},
		{
			name: "sync failure escalates to reconnect",
			path: []Status{Connecting, Authenticating, Authenticated, SyncFailed, Connecting},
			ok:   true,
		},
		{
			name: "authenticated cannot silently disconnect",
			path: []Status{Connecting, Authenticating, Authenticated, Disconnected},
			ok:   false,
		},
		{
			name: "disconnected cannot jump to authenticated",
			path: []Status{Authenticated},
			ok:   false,
		},
		{
			name: "authenticated cannot restart connecting directly",
			path: []Status{Connecting, Authenticating, Authenticated, Connecting},
			ok:   false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := NewStore(nil)
			var err error
			for _, status := range test.path {
				err = store.Publish(&Snapshot{Status: status})
				if err != nil {
					break
				}
			}
			if test.ok && err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
			if !test.ok {
				if err == nil {
					t.Fatal("invalid transition accepted")
				}
				var transitionErr *TransitionError
				if !errors.As(err, &transitionErr) {
					t.Fatalf("error = %v, want TransitionError", err)
				}
			}
		})
	}
}

func TestStoreRejectedPublishKeepsCurrent(t *testing.T) {
	store := NewStore(nil)
	mustPublish(t, store, &Snapshot{Status: Connecting, Homeserver: "example.org"})

	err := store.Publish(&Snapshot{Status: Authenticated})
	if err == nil {
		t.Fatal("invalid transition accepted")
	}
	current := store.Current()
	if current.Status != Connecting || current.Homeserver != "example.org" {
		t.Errorf("Current changed after rejected publish: %+v", current)
	}
}

func TestStoreSameStatusUpdatesFields(t *testing.T) {
	store := NewStore(nil)
	mustPublish(t, store, &Snapshot{Status: Connecting})
	mustPublish(t, store, &Snapshot{Status: Authenticating})
	mustPublish(t, store, &Snapshot{Status: Authenticated, SyncToken: "s100"})
	mustPublish(t, store, &Snapshot{Status: Authenticated, SyncToken: "s200"})

	if got := store.Current().SyncToken; got != "s200" {
		t.Errorf("SyncToken = %q, want %q", got, "s200")
	}
}

func TestStoreSubscribe(t *testing.T) {
	store := NewStore(nil)
	updates, cancel := store.Subscribe()
	defer cancel()

	mustPublish(t, store, &Snapshot{Status: Connecting, Homeserver: "example.org"})

	snapshot := testutil.RequireReceive(t, updates, testTimeout, "subscription update")
	if snapshot.Status != Connecting || snapshot.Homeserver != "example.org" {
		t.Errorf("snapshot = %+v", snapshot)
	}
}

func TestStoreSubscribeCancel(t *testing.T) {
	store := NewStore(nil)
	updates, cancel := store.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-updates; ok {
		t.Error("channel not closed after cancel")
	}
	mustPublish(t, store, &Snapshot{Status: Connecting})
}

func TestStoreSlowSubscriberKeepsNewest(t *testing.T) {
	store := NewStore(nil)
	updates, cancel := store.Subscribe()
	defer cancel()

	mustPublish(t, store, &Snapshot{Status: Connecting})
	mustPublish(t, store, &Snapshot{Status: Authenticating})
	mustPublish(t, store, &Snapshot{Status: Authenticated, SyncToken: "s1"})
	// Overflow the buffer with token advances; never read.
	for i := 0; i < subscriberBuffer*2; i++ {
		mustPublish(t, store, &Snapshot{Status: Authenticated, SyncToken: "overflow"})
	}
	mustPublish(t, store, &Snapshot{Status: Authenticated, SyncToken: "final"})

	// Drain: the last delivered snapshot must be the newest publish.
	var last Snapshot
	for {
		select {
		case snapshot := <-updates:
			last = snapshot
			continue
		default:
		}
		break
	}
	if last.SyncToken != "final" {
		t.Errorf("newest snapshot lost: last delivered token %q", last.SyncToken)
	}
}

func mustPublish(t *testing.T, store *Store, snapshot *Snapshot) {
	t.Helper()
	if err := store.Publish(snapshot); err != nil {
		t.Fatalf("Publish(%v) failed: %v", snapshot.Status, err)
	}
}
