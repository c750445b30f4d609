// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"

	"github.com/rachat-im/rachat/lib/secret"
)

// Identity is the authenticated principal behind a token, as reported
// by /account/whoami.
type Identity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// TokenSet is the credential material issued by a login or refresh.
// AccessToken is always present; RefreshToken is nil when the server
// does not issue one. The caller owns both buffers and must Close
// them when the session ends.
type TokenSet struct {
	UserID       string
	DeviceID     string
	AccessToken  *secret.Buffer
	RefreshToken *secret.Buffer
}

// Close zeroes both token buffers. Safe on a partially populated set.
func (t *TokenSet) Close() {
	if t.AccessToken != nil {
		t.AccessToken.Close()
	}
	if t.RefreshToken != nil {
		t.RefreshToken.Close()
	}
}

// loginRequest is the /login request body. RefreshToken requests a
// refresh token alongside the access token (MSC2918).
type loginRequest struct {
	Type              string          `json:"type"`
	Identifier        loginIdentifier `json:"identifier"`
	Password          string          `json:"password"`
	DeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
	RefreshToken      bool            `json:"refresh_token"`
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// authResponse is the shared shape of /login and /refresh responses.
type authResponse struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// wellKnownResponse is /.well-known/matrix/client.
type wellKnownResponse struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// versionsResponse is /_matrix/client/versions.
type versionsResponse struct {
	Versions []string `json:"versions"`
}

// Event is a single timeline or to-device event.
type Event struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// RoomKeyContent is the payload of an m.room_key to-device event: a
// rotated inbound session key for an encrypted room.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// JoinedRoom is the per-room slice of a sync response.
type JoinedRoom struct {
	Timeline struct {
		Events []Event `json:"events"`
	} `json:"timeline"`
	State struct {
		Events []Event `json:"events"`
	} `json:"state"`
}

// SyncResponse is one batch of the long-poll sync stream. NextBatch is
// the token to pass as since on the next call.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]JoinedRoom `json:"join"`
	} `json:"rooms"`
	ToDevice struct {
		Events []Event `json:"events"`
	} `json:"to_device"`
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

// messageContent is an m.room.message text body.
type messageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}
