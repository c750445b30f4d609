// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rachat-im/rachat/lib/secret"
)

// testBuffer creates a secret.Buffer from a string for testing. The
// buffer is automatically closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func writeJSON(t *testing.T, writer http.ResponseWriter, status int, body any) {
	t.Helper()
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient("http://localhost:8008", nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.BaseURL() != "http://localhost:8008" {
			t.Errorf("BaseURL = %q", client.BaseURL())
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient("", nil, nil); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("trailing slash stripped", func(t *testing.T) {
		client, err := NewClient("http://localhost:8008/", nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.BaseURL() != "http://localhost:8008" {
			t.Errorf("BaseURL = %q", client.BaseURL())
		}
	})
}

func TestDiscover(t *testing.T) {
	t.Run("URL with scheme used verbatim", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/versions" {
				t.Errorf("unexpected path: %s", request.URL.Path)
				writer.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(t, writer, http.StatusOK, map[string]any{"versions": []string{"v1.11"}})
		}))
		defer server.Close()

		client, err := NewConnector(nil, nil).Discover(context.Background(), server.URL)
		if err != nil {
			t.Fatalf("Discover failed: %v", err)
		}
		if client.BaseURL() != server.URL {
			t.Errorf("BaseURL = %q, want %q", client.BaseURL(), server.URL)
		}
	})

	t.Run("endpoint without versions rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusOK, map[string]any{"versions": []string{}})
		}))
		defer server.Close()

		if _, err := NewConnector(nil, nil).Discover(context.Background(), server.URL); err == nil {
			t.Fatal("Discover accepted an endpoint with no API versions")
		}
	})

	t.Run("unreachable endpoint rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		if _, err := NewConnector(nil, nil).Discover(context.Background(), server.URL); err == nil {
			t.Fatal("Discover accepted an unreachable endpoint")
		}
	})

	t.Run("empty server name", func(t *testing.T) {
		if _, err := NewConnector(nil, nil).Discover(context.Background(), ""); err == nil {
			t.Fatal("Discover accepted an empty server name")
		}
	})
}

func TestLogin(t *testing.T) {
	t.Run("success with refresh token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/login" {
				t.Errorf("unexpected path: %s", request.URL.Path)
				writer.WriteHeader(http.StatusNotFound)
				return
			}
			var body map[string]any
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("decoding request body: %v", err)
			}
			if body["type"] != "m.login.password" {
				t.Errorf("login type = %v", body["type"])
			}
			if body["password"] != "hunter2" {
				t.Errorf("password = %v", body["password"])
			}
			if body["refresh_token"] != true {
				t.Error("refresh_token not requested")
			}
			identifier, _ := body["identifier"].(map[string]any)
			if identifier["user"] != "alice" {
				t.Errorf("identifier user = %v", identifier["user"])
			}

			writeJSON(t, writer, http.StatusOK, map[string]any{
				"user_id":       "@alice:example.org",
				"device_id":     "DEVICE1",
				"access_token":  "syt_access",
				"refresh_token": "syr_refresh",
			})
		}))
		defer server.Close()

		client, err := NewClient(server.URL, nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}

		tokens, err := client.Login(context.Background(), "alice", testBuffer(t, "hunter2"))
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		defer tokens.Close()

		if tokens.UserID != "@alice:example.org" || tokens.DeviceID != "DEVICE1" {
			t.Errorf("identity = %s / %s", tokens.UserID, tokens.DeviceID)
		}
		if tokens.AccessToken.String() != "syt_access" {
			t.Error("access token mismatch")
		}
		if tokens.RefreshToken == nil || tokens.RefreshToken.String() != "syr_refresh" {
			t.Error("refresh token missing or mismatched")
		}
	})

	t.Run("no refresh token issued", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusOK, map[string]any{
				"user_id":      "@alice:example.org",
				"device_id":    "DEVICE1",
				"access_token": "syt_access",
			})
		}))
		defer server.Close()

		client, err := NewClient(server.URL, nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		tokens, err := client.Login(context.Background(), "alice", testBuffer(t, "hunter2"))
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		defer tokens.Close()
		if tokens.RefreshToken != nil {
			t.Error("unexpected refresh token")
		}
	})

	t.Run("forbidden yields protocol error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusForbidden, map[string]any{
				"errcode": "M_FORBIDDEN",
				"error":   "Invalid password",
			})
		}))
		defer server.Close()

		client, err := NewClient(server.URL, nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		_, err = client.Login(context.Background(), "alice", testBuffer(t, "wrong"))
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("Login error = %v, want ProtocolError", err)
		}
		if protoErr.Code != ErrCodeForbidden || protoErr.StatusCode != http.StatusForbidden {
			t.Errorf("error = %+v", protoErr)
		}
	})
}

func TestWhoAmI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("Authorization"); got != "Bearer syt_access" {
			writeJSON(t, writer, http.StatusUnauthorized, map[string]any{
				"errcode": "M_UNKNOWN_TOKEN",
				"error":   "Unrecognised access token",
			})
			return
		}
		writeJSON(t, writer, http.StatusOK, map[string]any{
			"user_id":   "@alice:example.org",
			"device_id": "DEVICE1",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	t.Run("valid token", func(t *testing.T) {
		identity, err := client.WhoAmI(context.Background(), testBuffer(t, "syt_access"))
		if err != nil {
			t.Fatalf("WhoAmI failed: %v", err)
		}
		if identity.UserID != "@alice:example.org" {
			t.Errorf("UserID = %q", identity.UserID)
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		_, err := client.WhoAmI(context.Background(), testBuffer(t, "revoked"))
		if !IsAuthRejected(err) {
			t.Fatalf("WhoAmI error = %v, want auth rejection", err)
		}
	})
}

func TestRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/refresh" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		var body refreshRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding refresh request: %v", err)
		}
		if body.RefreshToken != "syr_old" {
			writeJSON(t, writer, http.StatusUnauthorized, map[string]any{
				"errcode": "M_UNKNOWN_TOKEN",
				"error":   "Unrecognised refresh token",
			})
			return
		}
		writeJSON(t, writer, http.StatusOK, map[string]any{
			"access_token":  "syt_new",
			"refresh_token": "syr_new",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	tokens, err := client.Refresh(context.Background(), testBuffer(t, "syr_old"))
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	defer tokens.Close()
	if tokens.AccessToken.String() != "syt_new" {
		t.Error("access token not rotated")
	}

	if _, err := client.Refresh(context.Background(), testBuffer(t, "syr_stale")); !IsAuthRejected(err) {
		t.Errorf("stale refresh = %v, want auth rejection", err)
	}
}

func TestSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		query := request.URL.Query()
		if got := query.Get("since"); got != "s100" {
			t.Errorf("since = %q, want s100", got)
		}
		if got := query.Get("timeout"); got != "30000" {
			t.Errorf("timeout = %q, want 30000", got)
		}

		writeJSON(t, writer, http.StatusOK, map[string]any{
			"next_batch": "s200",
			"rooms": map[string]any{
				"join": map[string]any{
					"!room:example.org": map[string]any{
						"timeline": map[string]any{
							"events": []map[string]any{
								{
									"type":     "m.room.message",
									"sender":   "@bob:example.org",
									"event_id": "$evt1",
									"content":  map[string]any{"msgtype": "m.text", "body": "hi"},
								},
							},
						},
					},
				},
			},
			"to_device": map[string]any{
				"events": []map[string]any{
					{
						"type":   "m.room_key",
						"sender": "@bob:example.org",
						"content": map[string]any{
							"algorithm":   "m.megolm.v1.aes-sha2",
							"room_id":     "!room:example.org",
							"session_id":  "session9",
							"session_key": "AgAAAA...",
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	response, err := client.Sync(context.Background(), testBuffer(t, "syt_access"), "s100", 30*time.Second)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "s200" {
		t.Errorf("NextBatch = %q", response.NextBatch)
	}
	room, ok := response.Rooms.Join["!room:example.org"]
	if !ok || len(room.Timeline.Events) != 1 {
		t.Fatalf("joined room events missing: %+v", response.Rooms.Join)
	}
	if room.Timeline.Events[0].Type != "m.room.message" {
		t.Errorf("event type = %q", room.Timeline.Events[0].Type)
	}
	if len(response.ToDevice.Events) != 1 {
		t.Fatalf("to-device events missing")
	}
	var roomKey RoomKeyContent
	if err := json.Unmarshal(response.ToDevice.Events[0].Content, &roomKey); err != nil {
		t.Fatalf("parsing room key content: %v", err)
	}
	if roomKey.SessionID != "session9" {
		t.Errorf("SessionID = %q", roomKey.SessionID)
	}
}

func TestSyncMissingNextBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, http.StatusOK, map[string]any{})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.Sync(context.Background(), testBuffer(t, "syt_access"), "", 0); err == nil {
		t.Fatal("Sync accepted a response without next_batch")
	}
}

func TestSendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", request.Method)
		}
		if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/rooms/") ||
			!strings.Contains(request.URL.Path, "/send/m.room.message/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		var content messageContent
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			t.Fatalf("decoding message content: %v", err)
		}
		if content.MsgType != "m.text" || content.Body != "hello" {
			t.Errorf("content = %+v", content)
		}
		writeJSON(t, writer, http.StatusOK, map[string]any{"event_id": "$sent1"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	eventID, err := client.SendMessage(context.Background(), testBuffer(t, "syt_access"), "!room:example.org", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if eventID != "$sent1" {
		t.Errorf("eventID = %q", eventID)
	}
}

func TestLogout(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/logout" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			writeJSON(t, writer, http.StatusOK, map[string]any{})
		}))
		defer server.Close()

		client, err := NewClient(server.URL, nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if err := client.Logout(context.Background(), testBuffer(t, "syt_access")); err != nil {
			t.Fatalf("Logout failed: %v", err)
		}
	})

	t.Run("already revoked counts as logged out", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusUnauthorized, map[string]any{
				"errcode": "M_UNKNOWN_TOKEN",
				"error":   "Unrecognised access token",
			})
		}))
		defer server.Close()

		client, err := NewClient(server.URL, nil, nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if err := client.Logout(context.Background(), testBuffer(t, "revoked")); err != nil {
			t.Fatalf("Logout of revoked token = %v, want nil", err)
		}
	})
}

func TestIsAuthRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unknown token", &ProtocolError{Code: ErrCodeUnknownToken, StatusCode: 401}, true},
		{"missing token", &ProtocolError{Code: ErrCodeMissingToken, StatusCode: 401}, true},
		{"forbidden 401", &ProtocolError{Code: ErrCodeForbidden, StatusCode: 401}, true},
		{"rate limit", &ProtocolError{Code: ErrCodeLimitExceeded, StatusCode: 429}, false},
		{"wrapped", errors.Join(errors.New("sync"), &ProtocolError{Code: ErrCodeUnknownToken, StatusCode: 401}), true},
		{"plain error", errors.New("network down"), false},
		{"nil", nil, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsAuthRejected(test.err); got != test.want {
				t.Errorf("IsAuthRejected = %v, want %v", got, test.want)
			}
		})
	}
}
