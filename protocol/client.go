// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rachat-im/rachat/lib/secret"
)

// maxResponseBytes bounds how much of a homeserver response is read.
// Sync batches are the largest legitimate responses; anything past
// this is a misbehaving server.
const maxResponseBytes = 16 << 20

// Connector resolves a homeserver name to a usable Client.
type Connector interface {
	// Discover resolves serverName (e.g. "example.org") to a validated
	// client. Resolution follows .well-known delegation and confirms
	// the endpoint speaks the client-server API.
	Discover(ctx context.Context, serverName string) (Client, error)
}

// Client is the slice of the client-server API the engine consumes.
// All token parameters are read but not closed; the caller retains
// ownership.
type Client interface {
	// BaseURL returns the resolved homeserver endpoint.
	BaseURL() string

	// Login authenticates with a password, requesting a refresh token.
	Login(ctx context.Context, username string, password *secret.Buffer) (*TokenSet, error)

	// Refresh exchanges a refresh token for a fresh token set. The
	// returned set carries no user identity; callers keep the identity
	// from the original login.
	Refresh(ctx context.Context, refreshToken *secret.Buffer) (*TokenSet, error)

	// WhoAmI validates an access token and returns its identity.
	WhoAmI(ctx context.Context, accessToken *secret.Buffer) (*Identity, error)

	// Sync long-polls for the next event batch. since is empty for the
	// initial sync; timeout is how long the server may hold the poll.
	Sync(ctx context.Context, accessToken *secret.Buffer, since string, timeout time.Duration) (*SyncResponse, error)

	// SendMessage posts a text message to a room and returns the event ID.
	SendMessage(ctx context.Context, accessToken *secret.Buffer, roomID, body string) (string, error)

	// Logout invalidates the access token server-side.
	Logout(ctx context.Context, accessToken *secret.Buffer) error
}

// HTTPConnector performs real homeserver discovery.
type HTTPConnector struct {
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Connector = (*HTTPConnector)(nil)

// NewConnector creates a connector. httpClient may be nil for
// http.DefaultClient; logger may be nil for slog.Default().
func NewConnector(httpClient *http.Client, logger *slog.Logger) *HTTPConnector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPConnector{httpClient: httpClient, logger: logger}
}

// Discover resolves serverName per the server discovery procedure:
// .well-known delegation first, then https://<name> directly. A name
// that already carries a scheme is used verbatim, which is how tests
// point discovery at a local stub. The resolved endpoint must answer
// /_matrix/client/versions before it is accepted.
func (c *HTTPConnector) Discover(ctx context.Context, serverName string) (Client, error) {
	if serverName == "" {
		return nil, fmt.Errorf("protocol: server name is required")
	}

	baseURL := serverName
	if !strings.Contains(serverName, "://") {
		resolved, err := c.resolveWellKnown(ctx, serverName)
		if err != nil {
			c.logger.Debug("well-known lookup failed, using server name directly",
				"server", serverName, "error", err)
			resolved = "https://" + serverName
		}
		baseURL = resolved
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("protocol: invalid homeserver URL %q: %w", baseURL, err)
	}

	client := &HTTPClient{
		baseURL:    baseURL,
		httpClient: c.httpClient,
		logger:     c.logger,
	}
	if err := client.checkVersions(ctx); err != nil {
		return nil, fmt.Errorf("protocol: homeserver %s validation failed: %w", baseURL, err)
	}

	c.logger.Info("homeserver resolved", "server", serverName, "base_url", baseURL)
	return client, nil
}

func (c *HTTPConnector) resolveWellKnown(ctx context.Context, serverName string) (string, error) {
	wellKnownURL := "https://" + serverName + "/.well-known/matrix/client"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return "", fmt.Errorf("protocol: creating well-known request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("protocol: well-known request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("protocol: well-known returned %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("protocol: reading well-known response: %w", err)
	}

	var wellKnown wellKnownResponse
	if err := json.Unmarshal(body, &wellKnown); err != nil {
		return "", fmt.Errorf("protocol: parsing well-known response: %w", err)
	}
	if wellKnown.Homeserver.BaseURL == "" {
		return "", fmt.Errorf("protocol: well-known response has no m.homeserver base_url")
	}
	return wellKnown.Homeserver.BaseURL, nil
}

// HTTPClient is the real client-server API implementation.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewClient creates a client against an already-resolved base URL,
// bypassing discovery. Used when the endpoint is known, such as
// reconnecting to a previously validated homeserver.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("protocol: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("protocol: invalid base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the resolved homeserver endpoint.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) checkVersions(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil, nil)
	if err != nil {
		return err
	}
	var versions versionsResponse
	if err := json.Unmarshal(body, &versions); err != nil {
		return fmt.Errorf("parsing versions response: %w", err)
	}
	if len(versions.Versions) == 0 {
		return fmt.Errorf("endpoint reports no client-server API versions")
	}
	return nil
}

// Login authenticates with m.login.password and requests a refresh
// token. The password buffer is read but not closed.
func (c *HTTPClient) Login(ctx context.Context, username string, password *secret.Buffer) (*TokenSet, error) {
	if username == "" {
		return nil, fmt.Errorf("protocol: username is required for login")
	}
	if password == nil {
		return nil, fmt.Errorf("protocol: password is required for login")
	}

	// Password is converted to string at the JSON serialization
	// boundary. The heap copy is short-lived.
	request := loginRequest{
		Type:              "m.login.password",
		Identifier:        loginIdentifier{Type: "m.id.user", User: username},
		Password:          password.String(),
		DeviceDisplayName: "rachat",
		RefreshToken:      true,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, request, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: login failed: %w", err)
	}

	tokens, err := tokenSetFromAuth(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("logged in",
		"user_id", tokens.UserID,
		"device_id", tokens.DeviceID,
		"refresh_token", tokens.RefreshToken != nil,
	)
	return tokens, nil
}

// Refresh exchanges a refresh token for a fresh token set.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken *secret.Buffer) (*TokenSet, error) {
	if refreshToken == nil {
		return nil, fmt.Errorf("protocol: refresh token is required")
	}

	request := refreshRequest{RefreshToken: refreshToken.String()}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/refresh", nil, request, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: token refresh failed: %w", err)
	}
	return tokenSetFromAuth(body)
}

// WhoAmI validates an access token.
func (c *HTTPClient) WhoAmI(ctx context.Context, accessToken *secret.Buffer) (*Identity, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", accessToken, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: whoami failed: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("protocol: parsing whoami response: %w", err)
	}
	return &identity, nil
}

// Sync long-polls /sync for the next event batch.
func (c *HTTPClient) Sync(ctx context.Context, accessToken *secret.Buffer, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	if timeout > 0 {
		query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("protocol: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("protocol: parsing sync response: %w", err)
	}
	if response.NextBatch == "" {
		return nil, fmt.Errorf("protocol: sync response has no next_batch token")
	}
	return &response, nil
}

// SendMessage posts an m.room.message text event. The transaction ID
// is derived from the wall clock; retries after a confirmed failure
// get a fresh ID.
func (c *HTTPClient) SendMessage(ctx context.Context, accessToken *secret.Buffer, roomID, body string) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("protocol: room ID is required")
	}

	transactionID := strconv.FormatInt(time.Now().UnixNano(), 36)
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/m.room.message/" + transactionID

	responseBody, err := c.doRequest(ctx, http.MethodPut, path, accessToken,
		messageContent{MsgType: "m.text", Body: body}, nil)
	if err != nil {
		return "", fmt.Errorf("protocol: sending message to %s: %w", roomID, err)
	}

	var response sendResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return "", fmt.Errorf("protocol: parsing send response: %w", err)
	}
	return response.EventID, nil
}

// Logout invalidates the token server-side. A token the server
// already rejects counts as logged out.
func (c *HTTPClient) Logout(ctx context.Context, accessToken *secret.Buffer) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", accessToken, nil, nil)
	if err != nil && !IsAuthRejected(err) {
		return fmt.Errorf("protocol: logout failed: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request against the homeserver and
// returns the response body. On 2xx, returns the body. On 4xx/5xx,
// returns a *ProtocolError. accessToken may be nil for
// unauthenticated endpoints; query may be nil.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+accessToken.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses share the same JSON shape.
	var protoErr ProtocolError
	if jsonErr := json.Unmarshal(responseBody, &protoErr); jsonErr != nil || protoErr.Code == "" {
		return nil, fmt.Errorf("unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	protoErr.StatusCode = response.StatusCode
	return nil, &protoErr
}

// tokenSetFromAuth moves the tokens from a login/refresh response body
// into locked buffers.
func tokenSetFromAuth(body []byte) (*TokenSet, error) {
	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("protocol: parsing auth response: %w", err)
	}
	if auth.AccessToken == "" {
		return nil, fmt.Errorf("protocol: auth response has no access token")
	}

	accessBuffer, err := secret.NewFromBytes([]byte(auth.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("protocol: protecting access token: %w", err)
	}

	var refreshBuffer *secret.Buffer
	if auth.RefreshToken != "" {
		refreshBuffer, err = secret.NewFromBytes([]byte(auth.RefreshToken))
		if err != nil {
			accessBuffer.Close()
			return nil, fmt.Errorf("protocol: protecting refresh token: %w", err)
		}
	}

	return &TokenSet{
		UserID:       auth.UserID,
		DeviceID:     auth.DeviceID,
		AccessToken:  accessBuffer,
		RefreshToken: refreshBuffer,
	}, nil
}
