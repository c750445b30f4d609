// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ProtocolError is a structured error response from the homeserver.
// Callers use errors.As to extract the structured information:
//
//	var protoErr *protocol.ProtocolError
//	if errors.As(err, &protoErr) {
//	    if protoErr.Code == protocol.ErrCodeUnknownToken { ... }
//	}
type ProtocolError struct {
	// Code is the Matrix error code (e.g. "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
)

// IsProtocolError checks whether err is a *ProtocolError with the
// given error code.
func IsProtocolError(err error, code string) bool {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Code == code
	}
	return false
}

// IsAuthRejected reports whether err means the server no longer
// accepts the presented credential. This is the signal to purge the
// cached token and re-authenticate, as opposed to transient failures
// that warrant a retry with the same token.
func IsAuthRejected(err error) bool {
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		return false
	}
	switch protoErr.Code {
	case ErrCodeUnknownToken, ErrCodeMissingToken:
		return true
	case ErrCodeForbidden:
		return protoErr.StatusCode == http.StatusUnauthorized ||
			protoErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsRateLimited reports whether err is the server asking the client to
// slow down.
func IsRateLimited(err error) bool {
	return IsProtocolError(err, ErrCodeLimitExceeded)
}
