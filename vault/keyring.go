// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/rachat-im/rachat/lib/secret"
)

// keyringBackend stores credentials in the OS-native secret store
// (Secret Service on Linux, Keychain on macOS, Credential Manager on
// Windows). Secret bytes are base64-encoded at the keyring boundary
// because the underlying stores take strings.
type keyringBackend struct {
	service string
}

// Compile-time check: *keyringBackend implements Backend.
var _ Backend = (*keyringBackend)(nil)

func (b *keyringBackend) Store(key Key, value *secret.Buffer) error {
	// The base64 string is a short-lived heap copy at the API boundary.
	if err := keyring.Set(b.service, key.String(), base64.StdEncoding.EncodeToString(value.Bytes())); err != nil {
		return classifyKeyringError(err)
	}
	return nil
}

func (b *keyringBackend) Retrieve(key Key) (*secret.Buffer, error) {
	encoded, err := keyring.Get(b.service, key.String())
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyKeyringError(err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: keyring entry for %s is not valid base64: %w",
			key.String(), ErrCorrupted)
	}
	return secret.NewFromBytes(raw)
}

func (b *keyringBackend) Delete(key Key) error {
	err := keyring.Delete(b.service, key.String())
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return classifyKeyringError(err)
	}
	return nil
}

// probeKeyring reports whether the OS secret store responds at all. A
// not-found answer for the probe entry means the store is reachable.
func probeKeyring(service string) bool {
	_, err := keyring.Get(service, "availability-probe")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// classifyKeyringError maps platform keyring failures onto the vault
// taxonomy. The keyring libraries expose denial only through message
// text, so the mapping is necessarily heuristic: explicit denials
// become ErrAccessDenied, everything else ErrUnavailable. Both divert
// the operation to the fallback store.
func classifyKeyringError(err error) error {
	if errors.Is(err, keyring.ErrUnsupportedPlatform) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "denied") || strings.Contains(message, "not authorized") ||
		strings.Contains(message, "permission") {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
