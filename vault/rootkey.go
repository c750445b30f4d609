// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"github.com/zeebo/blake3"

	"github.com/rachat-im/rachat/lib/secret"
)

// rootKeySize is the size of the root key material in bytes.
const rootKeySize = 32

// keyringRootKeyName is the keyring entry name holding the root key.
const keyringRootKeyName = "root-key"

// RootKey is the root of the vault's key hierarchy. Every per-file
// encryption key, content-hash key, and derived passphrase is a BLAKE3
// subkey of it with a distinct context string, so compromising one
// derived key reveals nothing about the others.
type RootKey struct {
	material *secret.Buffer
}

// NewRootKey wraps existing 32-byte key material. Ownership of the
// buffer transfers to the RootKey.
func NewRootKey(material *secret.Buffer) (*RootKey, error) {
	if material.Len() != rootKeySize {
		return nil, fmt.Errorf("vault: root key must be %d bytes, got %d", rootKeySize, material.Len())
	}
	return &RootKey{material: material}, nil
}

// RootKeyFromSeed loads the root key from a per-installation seed file,
// generating the file (0600, exclusive create) on first use. This is
// the degraded path for installations with no OS secret store at all.
func RootKeyFromSeed(path string) (*RootKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != rootKeySize {
			secret.Zero(raw)
			return nil, fmt.Errorf("vault: seed file %s has %d bytes, want %d: %w",
				path, len(raw), rootKeySize, ErrCorrupted)
		}
		material, err := secret.NewFromBytes(raw)
		if err != nil {
			return nil, err
		}
		return NewRootKey(material)

	case errors.Is(err, os.ErrNotExist):
		material, err := generateRootKey()
		if err != nil {
			return nil, err
		}
		seedFile, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			material.Close()
			return nil, fmt.Errorf("vault: creating seed file: %w", err)
		}
		_, writeErr := seedFile.Write(material.Bytes())
		closeErr := seedFile.Close()
		if writeErr != nil || closeErr != nil {
			material.Close()
			os.Remove(path)
			return nil, fmt.Errorf("vault: writing seed file: %w", errors.Join(writeErr, closeErr))
		}
		return NewRootKey(material)

	default:
		return nil, fmt.Errorf("vault: reading seed file: %w", err)
	}
}

// loadRootKey establishes the root key: from the OS keyring when
// available (creating and storing a fresh key on first run), otherwise
// from the seed file.
func loadRootKey(service, seedPath string, keyringAvailable bool, logger *slog.Logger) (*RootKey, error) {
	if !keyringAvailable {
		return RootKeyFromSeed(seedPath)
	}

	encoded, err := keyring.Get(service, keyringRootKeyName)
	switch {
	case err == nil:
		raw, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil {
			return nil, fmt.Errorf("vault: root key in keyring is not valid base64: %w", ErrCorrupted)
		}
		if len(raw) != rootKeySize {
			secret.Zero(raw)
			return nil, fmt.Errorf("vault: root key in keyring has %d bytes, want %d: %w",
				len(raw), rootKeySize, ErrCorrupted)
		}
		material, bufErr := secret.NewFromBytes(raw)
		if bufErr != nil {
			return nil, bufErr
		}
		return NewRootKey(material)

	case errors.Is(err, keyring.ErrNotFound):
		material, genErr := generateRootKey()
		if genErr != nil {
			return nil, genErr
		}
		// The base64 copy is short-lived heap data; the keyring is the
		// durable home for the key.
		if setErr := keyring.Set(service, keyringRootKeyName, base64.StdEncoding.EncodeToString(material.Bytes())); setErr != nil {
			material.Close()
			logger.Warn("storing root key in os keyring failed, falling back to seed file",
				"error", setErr)
			return RootKeyFromSeed(seedPath)
		}
		return NewRootKey(material)

	default:
		logger.Warn("reading root key from os keyring failed, falling back to seed file",
			"error", err)
		return RootKeyFromSeed(seedPath)
	}
}

func generateRootKey() (*secret.Buffer, error) {
	raw := make([]byte, rootKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("vault: generating root key: %w", err)
	}
	return secret.NewFromBytes(raw)
}

// Derive returns a 32-byte subkey bound to the given context string.
// The context must be unique per use and must not contain secret data.
func (r *RootKey) Derive(context string) (*secret.Buffer, error) {
	subkey, err := secret.New(rootKeySize)
	if err != nil {
		return nil, err
	}
	blake3.DeriveKey(context, r.material.Bytes(), subkey.Bytes())
	return subkey, nil
}

// passphraseAlphabet is the alphanumeric alphabet for derived
// passphrases: 62 symbols, sampled without modulo bias.
const passphraseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// passphraseLength is the length of derived passphrases.
const passphraseLength = 32

// Passphrase deterministically derives a 32-character alphanumeric
// passphrase for the given purpose. Rejection sampling keeps the
// distribution uniform: bytes >= 248 (the largest multiple of 62 below
// 256) are discarded and more key stream is derived as needed.
func (r *RootKey) Passphrase(purpose string) (*secret.Buffer, error) {
	passphrase, err := secret.New(passphraseLength)
	if err != nil {
		return nil, err
	}

	output := passphrase.Bytes()
	written := 0
	for block := 0; written < passphraseLength; block++ {
		stream := make([]byte, 64)
		blake3.DeriveKey(fmt.Sprintf("im.rachat.passphrase:v1:%s:%d", purpose, block), r.material.Bytes(), stream)
		for _, value := range stream {
			if written == passphraseLength {
				break
			}
			if value >= byte(len(passphraseAlphabet))*4 { // 248
				continue
			}
			output[written] = passphraseAlphabet[value%byte(len(passphraseAlphabet))]
			written++
		}
		secret.Zero(stream)
	}
	return passphrase, nil
}

// Close zeros and releases the root key material.
func (r *RootKey) Close() error {
	return r.material.Close()
}
