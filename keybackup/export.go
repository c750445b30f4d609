// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package keybackup exports and imports room encryption keys as a
// passphrase-protected bundle, so a user can carry their E2E history
// to a new device or survive a lost one.
//
// The bundle is JSON encrypted with age's scrypt recipient and wrapped
// in ASCII armor, making the export safe to store or mail as text. The
// decrypted plaintext passes through a [secret.Buffer] and is zeroed
// once parsed.
package keybackup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/rachat-im/rachat/lib/secret"
)

// RoomKey is one exported megolm session key: enough to decrypt the
// history of one encryption session in one room.
type RoomKey struct {
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey []byte `json:"session_key"`
	// FirstKnownIndex is the earliest message index this key decrypts.
	FirstKnownIndex uint32 `json:"first_known_index"`
}

// bundle is the JSON payload inside the encrypted export.
type bundle struct {
	Version int       `json:"version"`
	Keys    []RoomKey `json:"keys"`
}

// bundleVersion is the current export payload version.
const bundleVersion = 1

// Export encrypts keys under the given passphrase and returns an
// ASCII-armored ciphertext. The passphrase buffer is read but not
// closed — the caller retains ownership.
func Export(keys []RoomKey, passphrase *secret.Buffer) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keybackup: nothing to export")
	}

	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("keybackup: creating scrypt recipient: %w", err)
	}

	payload, err := json.Marshal(bundle{Version: bundleVersion, Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("keybackup: encoding key bundle: %w", err)
	}

	var output bytes.Buffer
	armorWriter := armor.NewWriter(&output)
	encryptWriter, err := age.Encrypt(armorWriter, recipient)
	if err != nil {
		return nil, fmt.Errorf("keybackup: creating encryptor: %w", err)
	}
	if _, err := encryptWriter.Write(payload); err != nil {
		return nil, fmt.Errorf("keybackup: encrypting key bundle: %w", err)
	}
	if err := encryptWriter.Close(); err != nil {
		return nil, fmt.Errorf("keybackup: finalizing encryption: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("keybackup: finalizing armor: %w", err)
	}

	secret.Zero(payload)
	return output.Bytes(), nil
}

// Import decrypts an armored export produced by Export. A wrong
// passphrase surfaces as a decryption error, not as garbage keys.
func Import(exported []byte, passphrase *secret.Buffer) ([]RoomKey, error) {
	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("keybackup: creating scrypt identity: %w", err)
	}

	decryptReader, err := age.Decrypt(armor.NewReader(bytes.NewReader(exported)), identity)
	if err != nil {
		return nil, fmt.Errorf("keybackup: decrypting export: %w", err)
	}
	payload, err := io.ReadAll(decryptReader)
	if err != nil {
		return nil, fmt.Errorf("keybackup: reading decrypted export: %w", err)
	}

	// Hold the plaintext in protected memory while parsing, then zero
	// everything except the parsed keys themselves.
	protected, err := secret.NewFromBytes(payload)
	if err != nil {
		secret.Zero(payload)
		return nil, err
	}
	defer protected.Close()

	var parsed bundle
	if err := json.Unmarshal(protected.Bytes(), &parsed); err != nil {
		return nil, fmt.Errorf("keybackup: export payload is not a key bundle: %w", err)
	}
	if parsed.Version != bundleVersion {
		return nil, fmt.Errorf("keybackup: unsupported bundle version %d", parsed.Version)
	}
	if len(parsed.Keys) == 0 {
		return nil, fmt.Errorf("keybackup: bundle contains no keys")
	}
	return parsed.Keys, nil
}
