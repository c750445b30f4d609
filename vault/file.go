// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rachat-im/rachat/lib/secret"
)

// containerVersion is the current fallback-file format version. A file
// with any other version is rejected as ErrUnsupported without further
// parsing of its contents.
const containerVersion = 1

// container is the on-disk CBOR structure of a fallback credential
// file: format version, the XChaCha20-Poly1305 nonce, the authenticated
// ciphertext, and a keyed BLAKE3 hash over nonce+ciphertext that
// detects external tampering before decryption is attempted.
type container struct {
	Version    uint8  `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	Hash       []byte `cbor:"4,keyasint"`
}

// FileStore is the encrypted fallback backend. Each credential lives in
// its own file under dir, sealed under a per-credential key derived
// from the root key. A fresh random nonce is generated on every write
// so two writes of the same secret are indistinguishable on disk.
type FileStore struct {
	dir  string
	root *RootKey
}

// Compile-time check: *FileStore implements Backend.
var _ Backend = (*FileStore)(nil)

// NewFileStore creates a fallback store rooted at dir. The directory
// must already exist; Open creates it with 0700 permissions.
func NewFileStore(dir string, root *RootKey) *FileStore {
	return &FileStore{dir: dir, root: root}
}

// Store seals value into the credential file for key. The write is
// atomic: a temp file is written and renamed over the destination, so
// a crash mid-write never leaves a truncated container behind.
func (s *FileStore) Store(key Key, value *secret.Buffer) error {
	fileKey, hashKey, err := s.deriveKeys(key)
	if err != nil {
		return err
	}
	defer fileKey.Close()
	defer hashKey.Close()

	aead, err := chacha20poly1305.NewX(fileKey.Bytes())
	if err != nil {
		return fmt.Errorf("vault: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault: generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value.Bytes(), nil)

	contentHash, err := keyedHash(hashKey, nonce, ciphertext)
	if err != nil {
		return err
	}

	encoded, err := cbor.Marshal(container{
		Version:    containerVersion,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Hash:       contentHash,
	})
	if err != nil {
		return fmt.Errorf("vault: encoding container: %w", err)
	}

	path := s.path(key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, encoded, 0o600); err != nil {
		return fmt.Errorf("vault: writing credential file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("vault: committing credential file: %w", err)
	}
	return nil
}

// Retrieve opens the credential file for key. Returns (nil, nil) when
// the file does not exist. A version mismatch yields ErrUnsupported; a
// hash or AEAD failure yields ErrCorrupted.
func (s *FileStore) Retrieve(key Key) (*secret.Buffer, error) {
	encoded, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: reading credential file: %w", err)
	}

	var stored container
	if err := cbor.Unmarshal(encoded, &stored); err != nil {
		return nil, fmt.Errorf("vault: credential file for %s is not a valid container: %w",
			key.String(), ErrCorrupted)
	}
	if stored.Version != containerVersion {
		return nil, fmt.Errorf("vault: credential file for %s has format version %d: %w",
			key.String(), stored.Version, ErrUnsupported)
	}

	fileKey, hashKey, err := s.deriveKeys(key)
	if err != nil {
		return nil, err
	}
	defer fileKey.Close()
	defer hashKey.Close()

	expectedHash, err := keyedHash(hashKey, stored.Nonce, stored.Ciphertext)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expectedHash, stored.Hash) != 1 {
		return nil, fmt.Errorf("vault: content hash mismatch for %s: %w", key.String(), ErrCorrupted)
	}

	aead, err := chacha20poly1305.NewX(fileKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	if len(stored.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("vault: bad nonce length for %s: %w", key.String(), ErrCorrupted)
	}
	plaintext, err := aead.Open(nil, stored.Nonce, stored.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: authenticated decryption failed for %s: %w", key.String(), ErrCorrupted)
	}

	// NewFromBytes zeros the heap plaintext after moving it into
	// protected memory.
	return secret.NewFromBytes(plaintext)
}

// Delete removes the credential file for key. Deleting an absent key
// is a no-op.
func (s *FileStore) Delete(key Key) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vault: deleting credential file: %w", err)
	}
	return nil
}

// path maps a credential key to its file. The name is a BLAKE3 hash of
// the canonical key string, so arbitrary server names never produce
// filesystem-unsafe paths.
func (s *FileStore) path(key Key) string {
	sum := blake3.Sum256([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".cred")
}

// deriveKeys returns the per-credential encryption and hash subkeys.
func (s *FileStore) deriveKeys(key Key) (fileKey, hashKey *secret.Buffer, err error) {
	fileKey, err = s.root.Derive("im.rachat.vault.file:v1:" + key.String())
	if err != nil {
		return nil, nil, err
	}
	hashKey, err = s.root.Derive("im.rachat.vault.hash:v1:" + key.String())
	if err != nil {
		fileKey.Close()
		return nil, nil, err
	}
	return fileKey, hashKey, nil
}

// keyedHash computes the keyed BLAKE3 content hash over nonce and
// ciphertext.
func keyedHash(hashKey *secret.Buffer, nonce, ciphertext []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(hashKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: creating keyed hasher: %w", err)
	}
	hasher.Write(nonce)
	hasher.Write(ciphertext)
	return hasher.Sum(nil), nil
}
