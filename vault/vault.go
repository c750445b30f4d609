// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/rachat-im/rachat/lib/secret"
)

// Vault error taxonomy. Callers match with errors.Is.
var (
	// ErrUnavailable: the OS secret store cannot be reached (no desktop
	// secret service, headless environment).
	ErrUnavailable = errors.New("vault: secret store unavailable")

	// ErrAccessDenied: the OS secret store refused the operation.
	ErrAccessDenied = errors.New("vault: access denied")

	// ErrCorrupted: stored secret failed authentication — the content
	// hash or AEAD tag did not verify. Never retried, never silently
	// accepted.
	ErrCorrupted = errors.New("vault: stored secret corrupted")

	// ErrUnsupported: the fallback container carries an unknown format
	// version. The container is not partially parsed.
	ErrUnsupported = errors.New("vault: unsupported container version")
)

// Kind identifies what a stored credential is.
type Kind string

// Credential kinds.
const (
	KindAccessToken         Kind = "access-token"
	KindRefreshToken        Kind = "refresh-token"
	KindDevicePassphrase    Kind = "device-passphrase"
	KindEncryptionExportKey Kind = "encryption-export-key"
)

// Key identifies a credential: what it is and which homeserver it
// belongs to. Keys are stable across restarts.
type Key struct {
	Kind   Kind
	Server string
}

// String returns the canonical form used as the storage identifier,
// e.g. "access-token@example.org".
func (k Key) String() string {
	return string(k.Kind) + "@" + k.Server
}

// Backend is the capability interface over a single secret store. Two
// implementations exist: the OS keyring and the encrypted file store.
// Retrieve returns (nil, nil) when the key is absent.
type Backend interface {
	Store(key Key, value *secret.Buffer) error
	Retrieve(key Key) (*secret.Buffer, error)
	Delete(key Key) error
}

// Options configures Open.
type Options struct {
	// DataDir is the per-profile data directory. The fallback store and
	// seed file live under DataDir/vault.
	DataDir string

	// Profile namespaces keyring entries so multiple profiles on one
	// machine do not collide.
	Profile string

	// Logger is used for structured diagnostics. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Vault is the layered credential store. The OS keyring is attempted
// first; ErrUnavailable and ErrAccessDenied divert the operation to the
// encrypted fallback file store. The backend split is decided once at
// Open — per-call fallback happens only on those two error kinds.
type Vault struct {
	logger   *slog.Logger
	primary  Backend // nil when the OS keyring is unavailable at startup
	fallback *FileStore
	root     *RootKey
	lockFile *os.File
}

// Open probes the OS secret store, establishes the root key, and
// acquires the advisory lock on the fallback directory. It never fails
// just because the keyring is missing — that is the degraded mode the
// fallback store exists for.
func Open(options Options) (*Vault, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vaultDir := filepath.Join(options.DataDir, "vault")
	if err := os.MkdirAll(vaultDir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: creating vault directory: %w", err)
	}

	lockFile, err := acquireLock(filepath.Join(vaultDir, "vault.lock"))
	if err != nil {
		return nil, err
	}

	service := keyringService(options.Profile)
	var primary Backend
	keyringAvailable := probeKeyring(service)
	if keyringAvailable {
		primary = &keyringBackend{service: service}
	} else {
		logger.Warn("os secret store unavailable, using encrypted fallback only",
			"service", service)
	}

	root, err := loadRootKey(service, filepath.Join(vaultDir, "rootkey.seed"), keyringAvailable, logger)
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}

	return &Vault{
		logger:   logger,
		primary:  primary,
		fallback: NewFileStore(vaultDir, root),
		root:     root,
		lockFile: lockFile,
	}, nil
}

// New assembles a vault from explicit backends. Tests use this to
// inject a failing primary; production code uses Open.
func New(primary Backend, fallback *FileStore, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		logger:   logger,
		primary:  primary,
		fallback: fallback,
		root:     fallback.root,
	}
}

// Store persists a credential. The caller retains ownership of value —
// it is read but not closed. On keyring unavailability or denial the
// write lands in the encrypted fallback store.
func (v *Vault) Store(key Key, value *secret.Buffer) error {
	if v.primary != nil {
		err := v.primary.Store(key, value)
		if err == nil {
			// Drop any copy left in the fallback from an earlier
			// degraded period; a later keyring outage must not
			// resurrect the stale value.
			if err := v.fallback.Delete(key); err != nil {
				v.logger.Warn("pruning stale fallback entry failed",
					"key", key.String(), "error", err)
			}
			return nil
		}
		if !divertsToFallback(err) {
			return err
		}
		v.logger.Warn("os secret store rejected write, using encrypted fallback",
			"key", key.String(), "error", err)
	}
	return v.fallback.Store(key, value)
}

// Retrieve returns the credential for key, or (nil, nil) when no
// backend holds it. The returned buffer is owned by the caller and must
// be closed. Corruption in the fallback store is always surfaced —
// tampered secrets are never silently accepted or retried.
func (v *Vault) Retrieve(key Key) (*secret.Buffer, error) {
	if v.primary != nil {
		value, err := v.primary.Retrieve(key)
		if err == nil && value != nil {
			return value, nil
		}
		if err != nil && !divertsToFallback(err) {
			return nil, err
		}
		if err != nil {
			v.logger.Warn("os secret store read failed, trying encrypted fallback",
				"key", key.String(), "error", err)
		}
		// Absent in the keyring: the credential may have been written
		// to the fallback during an earlier degraded period.
	}
	return v.fallback.Retrieve(key)
}

// Delete removes the credential from every backend that might hold it.
// Deleting an absent key is a no-op, not an error.
func (v *Vault) Delete(key Key) error {
	var primaryErr error
	if v.primary != nil {
		if err := v.primary.Delete(key); err != nil && !divertsToFallback(err) {
			primaryErr = err
		}
	}
	if err := v.fallback.Delete(key); err != nil {
		return err
	}
	return primaryErr
}

// DerivedPassphrase returns a deterministic 32-character alphanumeric
// passphrase for the given purpose, derived from the root key. The
// same root key and purpose always produce the same passphrase, so
// components can rebuild their passphrase after a restart without
// storing it anywhere.
func (v *Vault) DerivedPassphrase(purpose string) (*secret.Buffer, error) {
	return v.root.Passphrase(purpose)
}

// Close releases the root key memory and the advisory lock.
func (v *Vault) Close() error {
	var firstError error
	if v.root != nil {
		if err := v.root.Close(); err != nil {
			firstError = err
		}
	}
	if v.lockFile != nil {
		releaseLock(v.lockFile)
		v.lockFile = nil
	}
	return firstError
}

// divertsToFallback reports whether a primary-backend error should
// divert the operation to the fallback store. Only unavailability and
// denial divert; everything else (including corruption) surfaces.
func divertsToFallback(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrAccessDenied)
}

// acquireLock takes a non-blocking exclusive flock on path so at most
// one process instance mutates the fallback store.
func acquireLock(path string) (*os.File, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("vault: opening lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("vault: another instance holds the vault lock: %w", err)
	}
	return lockFile, nil
}

func releaseLock(lockFile *os.File) {
	_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	_ = lockFile.Close()
}

func keyringService(profile string) string {
	if profile == "" {
		profile = "default"
	}
	return "im.rachat." + profile
}
