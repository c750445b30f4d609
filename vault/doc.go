// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault stores protocol credentials (access tokens, refresh
// tokens, device passphrases, encryption export keys) behind a layered
// secure-storage abstraction.
//
// The primary backend is the OS-native secret store (desktop keyring).
// When the keyring is unavailable — headless session, no secret
// service on the bus — or denies access, operations fall back to a
// local encrypted file store. Fallback files are sealed with
// XChaCha20-Poly1305 under per-credential keys derived from a 32-byte
// root key via BLAKE3, with a fresh random nonce on every write and a
// keyed BLAKE3 content hash stored alongside the ciphertext so external
// tampering is detected on read rather than silently accepted. The root
// key itself lives in the OS keyring when one exists, otherwise in a
// per-installation seed file with 0600 permissions.
//
// The fallback directory is guarded by an advisory flock so at most one
// process instance mutates it.
//
// Secrets cross the package boundary only as [secret.Buffer] handles,
// which are zeroed when closed. The vault never retains plaintext
// copies of stored credentials.
package vault
