// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe container for sensitive data
// such as passwords, access tokens, and encryption key material.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped — on all paths, including
// error returns. Because the memory lives outside the Go heap, the
// garbage collector cannot copy or relocate it, so no stray copies of
// the secret survive release.
//
// Constructors:
//
//   - [New] — allocates a zero-filled buffer of a given size
//   - [NewFromBytes] — copies into protected memory, zeros the source
//   - [NewFromString] — convenience for string sources at API boundaries
//
// Access via [Buffer.Bytes] (slice into the mmap region) or
// [Buffer.String] (heap copy, only for API boundaries that require a
// string). [Buffer.Equal] compares in constant time. After Close, any
// access panics. Close is idempotent.
//
// Depends only on golang.org/x/sys/unix.
package secret
