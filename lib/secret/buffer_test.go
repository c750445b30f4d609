// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytes(t *testing.T) {
	source := []byte("correct horse battery staple")
	original := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), original) {
		t.Errorf("buffer contents = %q, want %q", buffer.Bytes(), original)
	}

	// The source slice must be zeroed after the copy.
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed: %d", index, value)
		}
	}
}

func TestNewFromBytesEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d): expected error", size)
		}
	}
}

func TestString(t *testing.T) {
	buffer, err := NewFromString("token-value")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "token-value" {
		t.Errorf("String() = %q, want %q", got, "token-value")
	}
	if got := buffer.Len(); got != len("token-value") {
		t.Errorf("Len() = %d, want %d", got, len("token-value"))
	}
}

func TestEqual(t *testing.T) {
	buffer, err := NewFromString("sesame")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("sesame")) {
		t.Error("Equal returned false for identical contents")
	}
	if buffer.Equal([]byte("sesame!")) {
		t.Error("Equal returned true for different length")
	}
	if buffer.Equal([]byte("sesamE")) {
		t.Error("Equal returned true for different contents")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("ephemeral")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestAccessAfterClosePanics(t *testing.T) {
	buffer, err := NewFromString("gone")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading closed buffer")
		}
	}()
	_ = buffer.Bytes()
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3}
	Zero(data)
	for index, value := range data {
		if value != 0 {
			t.Fatalf("byte %d not zeroed: %d", index, value)
		}
	}
}
