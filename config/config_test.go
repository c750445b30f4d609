// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
homeserver: example.org
locale:
  preferred: ["de-DE", "en-US"]
display:
  theme: dark
auth:
  interactive_fallback: false
log:
  level: debug
`)

	snapshot, err := LoadFile(path, "default")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if snapshot.Homeserver != "example.org" {
		t.Errorf("Homeserver = %q, want %q", snapshot.Homeserver, "example.org")
	}
	if len(snapshot.Locale.Preferred) != 2 || snapshot.Locale.Preferred[0] != "de-DE" {
		t.Errorf("Locale.Preferred = %v", snapshot.Locale.Preferred)
	}
	if snapshot.Display.Theme != "dark" {
		t.Errorf("Display.Theme = %q, want %q", snapshot.Display.Theme, "dark")
	}
	if snapshot.Auth.InteractiveFallback {
		t.Error("Auth.InteractiveFallback = true, want false")
	}
	if snapshot.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", snapshot.Log.Level, "debug")
	}

	// Missing keys keep their defaults.
	if snapshot.Display.TimeFormat != "15:04" {
		t.Errorf("Display.TimeFormat = %q, want default %q", snapshot.Display.TimeFormat, "15:04")
	}
	if snapshot.Paths.DataDir == "" {
		t.Error("Paths.DataDir default missing")
	}
}

func TestLoadFileIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
homeserver: example.org
some_future_option: true
nested:
  also_unknown: [1, 2, 3]
`)

	snapshot, err := LoadFile(path, "default")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if snapshot.Homeserver != "example.org" {
		t.Errorf("Homeserver = %q, want %q", snapshot.Homeserver, "example.org")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), "default")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadFile = %v, want ErrNotFound", err)
	}
}

func TestLoadFileMalformed(t *testing.T) {
	path := writeConfig(t, "homeserver: [unclosed")
	_, err := LoadFile(path, "default")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("LoadFile = %v, want ErrMalformed", err)
	}
}

func TestLoadFileExpandsPathVariables(t *testing.T) {
	t.Setenv("RACHAT_TEST_ROOT", "/srv/rachat")
	path := writeConfig(t, `
paths:
  data_dir: ${RACHAT_TEST_ROOT}/data
  cache_dir: ${RACHAT_TEST_UNSET:-/tmp/cache}
`)

	snapshot, err := LoadFile(path, "default")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if snapshot.Paths.DataDir != "/srv/rachat/data" {
		t.Errorf("DataDir = %q, want %q", snapshot.Paths.DataDir, "/srv/rachat/data")
	}
	if snapshot.Paths.CacheDir != "/tmp/cache" {
		t.Errorf("CacheDir = %q, want %q", snapshot.Paths.CacheDir, "/tmp/cache")
	}
}

func TestDefaultProfilePaths(t *testing.T) {
	snapshot := Default("work")
	if snapshot.Paths.DataDir == Default("default").Paths.DataDir {
		t.Error("profiles share a data directory")
	}
	if !snapshot.Auth.InteractiveFallback {
		t.Error("InteractiveFallback default should be true")
	}
}
