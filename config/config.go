// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the client configuration and republishes it as
// immutable snapshots when the file changes on disk.
//
// A [Snapshot] is never mutated in place: the watcher builds a fresh
// value from the file and swaps it in atomically, so any holder of an
// older snapshot keeps a consistent view until it re-reads. Read or
// parse failures are non-fatal — the previous snapshot stays current
// and the error is logged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config error taxonomy. Both are non-fatal for the watcher: consumers
// keep the previous snapshot.
var (
	// ErrNotFound: the config file does not exist.
	ErrNotFound = errors.New("config: file not found")

	// ErrMalformed: the config file exists but could not be parsed.
	ErrMalformed = errors.New("config: malformed file")
)

// Snapshot is an immutable view of the configuration. Unknown keys in
// the file are ignored for forward compatibility; missing keys take
// the defaults from [Default].
type Snapshot struct {
	// Homeserver is the server name offered as the login default.
	Homeserver string `yaml:"homeserver"`

	// Locale configures the translation preference chain.
	Locale LocaleConfig `yaml:"locale"`

	// Display configures theme and formatting options consumed by the
	// presentation layer.
	Display DisplayConfig `yaml:"display"`

	// Paths configures where profile data lives on disk.
	Paths PathsConfig `yaml:"paths"`

	// Auth configures login policy.
	Auth AuthConfig `yaml:"auth"`

	// Log configures diagnostic output.
	Log LogConfig `yaml:"log"`
}

// LocaleConfig is the user's locale preference chain, most preferred
// first, in BCP 47 form (e.g. "de-DE").
type LocaleConfig struct {
	Preferred []string `yaml:"preferred"`
}

// DisplayConfig holds theme and formatting options. The engine treats
// these as opaque; they ride along in the snapshot for the
// presentation layer.
type DisplayConfig struct {
	// Theme is "system", "light", or "dark".
	Theme string `yaml:"theme"`

	// TimeFormat is a Go reference-time layout for message timestamps.
	TimeFormat string `yaml:"time_format"`
}

// PathsConfig configures per-profile directory locations.
type PathsConfig struct {
	// DataDir holds durable state: the vault, sync caches.
	DataDir string `yaml:"data_dir"`

	// CacheDir holds recreatable state: media, thumbnails.
	CacheDir string `yaml:"cache_dir"`
}

// AuthConfig configures login policy.
type AuthConfig struct {
	// InteractiveFallback controls what happens when silent
	// re-authentication with a cached credential fails: true (the
	// default) falls through to requesting interactive login from the
	// user; false reports the failure and waits for an explicit
	// command.
	InteractiveFallback bool `yaml:"interactive_fallback"`
}

// LogConfig configures diagnostics.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// Default returns the default configuration for a profile. These are
// the values missing keys fall back to.
func Default(profile string) *Snapshot {
	if profile == "" {
		profile = "default"
	}
	homeDir, _ := os.UserHomeDir()
	return &Snapshot{
		Locale: LocaleConfig{
			Preferred: nil, // negotiate to the built-in default
		},
		Display: DisplayConfig{
			Theme:      "system",
			TimeFormat: "15:04",
		},
		Paths: PathsConfig{
			DataDir:  filepath.Join(homeDir, ".local", "share", "rachat", profile),
			CacheDir: filepath.Join(homeDir, ".cache", "rachat", profile),
		},
		Auth: AuthConfig{
			InteractiveFallback: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile reads a snapshot from path, overlaying the file's values on
// the defaults for the given profile. Unknown keys are ignored.
func LoadFile(path, profile string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	snapshot := Default(profile)
	if err := yaml.Unmarshal(raw, snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}

	snapshot.expandPaths()
	return snapshot, nil
}

// expandPaths expands ${VAR} and ${VAR:-default} patterns in path
// fields, so config files stay portable across home directories.
func (s *Snapshot) expandPaths() {
	s.Paths.DataDir = expandVars(s.Paths.DataDir)
	s.Paths.CacheDir = expandVars(s.Paths.CacheDir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(value string) string {
	return varPattern.ReplaceAllStringFunc(value, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if resolved := os.Getenv(parts[1]); resolved != "" {
			return resolved
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
