// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Rachat is the headless client core: it connects to a homeserver,
// maintains the session and sync loop, and prints the event stream a
// frontend would consume.
//
// On startup:
//  1. Loads the per-profile configuration (defaults if absent) and
//     starts the config watcher.
//  2. Opens the credential vault (OS keyring, encrypted-file fallback).
//  3. Starts the engine and selects the configured homeserver. Cached
//     credentials resume the session silently; otherwise the terminal
//     prompts for a login.
//  4. Drains engine events until SIGINT/SIGTERM.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/rachat-im/rachat/bridge"
	"github.com/rachat-im/rachat/config"
	"github.com/rachat-im/rachat/engine"
	"github.com/rachat-im/rachat/lib/clock"
	"github.com/rachat-im/rachat/lib/secret"
	"github.com/rachat-im/rachat/protocol"
	"github.com/rachat-im/rachat/session"
	"github.com/rachat-im/rachat/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		profile    string
		homeserver string
		dataDir    string
	)

	pflag.StringVar(&configPath, "config", "", "path to config.yaml (default: per-profile location)")
	pflag.StringVar(&profile, "profile", "", "profile name (default: $RACHAT_PROFILE or \"default\")")
	pflag.StringVar(&homeserver, "homeserver", "", "homeserver to connect to (overrides config)")
	pflag.StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	pflag.Parse()

	if profile == "" {
		profile = os.Getenv("RACHAT_PROFILE")
	}
	if profile == "" {
		profile = "default"
	}
	if configPath == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolving config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "rachat", profile, "config.yaml")
	}

	snapshot, err := config.LoadFile(configPath, profile)
	if errors.Is(err, config.ErrNotFound) {
		snapshot = config.Default(profile)
	} else if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if homeserver != "" {
		snapshot.Homeserver = homeserver
	}
	if dataDir != "" {
		snapshot.Paths.DataDir = dataDir
	}
	if snapshot.Homeserver == "" {
		return fmt.Errorf("no homeserver configured (set homeserver in %s or pass --homeserver)", configPath)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(snapshot.Log.Level),
	}))
	slog.SetDefault(logger)
	logger.Info("starting rachat",
		"profile", profile,
		"homeserver", snapshot.Homeserver,
		"locale", snapshot.NegotiatedLocale(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credentials, err := vault.Open(vault.Options{
		DataDir: snapshot.Paths.DataDir,
		Profile: profile,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer credentials.Close()

	watcher := config.NewWatcher(configPath, profile, snapshot, clock.Real(), logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	sessions := session.NewStore(logger)
	events := bridge.New[engine.Event](256)

	worker, err := engine.New(engine.Options{
		Connector: protocol.NewConnector(nil, logger),
		Vault:     credentials,
		Sessions:  sessions,
		Events:    events,
		Config:    watcher.Current,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- worker.Run(ctx)
	}()

	if err := worker.Do(ctx, engine.SelectHomeserver{Server: snapshot.Homeserver}); err != nil {
		return fmt.Errorf("selecting homeserver: %w", err)
	}

	for {
		select {
		case <-events.Ready():
			for _, event := range events.Drain() {
				if err := handleEvent(ctx, worker, logger, event); err != nil {
					return err
				}
			}
		case err := <-engineDone:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			<-engineDone
			return nil
		}
	}
}

func handleEvent(ctx context.Context, worker *engine.Engine, logger *slog.Logger, event engine.Event) error {
	switch ev := event.(type) {
	case engine.InteractiveLoginRequired:
		username, password, err := promptCredentials(ev.Homeserver)
		if err != nil {
			return fmt.Errorf("reading credentials: %w", err)
		}
		if err := worker.Do(ctx, engine.Login{Username: username, Password: password}); err != nil {
			password.Close()
			return err
		}
	case engine.LoginCompleted:
		logger.Info("logged in", "user_id", ev.UserID, "device_id", ev.DeviceID)
	case engine.LoginFailed:
		logger.Error("login failed", "reason", ev.Reason)
	case engine.NewMessage:
		fmt.Printf("[%s] %s: %s\n", ev.RoomID, ev.Sender, ev.Body)
	case engine.RoomUpdate:
		logger.Debug("room updated", "room", ev.RoomID)
	case engine.EncryptionKeyRotated:
		logger.Info("room key rotated", "room", ev.RoomID, "session", ev.SessionID)
	case engine.MessageSent:
		logger.Info("message sent", "room", ev.RoomID, "event_id", ev.EventID)
	case engine.SendFailed:
		logger.Warn("send failed", "room", ev.RoomID, "reason", ev.Reason)
	case engine.Disconnected:
		logger.Warn("sync degraded, retrying", "reason", ev.Reason)
	case engine.SessionEnded:
		logger.Info("session ended", "reason", ev.Reason)
	case engine.CommandRejected:
		logger.Warn("command rejected", "command", ev.Command, "reason", ev.Reason)
	default:
		logger.Debug("unhandled event", "event", fmt.Sprintf("%T", event))
	}
	return nil
}

// promptCredentials reads a username and password from the terminal.
// The password never echoes and goes straight into locked memory.
func promptCredentials(homeserver string) (string, *secret.Buffer, error) {
	fmt.Fprintf(os.Stderr, "login to %s\nusername: ", homeserver)
	reader := bufio.NewReader(os.Stdin)
	username, err := reader.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("reading username: %w", err)
	}
	username = strings.TrimSpace(username)

	fmt.Fprint(os.Stderr, "password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", nil, fmt.Errorf("reading password: %w", err)
	}

	// NewFromBytes zeroes raw after copying it into locked memory.
	password, err := secret.NewFromBytes(raw)
	if err != nil {
		return "", nil, fmt.Errorf("protecting password: %w", err)
	}
	return username, password, nil
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
