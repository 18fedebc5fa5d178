// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// aegnix-abi runs the Agent Bridge Interface: the trust broker every
// Atomic Expert passes through before publishing or receiving swarm
// intelligence. It loads the YAML configuration, restores or
// generates the ABI signing keypair, and serves the bridge API until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aegnix-foundation/aegnix/bridge"
	"github.com/aegnix-foundation/aegnix/lib/config"
	"github.com/aegnix-foundation/aegnix/lib/grant"
	"github.com/aegnix-foundation/aegnix/lib/process"
	"github.com/aegnix-foundation/aegnix/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("aegnix-abi", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to aegnix.yaml (overrides AEGNIX_CONFIG)")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		version.Print("aegnix-abi")
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	public, private, generated, err := grant.LoadOrGenerateKeypair(cfg.Paths.Keys)
	if err != nil {
		return err
	}
	if generated {
		logger.Info("generated ABI signing keypair", "dir", cfg.Paths.Keys)
	}
	logger.Info("abi starting",
		"listen", cfg.Listen,
		"policy", cfg.Paths.PolicyFile,
		"signing_key", fmt.Sprintf("%x", public[:8]),
		"version", version.Info(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(ctx, bridge.Config{
		Listen:         cfg.Listen,
		PolicyPath:     cfg.Paths.PolicyFile,
		StateDir:       cfg.Paths.State,
		SigningKey:     private,
		ReservedAgents: cfg.ReservedAgents,
		NonceTTL:       cfg.NonceTTL(),
		MaxFailures:    cfg.Handshake.MaxFailures,
		FailureWindow:  cfg.FailureWindow(),
		GrantTTL:       cfg.GrantTTL(),
		RefreshTTL:     cfg.RefreshTTL(),
		PollInterval:   cfg.PollInterval(),
		AutoTrust:      cfg.AutoTrustEnabled(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	return b.Run(ctx)
}
