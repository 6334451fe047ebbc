// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Command fleetkey-rotate rotates the SSH credential that the
// Fleetkey proxy daemon uses to reach its fleet nodes.
//
// A rotation run generates a fresh keypair into the staging slot,
// asks the daemon to distribute it, verifies it against every
// registered node, and promotes it to active only when every node
// accepted it. --rollback restores the previous credential instead;
// --dry-run reports what a rotation would do without mutating
// anything or contacting the daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fleetkey/fleetkey/lib/config"
	"github.com/fleetkey/fleetkey/lib/fault"
	"github.com/fleetkey/fleetkey/lib/rotation"
	"github.com/fleetkey/fleetkey/lib/rpc"
	"github.com/fleetkey/fleetkey/lib/slot"
	"github.com/fleetkey/fleetkey/lib/verify"
	"github.com/fleetkey/fleetkey/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fleetkey-rotate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("fleetkey-rotate", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to fleetkey.yaml (overrides FLEETKEY_CONFIG)")
	dryRun := flags.Bool("dry-run", false, "report planned actions without mutating anything")
	rollback := flags.Bool("rollback", false, "restore the previous credential instead of rotating")
	logLevel := flags.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintln(stdout, "fleetkey-rotate", version.Info())
		return nil
	}
	if *dryRun && *rollback {
		return fault.Validation("--dry-run cannot be combined with --rollback: a rollback is always a real mutation")
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fault.Validation("loading configuration: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fault.Validation("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: logLevelFor(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := &verify.Engine{
		User:        cfg.SSH.User,
		Command:     cfg.SSH.ProbeCommand,
		Timeout:     cfg.ProbeTimeout(),
		Parallelism: cfg.SSH.Parallelism,
		Logger:      logger,
	}
	if cfg.SSH.KnownHostsFile != "" {
		engine.HostKeys, err = verify.HostKeyFile(cfg.SSH.KnownHostsFile)
		if err != nil {
			return fault.Environment("loading known hosts: %w", err)
		}
	}

	controller := &rotation.Controller{
		Config:   cfg,
		Store:    slot.NewStore(cfg.BaseDir),
		Daemon:   rpc.NewClient(cfg.DaemonSocket, logger),
		Verifier: engine,
		Logger:   logger,
		DryRun:   *dryRun,
	}

	var result *rotation.Run
	if *rollback {
		result, err = controller.Rollback(ctx)
	} else {
		result, err = controller.Rotate(ctx)
	}
	if err != nil {
		category, ok := fault.CategoryOf(err)
		if !ok {
			category = fault.CategoryEnvironment
		}
		logger.Error("run failed",
			"run_id", result.ID,
			"outcome", result.Outcome,
			"category", string(category),
			"error", err)
		return err
	}

	logger.Info("run complete", "run_id", result.ID, "outcome", result.Outcome)
	return nil
}

func logLevelFor(name string) slog.Level {
	switch name {
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
