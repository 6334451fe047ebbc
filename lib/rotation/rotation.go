// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package rotation orchestrates a credential rotation run end to end:
// generate a staged keypair, have the proxy daemon distribute it,
// verify it against every fleet node, and promote it. Promotion is
// fail-closed: any distribution or verification failure leaves the
// active credential untouched, with the staged material preserved on
// disk for inspection.
//
// The package also implements the operator-initiated rollback that
// restores the previous credential after a promoted key turns out to
// misbehave.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/fleetkey/fleetkey/lib/codec"
	"github.com/fleetkey/fleetkey/lib/config"
	"github.com/fleetkey/fleetkey/lib/escrow"
	"github.com/fleetkey/fleetkey/lib/fault"
	"github.com/fleetkey/fleetkey/lib/keypair"
	"github.com/fleetkey/fleetkey/lib/lockfile"
	"github.com/fleetkey/fleetkey/lib/slot"
	"github.com/fleetkey/fleetkey/lib/verify"
)

// Run outcomes. A run report carries exactly one of these.
const (
	OutcomeSucceeded           = "succeeded"
	OutcomeDryRun              = "dry-run"
	OutcomeAbortedRPC          = "aborted-rpc"
	OutcomeAbortedVerification = "aborted-verification"
	OutcomeRolledBack          = "rolled-back"
	OutcomeFailed              = "failed"
)

// DaemonClient is the subset of the proxy daemon RPC surface the
// controller needs. lib/rpc.Client implements it; tests substitute a
// fake.
type DaemonClient interface {
	EnsureClusterKeys(ctx context.Context, keyDir string) error
	RegisterNodes(ctx context.Context) ([]string, error)
}

// Verifier probes fleet nodes with a staged credential.
// lib/verify.Engine implements it.
type Verifier interface {
	Run(ctx context.Context, signer ssh.Signer, nodes []string) *verify.Report
}

// Run records one controller invocation for the audit trail. Reports
// are persisted as CBOR under the configured report directory.
type Run struct {
	// ID correlates this run's report with its log lines.
	ID string `cbor:"id" json:"id"`

	// Mode is "rotate" or "rollback".
	Mode string `cbor:"mode" json:"mode"`

	StartedAt  time.Time `cbor:"started_at" json:"started_at"`
	FinishedAt time.Time `cbor:"finished_at" json:"finished_at"`

	// Outcome is one of the Outcome constants.
	Outcome string `cbor:"outcome" json:"outcome"`

	// Fingerprint is the staged key's SHA256 fingerprint (rotate only).
	Fingerprint string `cbor:"fingerprint,omitempty" json:"fingerprint,omitempty"`

	// Nodes holds the per-node verification results, when the run got
	// that far.
	Nodes []verify.Result `cbor:"nodes,omitempty" json:"nodes,omitempty"`

	// ActiveDigestBefore and ActiveDigestAfter are SHA256 hex digests
	// of the active private key at the run boundaries.
	ActiveDigestBefore string `cbor:"active_digest_before,omitempty" json:"active_digest_before,omitempty"`
	ActiveDigestAfter  string `cbor:"active_digest_after,omitempty" json:"active_digest_after,omitempty"`

	// ArchivedSlot names the archived-<ts> or failed-<ts> slot the run
	// produced, if any.
	ArchivedSlot string `cbor:"archived_slot,omitempty" json:"archived_slot,omitempty"`

	// Error is the terminal error text for non-succeeded outcomes.
	Error string `cbor:"error,omitempty" json:"error,omitempty"`
}

// Controller drives rotation and rollback runs.
type Controller struct {
	Config   *config.Config
	Store    *slot.Store
	Daemon   DaemonClient
	Verifier Verifier
	Logger   *slog.Logger

	// DryRun reports what a rotation would do without mutating the
	// filesystem or contacting the daemon.
	DryRun bool

	// Now is the run clock. Nil means time.Now.
	Now func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Rotate performs one rotation run and returns its report alongside
// any terminal error. The report is returned even on failure so the
// caller can inspect how far the run got.
func (c *Controller) Rotate(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Mode:      "rotate",
		StartedAt: c.now().UTC(),
	}
	logger := c.Logger.With("run_id", run.ID, "mode", run.Mode)

	err := c.rotate(ctx, run, logger)
	c.finish(run, err, logger)
	return run, err
}

func (c *Controller) rotate(ctx context.Context, run *Run, logger *slog.Logger) error {
	if err := c.preflight(); err != nil {
		return err
	}
	if digest, err := c.Store.KeyDigest(slot.Active); err == nil {
		run.ActiveDigestBefore = digest
	}

	stagingDir := c.Store.Path(slot.Staging)
	if c.DryRun {
		run.Outcome = OutcomeDryRun
		logger.Info("dry run: would generate keypair", "dir", stagingDir, "comment", c.Config.Key.Comment)
		logger.Info("dry run: would distribute staged key via proxy daemon", "socket", c.Config.DaemonSocket)
		logger.Info("dry run: would verify staged key against registered nodes",
			"user", c.Config.SSH.User,
			"command", c.Config.SSH.ProbeCommand,
			"timeout", c.Config.SSH.ProbeTimeout)
		logger.Info("dry run: would promote staging to active on full verification")
		return nil
	}

	lock, err := lockfile.Acquire(c.Store.LockPath())
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return fault.Environment("another rotation is in progress: %w", err)
		}
		return fault.Environment("acquiring rotation lock: %w", err)
	}
	defer lock.Release()

	kp, err := keypair.Generate(stagingDir, c.Config.Key.Comment)
	if err != nil {
		return err
	}
	run.Fingerprint = kp.Fingerprint
	logger.Info("staged new keypair", "fingerprint", kp.Fingerprint)

	// Distribution and node discovery. Failures here abort before any
	// slot transition; the staged keypair stays on disk.
	if err := c.Daemon.EnsureClusterKeys(ctx, stagingDir); err != nil {
		run.Outcome = OutcomeAbortedRPC
		return err
	}
	nodes, err := c.Daemon.RegisterNodes(ctx)
	if err != nil {
		run.Outcome = OutcomeAbortedRPC
		return err
	}
	if len(nodes) == 0 {
		run.Outcome = OutcomeAbortedVerification
		return fault.Verification("daemon reported zero nodes; refusing to promote an unverified credential")
	}
	logger.Info("staged key distributed", "nodes", len(nodes))

	signer, err := keypair.LoadSigner(stagingDir)
	if err != nil {
		return err
	}
	report := c.Verifier.Run(ctx, signer, nodes)
	run.Nodes = report.Results
	if failed := report.Failed(); failed > 0 {
		run.Outcome = OutcomeAbortedVerification
		return fault.Verification("%d of %d nodes rejected the staged key; active credential untouched", failed, len(nodes))
	}
	logger.Info("staged key verified on every node", "nodes", len(nodes))

	archived, err := c.Store.Promote()
	run.ArchivedSlot = archived
	if err != nil {
		return err
	}
	logger.Info("staged key promoted to active", "archived", archived)
	c.sealArchived(archived, logger)

	// Re-point the daemon at the promoted directory so it serves the
	// new key from its canonical location.
	if err := c.Daemon.EnsureClusterKeys(ctx, c.Store.Path(slot.Active)); err != nil {
		return fault.RPC("promotion committed but daemon refresh failed, daemon may be serving a stale key path: %w", err)
	}

	if digest, err := c.Store.KeyDigest(slot.Active); err == nil {
		run.ActiveDigestAfter = digest
	}
	run.Outcome = OutcomeSucceeded
	return nil
}

// Rollback restores the previous credential: the current active is
// archived as failed-<ts>, backup becomes active, and the daemon
// re-distributes the restored key.
func (c *Controller) Rollback(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Mode:      "rollback",
		StartedAt: c.now().UTC(),
	}
	logger := c.Logger.With("run_id", run.ID, "mode", run.Mode)

	err := c.rollback(ctx, run, logger)
	c.finish(run, err, logger)
	return run, err
}

func (c *Controller) rollback(ctx context.Context, run *Run, logger *slog.Logger) error {
	if err := c.preflight(); err != nil {
		return err
	}
	if digest, err := c.Store.KeyDigest(slot.Active); err == nil {
		run.ActiveDigestBefore = digest
	}

	lock, err := lockfile.Acquire(c.Store.LockPath())
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return fault.Environment("another rotation is in progress: %w", err)
		}
		return fault.Environment("acquiring rotation lock: %w", err)
	}
	defer lock.Release()

	failed, err := c.Store.Rollback()
	run.ArchivedSlot = failed
	if err != nil {
		return err
	}
	logger.Info("previous credential restored", "failed_slot", failed)
	c.sealArchived(failed, logger)

	if err := c.Daemon.EnsureClusterKeys(ctx, c.Store.Path(slot.Active)); err != nil {
		return fault.RPC("rollback committed but daemon refresh failed, re-run or restart the daemon: %w", err)
	}

	if digest, err := c.Store.KeyDigest(slot.Active); err == nil {
		run.ActiveDigestAfter = digest
	}
	run.Outcome = OutcomeRolledBack
	return nil
}

// preflight validates the environment before any mutation: the base
// directory and active slot must exist. Bootstrap of the initial
// active credential is an installation step, not a rotation.
func (c *Controller) preflight() error {
	info, err := os.Stat(c.Store.Base())
	if err != nil || !info.IsDir() {
		return fault.Environment("credential base directory %s does not exist", c.Store.Base())
	}
	if !c.Store.Exists(slot.Active) {
		return fault.Environment("active slot %s does not exist; bootstrap the initial credential before rotating", c.Store.Path(slot.Active))
	}
	return nil
}

// sealArchived encrypts the private key of a freshly archived slot to
// the configured escrow recipients. Sealing is auxiliary: the rotation
// has already committed, so failures are logged and do not fail the
// run.
func (c *Controller) sealArchived(slotName string, logger *slog.Logger) {
	if slotName == "" || len(c.Config.Escrow.Recipients) == 0 {
		return
	}
	dir := c.Store.Path(slotName)
	if err := escrow.SealSlot(dir, c.Config.Escrow.Recipients); err != nil {
		logger.Error("sealing archived key failed", "slot", slotName, "error", err)
		return
	}
	logger.Info("archived key sealed to escrow recipients", "slot", slotName)
}

// finish stamps the run, records the terminal error, and persists the
// report. Dry runs are never persisted.
func (c *Controller) finish(run *Run, err error, logger *slog.Logger) {
	run.FinishedAt = c.now().UTC()
	if err != nil {
		run.Error = err.Error()
		if run.Outcome == "" {
			run.Outcome = OutcomeFailed
		}
	}

	if c.DryRun || c.Config.ReportDir == "" {
		return
	}
	if err := c.writeReport(run); err != nil {
		logger.Error("persisting run report failed", "error", err)
	}
}

func (c *Controller) writeReport(run *Run) error {
	if err := os.MkdirAll(c.Config.ReportDir, 0o750); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	name := fmt.Sprintf("run-%s-%s.cbor", run.StartedAt.Format("20060102T150405Z"), run.ID)
	data, err := codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	path := filepath.Join(c.Config.ReportDir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}
	return nil
}

// LoadReport reads a persisted run report.
func LoadReport(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run Run
	if err := codec.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run report %s: %w", path, err)
	}
	return &run, nil
}
