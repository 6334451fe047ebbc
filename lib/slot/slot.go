// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package slot implements the credential state store: a small set of
// named directories under one base directory, each holding exactly
// one keypair.
//
//	base/active/          the credential the daemon treats as authoritative
//	base/staging/         a candidate mid-rotation (absent otherwise)
//	base/backup/          the immediately-prior active credential
//	base/archived-<ts>/   superseded backups, kept forever
//	base/failed-<ts>/     promoted credentials undone by rollback
//
// All transitions are directory renames within the base directory,
// never byte copies, so each step is a single atomic filesystem
// operation and the window of inconsistency is one rename call.
package slot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetkey/fleetkey/lib/fault"
	"github.com/fleetkey/fleetkey/lib/keypair"
)

// Slot names with fixed roles. Archive and failed slots are
// timestamp-suffixed and produced by transitions, never configured.
const (
	Active  = "active"
	Staging = "staging"
	Backup  = "backup"
)

// archiveTimeFormat names archived and failed slots. UTC, second
// granularity; collisions within one second get a numeric suffix.
const archiveTimeFormat = "20060102T150405Z"

// Store manages the slot directories under one base directory.
type Store struct {
	base string

	// now is the clock for archive naming. Overridden in tests.
	now func() time.Time
}

// NewStore returns a store rooted at base. The base directory must
// already exist; the store never creates or removes it.
func NewStore(base string) *Store {
	return &Store{base: base, now: time.Now}
}

// Base returns the base directory.
func (s *Store) Base() string { return s.base }

// Path returns the directory for a named slot.
func (s *Store) Path(name string) string {
	return filepath.Join(s.base, name)
}

// LockPath returns the advisory lock file guarding slot transitions.
func (s *Store) LockPath() string {
	return filepath.Join(s.base, ".rotation.lock")
}

// Exists reports whether the named slot directory is present.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && info.IsDir()
}

// archiveName returns an unused timestamp-suffixed slot name with the
// given prefix ("archived" or "failed"). Existing archives are never
// overwritten: collisions within the same second get -2, -3, ...
func (s *Store) archiveName(prefix string) string {
	stamp := s.now().UTC().Format(archiveTimeFormat)
	name := fmt.Sprintf("%s-%s", prefix, stamp)
	for suffix := 2; s.Exists(name); suffix++ {
		name = fmt.Sprintf("%s-%s-%d", prefix, stamp, suffix)
	}
	return name
}

// Promote makes the staged credential active:
//
//  1. an existing backup is renamed to archived-<ts>
//  2. active is renamed to backup
//  3. staging is renamed to active
//  4. permissions are reasserted on the new active directory
//
// Returns the archive slot name from step 1, or "" if there was no
// prior backup. Any failure mid-sequence is a fault.Filesystem error
// and must be surfaced loudly: the daemon may then be out of sync
// with the filesystem.
func (s *Store) Promote() (string, error) {
	if !s.Exists(Staging) {
		return "", fault.Filesystem("staging slot %s does not exist, nothing to promote", s.Path(Staging))
	}
	if !s.Exists(Active) {
		return "", fault.Filesystem("active slot %s does not exist; bootstrap the initial credential before rotating", s.Path(Active))
	}

	archived := ""
	if s.Exists(Backup) {
		archived = s.archiveName("archived")
		if err := os.Rename(s.Path(Backup), s.Path(archived)); err != nil {
			return "", fault.Filesystem("archiving backup to %s: %w", archived, err)
		}
	}

	if err := os.Rename(s.Path(Active), s.Path(Backup)); err != nil {
		return archived, fault.Filesystem("demoting active to backup: %w", err)
	}
	if err := os.Rename(s.Path(Staging), s.Path(Active)); err != nil {
		return archived, fault.Filesystem("promoting staging to active: %w", err)
	}

	if err := s.reassertPermissions(Active); err != nil {
		return archived, err
	}
	return archived, nil
}

// Rollback undoes a promotion: the current active is archived as
// failed-<ts> for postmortem, and backup is restored to active.
// Requires a backup slot; without one there is nothing to restore and
// the store is left untouched.
//
// Returns the failed archive slot name, or "" when there was no
// active to archive (a previous rollback died between its two
// renames; restoring backup completes it).
func (s *Store) Rollback() (string, error) {
	if !s.Exists(Backup) {
		return "", fault.Environment("backup slot %s does not exist, nothing to roll back to", s.Path(Backup))
	}

	failed := ""
	if s.Exists(Active) {
		failed = s.archiveName("failed")
		if err := os.Rename(s.Path(Active), s.Path(failed)); err != nil {
			return "", fault.Filesystem("archiving active to %s: %w", failed, err)
		}
	}

	if err := os.Rename(s.Path(Backup), s.Path(Active)); err != nil {
		return failed, fault.Filesystem("restoring backup to active: %w", err)
	}

	if err := s.reassertPermissions(Active); err != nil {
		return failed, err
	}
	return failed, nil
}

// reassertPermissions restores the expected mode bits on a slot after
// a transition: 0750 on the directory, 0600 on the private key, 0640
// on everything else. The files are already owned by the rotation
// account (renames preserve ownership), so no chown is needed.
func (s *Store) reassertPermissions(name string) error {
	dir := s.Path(name)
	if err := os.Chmod(dir, keypair.SlotDirMode); err != nil {
		return fault.Filesystem("restoring mode on %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fault.Filesystem("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		mode := os.FileMode(keypair.PublicKeyMode)
		if entry.Name() == keypair.PrivateKeyFile {
			mode = keypair.PrivateKeyMode
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Chmod(path, mode); err != nil {
			return fault.Filesystem("restoring mode on %s: %w", path, err)
		}
	}
	return nil
}

// KeyDigest returns the SHA256 hex digest of the named slot's private
// key file, streamed in chunks. Used by run reports and by the
// rotation invariant checks (no-swap-on-failure, rollback exactness).
func (s *Store) KeyDigest(name string) (string, error) {
	path := filepath.Join(s.Path(name), keypair.PrivateKeyFile)
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for digest: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("digesting %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
