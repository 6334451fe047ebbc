// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetkey/fleetkey/lib/fault"
	"github.com/fleetkey/fleetkey/lib/keypair"
)

// writeSlot creates a slot directory holding a fake keypair whose
// private key content is the given marker string. Digest comparisons
// in the tests identify slots by these markers.
func writeSlot(t *testing.T, store *Store, name, marker string) {
	t.Helper()
	dir := store.Path(name)
	if err := os.MkdirAll(dir, keypair.SlotDirMode); err != nil {
		t.Fatalf("creating slot %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keypair.PrivateKeyFile), []byte(marker), keypair.PrivateKeyMode); err != nil {
		t.Fatalf("writing private key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, keypair.PublicKeyFile), []byte(marker+".pub"), keypair.PublicKeyMode); err != nil {
		t.Fatalf("writing public key: %v", err)
	}
}

func digest(t *testing.T, store *Store, name string) string {
	t.Helper()
	d, err := store.KeyDigest(name)
	if err != nil {
		t.Fatalf("KeyDigest(%s): %v", name, err)
	}
	return d
}

func TestPromote(t *testing.T) {
	store := NewStore(t.TempDir())
	writeSlot(t, store, Active, "key-A")
	writeSlot(t, store, Staging, "key-B")
	digestA := digest(t, store, Active)
	digestB := digest(t, store, Staging)

	archived, err := store.Promote()
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if archived != "" {
		t.Fatalf("Promote archived %q with no prior backup", archived)
	}

	if got := digest(t, store, Active); got != digestB {
		t.Fatal("active does not hold the staged key after promote")
	}
	if got := digest(t, store, Backup); got != digestA {
		t.Fatal("backup does not hold the prior active key after promote")
	}
	if store.Exists(Staging) {
		t.Fatal("staging still exists after promote")
	}
}

func TestPromoteArchivesPriorBackup(t *testing.T) {
	store := NewStore(t.TempDir())
	store.now = func() time.Time {
		return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	}
	writeSlot(t, store, Active, "key-A")
	writeSlot(t, store, Staging, "key-B")
	writeSlot(t, store, Backup, "key-old")
	digestOld := digest(t, store, Backup)

	archived, err := store.Promote()
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if archived != "archived-20260310T093000Z" {
		t.Fatalf("archive name: got %q", archived)
	}
	if got := digest(t, store, archived); got != digestOld {
		t.Fatal("archived slot does not hold the old backup key")
	}
}

func TestArchiveNameCollision(t *testing.T) {
	store := NewStore(t.TempDir())
	store.now = func() time.Time {
		return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	}
	writeSlot(t, store, "archived-20260310T093000Z", "earlier")
	writeSlot(t, store, Active, "key-A")
	writeSlot(t, store, Staging, "key-B")
	writeSlot(t, store, Backup, "key-old")

	archived, err := store.Promote()
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if archived != "archived-20260310T093000Z-2" {
		t.Fatalf("collision archive name: got %q", archived)
	}
	// The earlier archive is untouched.
	if got := digest(t, store, "archived-20260310T093000Z"); got == "" {
		t.Fatal("earlier archive disturbed")
	}
}

func TestPromoteRequiresStaging(t *testing.T) {
	store := NewStore(t.TempDir())
	writeSlot(t, store, Active, "key-A")

	_, err := store.Promote()
	if err == nil {
		t.Fatal("Promote without staging: expected error")
	}
	if !fault.Is(err, fault.CategoryFilesystem) {
		t.Fatalf("expected filesystem fault, got %v", err)
	}
	// Active is untouched.
	if !store.Exists(Active) {
		t.Fatal("active disturbed by failed promote")
	}
}

func TestPromoteRequiresActive(t *testing.T) {
	store := NewStore(t.TempDir())
	writeSlot(t, store, Staging, "key-B")

	_, err := store.Promote()
	if err == nil {
		t.Fatal("Promote without active: expected error")
	}
	if !fault.Is(err, fault.CategoryFilesystem) {
		t.Fatalf("expected filesystem fault, got %v", err)
	}
	if !store.Exists(Staging) {
		t.Fatal("staging disturbed by failed promote")
	}
}

func TestRollbackExactness(t *testing.T) {
	store := NewStore(t.TempDir())
	writeSlot(t, store, Active, "key-A")
	writeSlot(t, store, Staging, "key-B")
	digestA := digest(t, store, Active)

	if _, err := store.Promote(); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	digestB := digest(t, store, Active)

	failed, err := store.Rollback()
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if failed == "" {
		t.Fatal("Rollback did not archive the failed credential")
	}

	if got := digest(t, store, Active); got != digestA {
		t.Fatal("rollback did not restore the pre-promotion active bytes")
	}
	if got := digest(t, store, failed); got != digestB {
		t.Fatal("failed archive does not hold the rolled-back key")
	}
	if store.Exists(Backup) {
		t.Fatal("backup still exists after rollback")
	}
}

func TestRollbackRequiresBackup(t *testing.T) {
	store := NewStore(t.TempDir())
	writeSlot(t, store, Active, "key-A")
	digestA := digest(t, store, Active)

	_, err := store.Rollback()
	if err == nil {
		t.Fatal("Rollback without backup: expected error")
	}
	if !fault.Is(err, fault.CategoryEnvironment) {
		t.Fatalf("expected environment fault, got %v", err)
	}
	if got := digest(t, store, Active); got != digestA {
		t.Fatal("active disturbed by refused rollback")
	}
}

func TestRollbackWithoutActiveCompletes(t *testing.T) {
	// A previous rollback that died between its two renames leaves
	// backup present and active absent; rolling back again finishes
	// the restore.
	store := NewStore(t.TempDir())
	writeSlot(t, store, Backup, "key-A")
	digestA := digest(t, store, Backup)

	failed, err := store.Rollback()
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if failed != "" {
		t.Fatalf("Rollback archived %q with no active present", failed)
	}
	if got := digest(t, store, Active); got != digestA {
		t.Fatal("backup not restored to active")
	}
}

func TestPromoteReassertsPermissions(t *testing.T) {
	store := NewStore(t.TempDir())
	writeSlot(t, store, Active, "key-A")
	writeSlot(t, store, Staging, "key-B")

	// Loosen the staged modes; promote must restore them.
	if err := os.Chmod(filepath.Join(store.Path(Staging), keypair.PrivateKeyFile), 0644); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := os.Chmod(store.Path(Staging), 0755); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	if _, err := store.Promote(); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	dirInfo, err := os.Stat(store.Path(Active))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := dirInfo.Mode().Perm(); mode != keypair.SlotDirMode {
		t.Fatalf("active dir mode: got %o", mode)
	}
	keyInfo, err := os.Stat(filepath.Join(store.Path(Active), keypair.PrivateKeyFile))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := keyInfo.Mode().Perm(); mode != os.FileMode(keypair.PrivateKeyMode) {
		t.Fatalf("private key mode: got %o", mode)
	}
}

func TestKeyDigestMissingSlot(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.KeyDigest(Active); err == nil {
		t.Fatal("KeyDigest on missing slot: expected error")
	}
}
