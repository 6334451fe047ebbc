// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockfile provides a process-wide exclusive advisory lock
// backed by flock(2). The rotation controller holds the lock for the
// full duration of any mutating window (generate→promote, or
// rollback) so two invocations can never interleave slot renames.
//
// The lock is advisory: it only excludes other cooperating processes
// that acquire the same lock file. The lock file itself is never
// removed — flock state lives on the open descriptor, so a stale file
// from a crashed run carries no lock.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by Acquire when another process holds the lock.
var ErrHeld = errors.New("lock is held by another process")

// Lock is an acquired exclusive lock. Release it with Release; the
// lock is also released by the kernel if the process exits.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if needed) the lock file at path and takes
// an exclusive non-blocking flock on it. Returns ErrHeld (wrapped) if
// another process already holds it.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock file %s: %w", path, ErrHeld)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &Lock{file: file}, nil
}

// Release drops the lock and closes the descriptor. Idempotent.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("unlocking: %w", err)
	}
	return file.Close()
}
