// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault classifies rotation errors so the CLI can log a
// category and choose an exit path without parsing error message
// text. Every error that crosses a package boundary in this repo is
// either a *fault.Error or wraps one.
package fault

import (
	"errors"
	"fmt"
)

// Category classifies a rotation failure.
type Category string

const (
	// CategoryValidation indicates conflicting or invalid flags and
	// parameters. Raised before any side effect; the operator should
	// fix the invocation and retry.
	CategoryValidation Category = "validation"

	// CategoryEnvironment indicates the environment cannot support the
	// run: daemon socket missing, no backup to roll back to, lock held
	// by another invocation. Nothing was mutated.
	CategoryEnvironment Category = "environment"

	// CategoryRPC indicates a transport failure or a daemon-reported
	// failure on a proxy daemon call. Staging is left intact.
	CategoryRPC Category = "rpc"

	// CategoryVerification indicates one or more node probes failed
	// with the staged key. Promotion was blocked; nothing was mutated.
	CategoryVerification Category = "verification"

	// CategoryFilesystem indicates a slot transition could not complete
	// cleanly. This is the only category that can leave the daemon out
	// of sync with the filesystem; the operator must inspect and
	// possibly run --rollback.
	CategoryFilesystem Category = "filesystem"
)

// Error is a categorized rotation error. It wraps an inner error,
// preserving the chain for errors.Is/errors.As, and adds the category
// used by log output and by tests. Use the category constructors
// (Validation, Environment, ...) rather than building one directly.
type Error struct {
	Category Category
	Err      error
}

// Error returns the underlying message. The category is not included:
// it travels separately as a structured log attribute.
func (e *Error) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Validation creates a validation error: the invocation is invalid.
func Validation(format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// Environment creates an environment error: a precondition outside
// the tool's control does not hold.
func Environment(format string, args ...any) *Error {
	return &Error{Category: CategoryEnvironment, Err: fmt.Errorf(format, args...)}
}

// RPC creates an RPC error: the proxy daemon call failed.
func RPC(format string, args ...any) *Error {
	return &Error{Category: CategoryRPC, Err: fmt.Errorf(format, args...)}
}

// Verification creates a verification error: node probes failed.
func Verification(format string, args ...any) *Error {
	return &Error{Category: CategoryVerification, Err: fmt.Errorf(format, args...)}
}

// Filesystem creates a filesystem error: a slot transition failed.
func Filesystem(format string, args ...any) *Error {
	return &Error{Category: CategoryFilesystem, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category of err, walking the wrap chain.
// The boolean is false when no *Error appears in the chain.
func CategoryOf(err error) (Category, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category, true
	}
	return "", false
}

// Is reports whether err carries the given category anywhere in its
// wrap chain.
func Is(err error, category Category) bool {
	got, ok := CategoryOf(err)
	return ok && got == category
}
