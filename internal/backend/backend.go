// Package backend defines the abstract persistent sink for migrated file
// content and provides the reference "file" backend, which
// stores backend objects as regular files under a configurable prefix.
package backend

import (
	"context"
	"os"
)

// CheckResult is the outcome of Check.
type CheckResult int

const (
	CheckOK CheckResult = iota
	CheckStale
)

// Handle is a per-path handle created by Open, carrying backend-internal
// state. It is owned by the worker that opened it and must be closed
// unconditionally before the worker reports.
type Handle interface {
	// Close releases backend-side resources associated with the handle.
	Close() error
}

// Backend is the abstract persistent sink every plug-in implements. Every
// I/O call is bracketed by Open/Close; no two workers share a handle.
type Backend interface {
	// Name identifies the backend, as selected by the `-b` flag.
	Name() string

	// Open prepares the backend object for path, creating it (and any
	// leading directories) if absent.
	Open(ctx context.Context, path string) (Handle, error)

	// Check compares backend metadata against the frontend file already
	// open at frontend. It returns CheckOK when sizes are equal and the
	// backend's mtime is at least as recent as the frontend's, CheckStale
	// otherwise.
	Check(ctx context.Context, path string, frontend *os.File) (CheckResult, error)

	// Migrate copies frontend's contents into the backend object behind
	// handle, mirrors size/mode/uid/gid, then punches holes in (or
	// sparse-truncates) frontend to release its disk space, and finally
	// mirrors atime/mtime onto the backend copy.
	Migrate(ctx context.Context, handle Handle, frontend *os.File) error

	// Unmigrate extends frontend to the backend object's size and streams
	// the backend's contents into it, falling back to a bind mount when the
	// backend object exceeds the configured threshold or streaming is
	// partial. On a non-bind success it mirrors atime/mtime onto frontend.
	Unmigrate(ctx context.Context, handle Handle, frontend *os.File) error

	// Close releases the handle. Safe to call exactly once per handle,
	// always, regardless of the outcome of Migrate/Unmigrate/Check.
	Close(handle Handle) error
}

// ParseOptioner is implemented by backends that accept `-o k=v` option
// strings.
type ParseOptioner interface {
	ParseOption(kv string) error
}
