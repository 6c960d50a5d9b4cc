// Package fanotify is a thin, mockable wrapper around the fanotify syscalls
// golang.org/x/sys/unix exposes, scoped to exactly what the permission
// watcher and command server need: a pre-content permission subscription,
// one event at a time, and a verdict write-back.
package fanotify

import (
	"context"
	"time"
)

// AccessPermBit is set on an event's mask when it is a pre-content
// permission event that owes a verdict.
const AccessPermBit = 1

// Event is one fanotify_event_metadata record, reduced to the fields the
// watcher needs.
type Event struct {
	// Fd is the kernel-supplied access handle for the file the event names.
	// Valid only in the daemon's own process.
	Fd int
	// Mask holds the event bits (e.g. whether AccessPermBit is set).
	Mask uint64
	// PID is the process that triggered the event.
	PID int
}

// HasAccessPerm reports whether the event carries a permission bit owing a
// verdict.
func (e Event) HasAccessPerm() bool {
	return e.Mask&AccessPermBit != 0
}

// Subscription is the fanotify surface the watcher and command server
// consume. The real implementation (linux.go) wraps golang.org/x/sys/unix;
// tests substitute a fake.
type Subscription interface {
	// WaitReadable blocks up to timeout for an event to be available, or
	// until ctx is cancelled. It returns true if an event is ready to read.
	WaitReadable(ctx context.Context, timeout time.Duration) (bool, error)

	// ReadEvent reads exactly one event record.
	ReadEvent() (Event, error)

	// WriteResponse writes the ALLOW/DENY verdict for the access handle fd
	// and is responsible for closing fd afterward.
	WriteResponse(fd int, allow bool) error

	// Drop closes an event handle that owes no verdict (a non-permission
	// event, or one with an invalid fd). It must not write to the
	// fanotify fd.
	Drop(fd int) error

	// AddAccessMark adds a pre-content access-permission mark (with
	// FAN_EVENT_ON_CHILD) so future accesses under path trap.
	AddAccessMark(path string) error

	// RemoveAccessMark removes a mark added by AddAccessMark.
	RemoveAccessMark(path string) error

	// AddChangeMark adds a non-permission change-notification mark, as
	// requested by the MONITOR command.
	AddChangeMark(path string) error

	// Close releases the underlying fanotify descriptor.
	Close() error
}
