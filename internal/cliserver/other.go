//go:build !linux

package cliserver

import (
	"errors"
	"os"

	"github.com/hreinecke/dredger/internal/wire"
)

var errUnsupported = errors.New("cliserver: abstract-socket credentialed transport requires linux")

// Listen is unsupported outside Linux: abstract-namespace sockets and
// SCM_CREDENTIALS are Linux-specific.
func Listen(addr string) (Transport, error) {
	return nil, errUnsupported
}

// Send is unsupported outside Linux.
func Send(addr string, cmd wire.Command, path string, fd int) ([]byte, error) {
	return nil, errUnsupported
}

// LockForMigrate is unsupported outside Linux.
func LockForMigrate(f *os.File) error { return errUnsupported }

// UnlockMigrate is unsupported outside Linux.
func UnlockMigrate(f *os.File) error { return errUnsupported }
