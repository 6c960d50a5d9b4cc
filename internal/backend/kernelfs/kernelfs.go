//go:build linux

// Package kernelfs wraps the handful of Linux-specific kernel calls the file
// backend needs beyond what afero.Fs exposes: hole punching, fallocate,
// sendfile, metadata mirroring and bind-mount teardown.
package kernelfs

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AsOSFile recovers the concrete *os.File behind an afero.File, when the
// underlying afero.Fs is backed by the real OS (afero.OsFs). It fails for
// in-memory filesystems used in tests, which fall back to plain io.Copy
// instead of the raw syscalls below.
func AsOSFile(f interface{ Name() string }) (*os.File, bool) {
	osf, ok := f.(*os.File)
	return osf, ok
}

// SendFile copies up to n bytes from src's current offset to dst's current
// offset, using the sendfile(2) syscall. It stops early, without an error,
// if src reaches end of file first.
func SendFile(dst, src *os.File, n int64) error {
	var off int64
	for off < n {
		written, err := unix.Sendfile(int(dst.Fd()), int(src.Fd()), nil, int(n-off))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("sendfile: %w", err)
		}
		if written == 0 {
			break
		}
		off += int64(written)
	}
	return nil
}

// PunchHole releases the allocated blocks in [offset, offset+length) of f
// without changing its apparent size, via fallocate(FALLOC_FL_PUNCH_HOLE).
// Falls back to Truncate(0)+sparse-extend when the filesystem does not
// support the operation.
func PunchHole(f *os.File, offset, length int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err == nil {
		return nil
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return sparseExtend(f, offset+length)
	}
	return fmt.Errorf("fallocate: %w", err)
}

// sparseExtend truncates the file to zero then extends it back to size via a
// one-byte write at the final offset, producing a sparse file the same way
// the original C implementation does when ftruncate-to-zero is followed by a
// seek-and-write-one-byte.
func sparseExtend(f *os.File, size int64) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if size == 0 {
		return nil
	}
	if _, err := f.WriteAt([]byte{0}, size-1); err != nil {
		return fmt.Errorf("sparse extend: %w", err)
	}
	return nil
}

// Fallocate pre-allocates length bytes starting at offset, used to grow the
// frontend to the backend's size before an un-migrate streams content in.
func Fallocate(f *os.File, offset, length int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, offset, length); err != nil {
		return fmt.Errorf("fallocate: %w", err)
	}
	return nil
}

// PreserveMeta mirrors mode, uid and gid from src onto dst.
func PreserveMeta(src, dst *os.File) error {
	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	sys, ok := st.Sys().(*unix.Stat_t)
	if !ok {
		return nil
	}
	if err := dst.Chmod(st.Mode()); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := unix.Fchown(int(dst.Fd()), int(sys.Uid), int(sys.Gid)); err != nil {
		return fmt.Errorf("chown: %w", err)
	}
	return nil
}

// MirrorTimes sets dst's atime/mtime to src's.
func MirrorTimes(src, dst *os.File) error {
	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	sys, ok := st.Sys().(*unix.Stat_t)
	if !ok {
		return nil
	}
	atime := time.Unix(sys.Atim.Sec, sys.Atim.Nsec)
	mtime := time.Unix(sys.Mtim.Sec, sys.Mtim.Nsec)
	if err := os.Chtimes(dst.Name(), atime, mtime); err != nil {
		return fmt.Errorf("chtimes: %w", err)
	}
	return nil
}

// BindMount bind-mounts src over dst, the un-migrate fallback strategy for
// large or partially-streamed backend objects.
func BindMount(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Unmount tears down a bind mount created by BindMount.
func Unmount(dst string) error {
	if err := unix.Unmount(dst, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", dst, err)
	}
	return nil
}
