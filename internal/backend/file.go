package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/hreinecke/dredger/internal/backend/kernelfs"
	"github.com/hreinecke/dredger/internal/wire"
)

// defaultBindMountThreshold is the backend-object size above which Unmigrate
// switches to the bind-mount strategy instead of streaming content. 512MiB
// mirrors a conservative "don't copy something this big through userspace on
// every open" default.
const defaultBindMountThreshold = 512 * 1024 * 1024

var errVerifyHashMismatch = errors.New("content hash mismatch after copy")

// FileBackend is the sole reference backend: it persists backend
// objects as regular files under Prefix, concatenating Prefix+path and
// creating missing parent directories with mode 0700.
type FileBackend struct {
	fsys   afero.Fs
	log    *slog.Logger
	prefix string

	bindThreshold int64
	verify        bool

	mu     sync.Mutex
	mounts map[string]string // frontend path -> backend path, active bind mounts
}

// NewFileBackend constructs a FileBackend rooted at prefix. fsys is the
// filesystem the backend tree lives on (afero.NewOsFs() in production,
// afero.NewMemMapFs() in tests).
func NewFileBackend(fsys afero.Fs, prefix string, log *slog.Logger) *FileBackend {
	return &FileBackend{
		fsys:          fsys,
		log:           log,
		prefix:        prefix,
		bindThreshold: defaultBindMountThreshold,
	}
}

// ParseOption accepts `prefix=DIR`, `bind-threshold=BYTES` and
// `verify=BOOL`.
func (b *FileBackend) ParseOption(kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return wire.WithKind(wire.KindInvalidArgument, fmt.Errorf("invalid option string %q", kv))
	}
	switch k {
	case "prefix":
		b.prefix = v
	case "bind-threshold":
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return wire.WithKind(wire.KindInvalidArgument, fmt.Errorf("invalid bind-threshold %q: %w", v, err))
		}
		b.bindThreshold = n
	case "verify":
		on, err := strconv.ParseBool(v)
		if err != nil {
			return wire.WithKind(wire.KindInvalidArgument, fmt.Errorf("invalid verify %q: %w", v, err))
		}
		b.verify = on
	default:
		return wire.WithKind(wire.KindInvalidArgument, fmt.Errorf("unknown option %q", k))
	}
	return nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) backendPath(path string) string {
	return filepath.Join(b.prefix, path)
}

// createLeadingDirectories tolerates already-existing directories but fails
// on a non-directory at an intermediate path component.
func createLeadingDirectories(fsys afero.Fs, path string, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	st, err := fsys.Stat(dir)
	if err == nil {
		if !st.IsDir() {
			return wire.WithKind(wire.KindInvalidArgument, fmt.Errorf("%q is not a directory", dir))
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return wire.WithKind(wire.KindIO, fmt.Errorf("stat %q: %w", dir, err))
	}
	if err := createLeadingDirectories(fsys, dir, mode); err != nil {
		return err
	}
	if err := fsys.Mkdir(dir, mode); err != nil && !errors.Is(err, os.ErrExist) {
		return wire.WithKind(wire.KindIO, fmt.Errorf("mkdir %q: %w", dir, err))
	}
	return nil
}

// verifyContents re-reads both sides of a completed copy from the start and
// compares their blake3 checksums over the first n bytes.
func verifyContents(src, dst io.ReadSeeker, n int64) error {
	srcHasher := blake3.New()
	dstHasher := blake3.New()

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek src for verify: %w", err)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek dst for verify: %w", err)
	}
	if _, err := io.CopyN(srcHasher, src, n); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("re-read src for verify: %w", err)
	}
	if _, err := io.CopyN(dstHasher, dst, n); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("re-read dst for verify: %w", err)
	}

	srcChecksum := hex.EncodeToString(srcHasher.Sum(nil))
	dstChecksum := hex.EncodeToString(dstHasher.Sum(nil))
	if srcChecksum != dstChecksum {
		return fmt.Errorf("%w: %s != %s", errVerifyHashMismatch, srcChecksum, dstChecksum)
	}
	return nil
}

type fileHandle struct {
	path string
	file afero.File
}

func (h *fileHandle) Close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}

// Open prepares the backend object for path, creating leading directories
// with mode 0700 as needed.
func (b *FileBackend) Open(ctx context.Context, path string) (Handle, error) {
	full := b.backendPath(path)
	if err := createLeadingDirectories(b.fsys, full, 0o700); err != nil {
		return nil, err
	}
	f, err := b.fsys.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o700)
	if err != nil {
		return nil, wire.WithKind(wire.KindIO, fmt.Errorf("open backend file %q: %w", full, err))
	}
	b.log.Debug("opened backend file", "op", "backend", "path", full)
	return &fileHandle{path: full, file: f}, nil
}

// Check compares backend metadata against the frontend file: ok iff sizes
// are equal and backend mtime >= frontend mtime.
func (b *FileBackend) Check(ctx context.Context, path string, frontend *os.File) (CheckResult, error) {
	frontendStat, err := frontend.Stat()
	if err != nil {
		return CheckStale, wire.WithKind(wire.KindIO, fmt.Errorf("stat frontend: %w", err))
	}
	full := b.backendPath(path)
	backendStat, err := b.fsys.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CheckStale, wire.WithKind(wire.KindNotFound, fmt.Errorf("backend file %q: %w", full, err))
		}
		return CheckStale, wire.WithKind(wire.KindIO, fmt.Errorf("stat backend %q: %w", full, err))
	}
	if backendStat.Size() != frontendStat.Size() {
		return CheckStale, nil
	}
	if backendStat.ModTime().Before(frontendStat.ModTime()) {
		return CheckStale, nil
	}
	return CheckOK, nil
}

// Migrate copies frontend's contents into the backend object, then punches
// holes in the frontend to release its disk space.
func (b *FileBackend) Migrate(ctx context.Context, handle Handle, frontend *os.File) error {
	h, ok := handle.(*fileHandle)
	if !ok {
		return wire.WithKind(wire.KindInvalidArgument, errors.New("wrong handle type"))
	}

	// A frontend still bind-mounted from an earlier un-migrate reads through
	// the backend object; the outgoing copy makes that view obsolete, so the
	// mount comes down before anything is streamed. A mount that cannot be
	// removed aborts the migration rather than stream through the mounted
	// view and punch holes in it.
	if err := b.TeardownMount(frontend.Name()); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("teardown bind mount: %w", err))
	}

	frontendStat, err := frontend.Stat()
	if err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("stat frontend: %w", err))
	}
	size := frontendStat.Size()

	if err := h.file.Truncate(size); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("truncate backend: %w", err))
	}
	if _, err := frontend.Seek(0, io.SeekStart); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("seek frontend: %w", err))
	}
	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("seek backend: %w", err))
	}

	backendOS, backendIsOS := kernelfs.AsOSFile(h.file)
	if backendIsOS {
		if err := kernelfs.SendFile(backendOS, frontend, size); err != nil {
			return wire.WithKind(wire.KindIO, err)
		}
		if err := kernelfs.PreserveMeta(frontend, backendOS); err != nil {
			b.log.Warn("failed preserving metadata on backend copy", "op", "migrate", "path", h.path, "error", err)
		}
	} else {
		if _, err := io.Copy(h.file, frontend); err != nil {
			return wire.WithKind(wire.KindIO, fmt.Errorf("copy to backend: %w", err))
		}
	}

	if err := h.file.Sync(); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("sync backend: %w", err))
	}

	// Re-read both copies before releasing the frontend's blocks: once the
	// holes are punched, the backend copy is the only one left.
	if b.verify {
		if err := verifyContents(frontend, h.file, size); err != nil {
			return wire.WithKind(wire.KindIO, err)
		}
	}

	// Release the frontend's disk space, leaving a sparse placeholder of the
	// same apparent size.
	if backendIsOS {
		if err := kernelfs.PunchHole(frontend, 0, size); err != nil {
			return wire.WithKind(wire.KindIO, fmt.Errorf("punch hole in frontend: %w", err))
		}
	} else {
		if err := frontend.Truncate(0); err != nil {
			return wire.WithKind(wire.KindIO, fmt.Errorf("truncate frontend: %w", err))
		}
		if size > 0 {
			if _, err := frontend.WriteAt([]byte{0}, size-1); err != nil {
				return wire.WithKind(wire.KindIO, fmt.Errorf("sparse-extend frontend: %w", err))
			}
		}
	}

	if backendIsOS {
		if err := kernelfs.MirrorTimes(frontend, backendOS); err != nil {
			b.log.Warn("failed mirroring timestamps onto backend copy", "op", "migrate", "path", h.path, "error", err)
		}
	}

	return nil
}

// Unmigrate rehydrates frontend from the backend object, switching to a
// bind-mount strategy when the object is large or streaming fails partway.
func (b *FileBackend) Unmigrate(ctx context.Context, handle Handle, frontend *os.File) error {
	h, ok := handle.(*fileHandle)
	if !ok {
		return wire.WithKind(wire.KindInvalidArgument, errors.New("wrong handle type"))
	}

	backendStat, err := h.file.Stat()
	if err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("stat backend: %w", err))
	}
	size := backendStat.Size()

	if size > b.bindThreshold {
		return b.bindMountUnmigrate(frontend.Name(), h.path)
	}

	frontendStat, err := frontend.Stat()
	if err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("stat frontend: %w", err))
	}

	backendOS, backendIsOS := kernelfs.AsOSFile(h.file)

	if frontendStat.Size() != size {
		if backendIsOS {
			if err := kernelfs.Fallocate(frontend, 0, size); err != nil {
				return wire.WithKind(wire.KindIO, fmt.Errorf("fallocate frontend: %w", err))
			}
		} else if err := frontend.Truncate(size); err != nil {
			return wire.WithKind(wire.KindIO, fmt.Errorf("truncate frontend: %w", err))
		}
	}

	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("seek backend: %w", err))
	}
	if _, err := frontend.Seek(0, io.SeekStart); err != nil {
		return wire.WithKind(wire.KindIO, fmt.Errorf("seek frontend: %w", err))
	}

	var streamErr error
	if backendIsOS {
		streamErr = kernelfs.SendFile(frontend, backendOS, size)
	} else {
		_, streamErr = io.CopyN(frontend, h.file, size)
		if errors.Is(streamErr, io.EOF) {
			streamErr = nil
		}
	}
	if streamErr != nil {
		b.log.Warn("partial stream during unmigrate, falling back to bind mount",
			"op", "unmigrate", "path", h.path, "error", streamErr)
		return b.bindMountUnmigrate(frontend.Name(), h.path)
	}

	if b.verify {
		if err := verifyContents(h.file, frontend, size); err != nil {
			return wire.WithKind(wire.KindIO, err)
		}
	}

	if backendIsOS {
		if err := kernelfs.MirrorTimes(backendOS, frontend); err != nil {
			b.log.Warn("failed mirroring timestamps onto frontend", "op", "unmigrate", "path", h.path, "error", err)
		}
	}

	return nil
}

func (b *FileBackend) bindMountUnmigrate(frontendPath, backendPath string) error {
	if err := kernelfs.BindMount(backendPath, frontendPath); err != nil {
		return wire.WithKind(wire.KindIO, err)
	}
	b.mu.Lock()
	if b.mounts == nil {
		b.mounts = make(map[string]string)
	}
	b.mounts[frontendPath] = backendPath
	b.mu.Unlock()
	b.log.Info("bind-mounted backend over frontend", "op", "unmigrate", "frontend", frontendPath, "backend", backendPath)
	return nil
}

// TeardownMount unmounts a bind mount previously created for frontendPath,
// if one is active. Migrate calls it before streaming, so a mount lives
// until the next time its path is migrated out again.
func (b *FileBackend) TeardownMount(frontendPath string) error {
	b.mu.Lock()
	_, active := b.mounts[frontendPath]
	if active {
		delete(b.mounts, frontendPath)
	}
	b.mu.Unlock()
	if !active {
		return nil
	}
	return kernelfs.Unmount(frontendPath)
}

func (b *FileBackend) Close(handle Handle) error {
	h, ok := handle.(*fileHandle)
	if !ok {
		return wire.WithKind(wire.KindInvalidArgument, errors.New("wrong handle type"))
	}
	return h.Close()
}

var _ Backend = (*FileBackend)(nil)
var _ ParseOptioner = (*FileBackend)(nil)
