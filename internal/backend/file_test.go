package backend

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hreinecke/dredger/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackend_OpenCreatesLeadingDirectories(t *testing.T) {
	fsys := afero.NewMemMapFs()
	be := NewFileBackend(fsys, "/backend", discardLogger())

	h, err := be.Open(context.Background(), "/data/a.txt")
	require.NoError(t, err)
	defer h.Close()

	info, err := fsys.Stat("/backend/data")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileBackend_CheckMissingIsNotFound(t *testing.T) {
	fsys := afero.NewMemMapFs()
	be := NewFileBackend(fsys, "/backend", discardLogger())

	frontendDir := t.TempDir()
	frontendPath := filepath.Join(frontendDir, "a.txt")
	require.NoError(t, os.WriteFile(frontendPath, []byte("hello\n"), 0o644))
	f, err := os.Open(frontendPath)
	require.NoError(t, err)
	defer f.Close()

	_, err = be.Check(context.Background(), "/a.txt", f)
	require.Error(t, err)
	assert.Equal(t, wire.KindNotFound, wire.KindOf(err))
}

func TestFileBackend_CheckStaleOnSizeMismatch(t *testing.T) {
	fsys := afero.NewMemMapFs()
	be := NewFileBackend(fsys, "/backend", discardLogger())

	require.NoError(t, afero.WriteFile(fsys, "/backend/a.txt", []byte("longer content"), 0o600))

	frontendDir := t.TempDir()
	frontendPath := filepath.Join(frontendDir, "a.txt")
	require.NoError(t, os.WriteFile(frontendPath, []byte("short"), 0o644))
	f, err := os.Open(frontendPath)
	require.NoError(t, err)
	defer f.Close()

	result, err := be.Check(context.Background(), "/a.txt", f)
	require.NoError(t, err)
	assert.Equal(t, CheckStale, result)
}

func TestFileBackend_MigrateRoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	be := NewFileBackend(fsys, "/backend", discardLogger())

	frontendDir := t.TempDir()
	frontendPath := filepath.Join(frontendDir, "a.txt")
	require.NoError(t, os.WriteFile(frontendPath, []byte("hello\n"), 0o644))

	front, err := os.OpenFile(frontendPath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer front.Close()

	h, err := be.Open(context.Background(), "/a.txt")
	require.NoError(t, err)

	require.NoError(t, be.Migrate(context.Background(), h, front))
	require.NoError(t, be.Close(h))

	backendContent, err := afero.ReadFile(fsys, "/backend/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(backendContent))

	frontendStat, err := front.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(6), frontendStat.Size())

	h2, err := be.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	defer h2.Close()

	require.NoError(t, be.Unmigrate(context.Background(), h2, front))

	frontendContent, err := os.ReadFile(frontendPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(frontendContent))
}

func TestFileBackend_MigrateWithVerify(t *testing.T) {
	fsys := afero.NewMemMapFs()
	be := NewFileBackend(fsys, "/backend", discardLogger())
	require.NoError(t, be.ParseOption("verify=true"))

	frontendDir := t.TempDir()
	frontendPath := filepath.Join(frontendDir, "a.txt")
	require.NoError(t, os.WriteFile(frontendPath, []byte("hello\n"), 0o644))

	front, err := os.OpenFile(frontendPath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer front.Close()

	h, err := be.Open(context.Background(), "/a.txt")
	require.NoError(t, err)

	require.NoError(t, be.Migrate(context.Background(), h, front))
	require.NoError(t, be.Close(h))

	backendContent, err := afero.ReadFile(fsys, "/backend/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(backendContent))
}

func TestVerifyContents_Mismatch(t *testing.T) {
	src := strings.NewReader("hello\n")
	dst := strings.NewReader("hellX\n")

	err := verifyContents(src, dst, 6)
	require.ErrorIs(t, err, errVerifyHashMismatch)
}

func TestVerifyContents_Match(t *testing.T) {
	src := strings.NewReader("hello\n")
	dst := strings.NewReader("hello\n")

	require.NoError(t, verifyContents(src, dst, 6))
}

func TestCreateLeadingDirectories_FailsOnNonDirComponent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/backend/notadir", []byte("x"), 0o600))

	err := createLeadingDirectories(fsys, "/backend/notadir/child.txt", 0o700)
	require.Error(t, err)
}

func TestCreateLeadingDirectories_TolerateExisting(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/backend/data", 0o700))

	err := createLeadingDirectories(fsys, "/backend/data/child.txt", 0o700)
	require.NoError(t, err)
}

func TestFileBackend_ParseOptionPrefix(t *testing.T) {
	be := NewFileBackend(afero.NewMemMapFs(), "", discardLogger())
	require.NoError(t, be.ParseOption("prefix=/srv/backend"))
	assert.Equal(t, "/srv/backend", be.prefix)
}

func TestFileBackend_TeardownMountNoopWhenNotMounted(t *testing.T) {
	be := NewFileBackend(afero.NewMemMapFs(), "/backend", discardLogger())
	require.NoError(t, be.TeardownMount("/front/a.txt"))
}

func TestFileBackend_ParseOptionVerify(t *testing.T) {
	be := NewFileBackend(afero.NewMemMapFs(), "", discardLogger())
	require.NoError(t, be.ParseOption("verify=true"))
	assert.True(t, be.verify)
	require.Error(t, be.ParseOption("verify=maybe"))
}

func TestFileBackend_ParseOptionInvalid(t *testing.T) {
	be := NewFileBackend(afero.NewMemMapFs(), "", discardLogger())
	require.Error(t, be.ParseOption("garbage"))
}
