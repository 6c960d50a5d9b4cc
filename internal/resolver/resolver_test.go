package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_RealFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := Resolve(int(f.Fd()))
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolve_BadFD(t *testing.T) {
	_, err := Resolve(999999)
	assert.Error(t, err)
}

func TestResolve_NonLinkEntryFails(t *testing.T) {
	orig := fdPath
	defer func() { fdPath = orig }()

	dir := t.TempDir()
	// Point fdPath at a file whose content is irrelevant: os.Readlink on a
	// non-symlink regular file fails, simulating a broken /proc entry.
	regular := filepath.Join(dir, "not-a-link")
	require.NoError(t, os.WriteFile(regular, nil, 0o644))
	fdPath = func(fd int) string { return regular }

	_, err := Resolve(3)
	assert.Error(t, err)
}
