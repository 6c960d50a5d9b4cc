package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestParseArgs_Defaults(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front"}

	prog, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.NoError(t, err)
	require.NotNil(t, prog)

	require.Equal(t, "/front", prog.opts.FrontendRoot)
	require.Equal(t, "file", prog.opts.Backend)
	require.Empty(t, prog.opts.BackendOpts)
	require.Equal(t, defaultLogPriority, prog.opts.LogPriority)
	require.False(t, prog.opts.JSON)
	require.False(t, prog.isClientMode())
	require.NotNil(t, prog.be)
}

func TestParseArgs_AllFlags(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{
		"dredger",
		"-d", "/front",
		"-b", "file",
		"-o", "prefix=/srv/backend",
		"-o", "verify=true",
		"-p", "7",
		"--json",
	}

	prog, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.NoError(t, err)

	require.Equal(t, "/front", prog.opts.FrontendRoot)
	require.Equal(t, "file", prog.opts.Backend)
	require.Equal(t, optsArg{"prefix=/srv/backend", "verify=true"}, prog.opts.BackendOpts)
	require.Equal(t, 7, prog.opts.LogPriority)
	require.True(t, prog.opts.JSON)
}

func TestParseArgs_ConfigFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	yamlContent := `
frontend-root: /front
backend: file
backend-opts:
  - prefix=/srv/backend
log-priority: 7
json: true
`
	require.NoError(t, afero.WriteFile(fs, "/config.yaml", []byte(yamlContent), 0o644))

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "--config", "/config.yaml"}

	prog, err := newProgram(args, fs, &stdout, &stderr)
	require.NoError(t, err)

	require.Equal(t, "/front", prog.opts.FrontendRoot)
	require.Equal(t, optsArg{"prefix=/srv/backend"}, prog.opts.BackendOpts)
	require.Equal(t, 7, prog.opts.LogPriority)
	require.True(t, prog.opts.JSON)
}

func TestParseArgs_FlagsWinOverConfigFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	yamlContent := `
frontend-root: /yaml-front
log-priority: 7
`
	require.NoError(t, afero.WriteFile(fs, "/config.yaml", []byte(yamlContent), 0o644))

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "--config", "/config.yaml", "-d", "/cli-front", "-p", "4"}

	prog, err := newProgram(args, fs, &stdout, &stderr)
	require.NoError(t, err)

	require.Equal(t, "/cli-front", prog.opts.FrontendRoot)
	require.Equal(t, 4, prog.opts.LogPriority)
}

func TestParseArgs_ConfigFileMissing(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "--config", "/nope.yaml", "-d", "/front"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.ErrorIs(t, err, errArgConfigMissing)
}

func TestParseArgs_ConfigFileUnknownField(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config.yaml", []byte("bogus-key: 1\n"), 0o644))

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "--config", "/config.yaml", "-d", "/front"}

	_, err := newProgram(args, fs, &stdout, &stderr)
	require.ErrorIs(t, err, errArgConfigMalformed)
}

func TestValidateOpts_MissingRoot(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.ErrorIs(t, err, errArgMissingFrontendRoot)
}

func TestValidateOpts_RelativeRoot(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "front"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.ErrorIs(t, err, errArgFrontendRootNotAbs)
}

func TestValidateOpts_UnknownBackend(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front", "-b", "tape"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.ErrorIs(t, err, errArgUnknownBackend)
}

func TestValidateOpts_BadLogPriority(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front", "-p", "8"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.ErrorIs(t, err, errArgInvalidLogPriority)
}

func TestValidateOpts_MultipleShortcuts(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front", "-s", "-c", "/front/a.txt"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.ErrorIs(t, err, errArgMultipleShortcuts)
}

func TestClientMode_SkipsBackendConstruction(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front", "-s"}

	prog, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.NoError(t, err)
	require.True(t, prog.isClientMode())
	require.Nil(t, prog.be)
}

func TestBuildBackend_DefaultsPrefixNextToRoot(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front"}

	fsys := afero.NewMemMapFs()
	prog, err := newProgram(args, fsys, &stdout, &stderr)
	require.NoError(t, err)
	require.Equal(t, "file", prog.be.Name())

	h, err := prog.be.Open(context.Background(), "a.txt")
	require.NoError(t, err)
	require.NoError(t, prog.be.Close(h))

	exists, err := afero.Exists(fsys, "/front-backend/a.txt")
	require.NoError(t, err)
	require.True(t, exists)
}
