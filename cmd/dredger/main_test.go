package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestRun_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front", "-s"}

	prog, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.NoError(t, err)

	prog.provokeTestPanic = true

	code, _ := prog.run(context.Background())
	require.Equal(t, exitCodeFailure, code)
}

func TestNewProgram_PrintsConfiguration(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger", "-d", "/front"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.NoError(t, err)

	require.Contains(t, stdout.String(), `configuration for frontend "/front"`)
	require.Contains(t, stdout.String(), "backend: file")
}

func TestNewProgram_BadFlagsPrintUsage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"dredger"}

	_, err := newProgram(args, afero.NewMemMapFs(), &stdout, &stderr)
	require.Error(t, err)
	require.Contains(t, stderr.String(), "usage:")
}
