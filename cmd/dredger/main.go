/*
dredger is a hierarchical storage management daemon: it watches a frontend
directory tree via fanotify's pre-content permission class, migrates cold
files out to a backend store on command, and rehydrates them transparently
the moment something tries to open them again.

# USAGE

	dredger -d DIR [-b name] [-o k=v] [--config yaml] [-p n] [--json]
	dredger -d DIR -c path
	dredger -d DIR -m path
	dredger -d DIR -u path
	dredger -d DIR -s

# ARGUMENTS

	-d dir
		Required. Absolute path to the frontend directory tree to watch.
		Also identifies which running daemon the command shortcuts below
		talk to.

	-b name
		Optional. Backend to store migrated content under. Only "file" is
		built in. Default: file.

	-o k=v
		Optional. Backend option string, can be repeated. The "file"
		backend accepts "prefix=DIR" (where backend objects are stored;
		defaults to a directory next to the frontend root),
		"bind-threshold=BYTES" (size above which un-migrate bind-mounts
		instead of streaming) and "verify=BOOL" (re-read both copies
		after each content transfer and compare their checksums).

	--config yaml
		Optional. Path to a YAML file with the daemon's static settings.
		Direct CLI arguments override values set this way.

	-p n
		Optional. Syslog-style numeric logging priority, 0 (emerg) to 7
		(debug). Default: 6 (info).

	--json
		Optional. Emit logs as JSON on stderr instead of the human form.

	-c path
		Check path's backend copy against its frontend file, then exit
		with the numeric result.

	-m path
		Check path, then migrate it out unless the check reports the
		backend copy current, then exit with the numeric result.

	-u path
		Mark path for permission and change events without migrating it,
		then exit with the numeric result.

	-s
		Ask the running daemon to shut down, then exit.

(c) 2025 - License: GNU General Public License v2
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/hreinecke/dredger/internal/backend"
	"github.com/hreinecke/dredger/internal/cliserver"
	"github.com/hreinecke/dredger/internal/fanotify"
	"github.com/hreinecke/dredger/internal/registry"
	"github.com/hreinecke/dredger/internal/supervisor"
	"github.com/hreinecke/dredger/internal/watcher"
	"github.com/hreinecke/dredger/internal/wire"
)

const (
	exitCodeSuccess       = 0
	exitCodeFailure       = 1
	exitCodeConfigFailure = 5

	defaultLogPriority = 6
	defaultLogLevel    = slog.LevelInfo

	exitTimeout = 10 * time.Second
)

var (
	// Version is the application's version (filled in during compilation).
	Version string

	errArgConfigMalformed      = errors.New("--config yaml file is malformed")
	errArgConfigMissing        = errors.New("--config yaml file does not exist")
	errArgMissingFrontendRoot  = errors.New("-d frontend directory must be set")
	errArgFrontendRootNotAbs   = errors.New("-d frontend directory must be absolute")
	errArgUnknownBackend       = errors.New("-b names an unknown backend")
	errArgInvalidLogPriority   = errors.New("-p must be between 0 and 7")
	errArgMultipleShortcuts    = errors.New("only one of -c, -m, -u, -s may be given at a time")
	errArgInvalidCommandResult = errors.New("daemon reply was malformed")
)

type program struct {
	fsys   afero.Fs
	stdout io.Writer
	stderr io.Writer

	opts  *programOptions
	flags *flag.FlagSet

	log *slog.Logger
	be  backend.Backend

	provokeTestPanic bool
}

type programOptions struct {
	Backend      string  `yaml:"backend"`
	BackendOpts  optsArg `yaml:"backend-opts"`
	FrontendRoot string  `yaml:"frontend-root"`
	LogPriority  int     `yaml:"log-priority"`
	JSON         bool    `yaml:"json"`

	// Command shortcuts: cmdline-only, mutually exclusive, never persisted.
	CheckPath   string `yaml:"-"`
	MigratePath string `yaml:"-"`
	SetupPath   string `yaml:"-"`
	Shutdown    bool   `yaml:"-"`
}

func main() {
	var prog *program
	var exitCode int

	defer func() {
		if prog != nil {
			prog.log.Info("program exited", "code", exitCode)
		}
		os.Exit(exitCode)
	}()

	fmt.Fprintf(os.Stdout, "dredger (v%s) - hierarchical storage management daemon.\n\n", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	prog, err := newProgram(os.Args, afero.NewOsFs(), os.Stdout, os.Stderr)
	if prog == nil || err != nil {
		exitCode = exitCodeConfigFailure
		return
	}

	go func() {
		code, _ := prog.run(ctx)
		doneChan <- code
	}()

	select {
	case code := <-doneChan:
		exitCode = code
		return

	case <-sigChan:
		prog.log.Warn("received interrupt signal; shutting down (waiting up to 10s)...", "op", "main")
		cancel()

		select {
		case code := <-doneChan:
			exitCode = code
			return

		case <-time.After(exitTimeout):
			prog.log.Error("timed out while waiting for program exit; killing...",
				"op", "main", "error-type", "fatal")
			exitCode = exitCodeFailure
			return
		}
	}
}

func newProgram(cliArgs []string, fsys afero.Fs, stdout, stderr io.Writer) (*program, error) {
	prog := &program{
		fsys:   fsys,
		stdout: stdout,
		stderr: stderr,
		opts:   &programOptions{},
	}

	if err := prog.parseArgs(cliArgs); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to parse configuration: %v\n\n", err)
		prog.flags.Usage()
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := prog.validateOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to validate configuration: %v\n\n", err)
		prog.flags.Usage()
		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}

	if err := prog.printOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to print configuration: %v\n\n", err)
		prog.flags.Usage()
		return nil, fmt.Errorf("failed to print configuration: %w", err)
	}

	prog.log = slog.New(prog.logHandler())

	if !prog.isClientMode() {
		be, err := prog.buildBackend()
		if err != nil {
			fmt.Fprintf(prog.stderr, "fatal: failed to build backend: %v\n\n", err)
			return nil, fmt.Errorf("failed to build backend: %w", err)
		}
		prog.be = be
	}

	return prog, nil
}

func (prog *program) isClientMode() bool {
	return prog.opts.Shutdown || prog.opts.CheckPath != "" || prog.opts.MigratePath != "" || prog.opts.SetupPath != ""
}

func (prog *program) buildBackend() (backend.Backend, error) {
	switch prog.opts.Backend {
	case "file":
		fb := backend.NewFileBackend(prog.fsys, "", prog.log.With("op", "backend"))
		hasPrefix := false
		for _, kv := range prog.opts.BackendOpts {
			if err := fb.ParseOption(kv); err != nil {
				return nil, err
			}
			if len(kv) >= len("prefix=") && kv[:len("prefix=")] == "prefix=" {
				hasPrefix = true
			}
		}
		if !hasPrefix {
			if err := fb.ParseOption("prefix=" + prog.opts.FrontendRoot + "-backend"); err != nil {
				return nil, err
			}
		}
		return fb, nil
	default:
		return nil, fmt.Errorf("%w: %q", errArgUnknownBackend, prog.opts.Backend)
	}
}

func (prog *program) run(ctx context.Context) (retExitCode int, retError error) {
	defer func() {
		if r := recover(); r != nil {
			prog.log.Error("internal panic recovered", "op", "main", "error", r, "error-type", "fatal")
			debug.PrintStack()
			retExitCode = exitCodeFailure
		}
	}()

	if prog.provokeTestPanic {
		panic("testing program panic")
	}

	if prog.isClientMode() {
		return prog.runClient(ctx)
	}
	return prog.runDaemon(ctx)
}

// runDaemon wires the registry, backend, fanotify subscription, command
// server, watcher, and supervisor together and blocks until the supervisor
// is told to stop.
func (prog *program) runDaemon(ctx context.Context) (int, error) {
	sub, err := fanotify.New(prog.opts.FrontendRoot)
	if err != nil {
		prog.log.Error("failed opening fanotify subscription", "op", "main", "error", err, "error-type", "fatal")
		return exitCodeFailure, err
	}
	defer sub.Close()

	addr := socketAddr(prog.opts.FrontendRoot)
	transport, err := cliserver.Listen(addr)
	if err != nil {
		prog.log.Error("failed opening command socket", "op", "main", "error", err, "error-type", "fatal")
		return exitCodeFailure, err
	}

	reg := registry.New()
	sup := supervisor.New(prog.log.With("op", "supervisor"))

	srv := cliserver.New(cliserver.Config{
		Transport:     transport,
		Registry:      reg,
		Backend:       prog.be,
		Subscription:  sub,
		FrontendRoot:  prog.opts.FrontendRoot,
		PrivilegedUID: uint32(os.Geteuid()),
		Log:           prog.log.With("op", "cli"),
		OnShutdown:    sup.Stop,
	})

	w := watcher.New(sub, reg, prog.be, prog.log.With("op", "watcher"))

	prog.log.Info("daemon started", "op", "main", "frontend", prog.opts.FrontendRoot, "backend", prog.be.Name())

	if err := sup.Run(ctx, srv, w); err != nil {
		return exitCodeFailure, err
	}
	return exitCodeSuccess, nil
}

// runClient issues a CLI shortcut command over the socket addressed by -d
// and exits with the numeric wire result.
func (prog *program) runClient(ctx context.Context) (int, error) {
	addr := socketAddr(prog.opts.FrontendRoot)

	switch {
	case prog.opts.Shutdown:
		return prog.sendSimple(addr, wire.CmdShutdown, "")

	case prog.opts.CheckPath != "":
		rel, err := relFrontendPath(prog.opts.FrontendRoot, prog.opts.CheckPath)
		if err != nil {
			return exitCodeFailure, err
		}
		return prog.sendSimple(addr, wire.CmdCheck, rel)

	case prog.opts.SetupPath != "":
		rel, err := relFrontendPath(prog.opts.FrontendRoot, prog.opts.SetupPath)
		if err != nil {
			return exitCodeFailure, err
		}
		if code, err := prog.sendSimple(addr, wire.CmdSetup, rel); err != nil || code != exitCodeSuccess {
			return code, err
		}
		return prog.sendSimple(addr, wire.CmdMonitor, rel)

	case prog.opts.MigratePath != "":
		return prog.runMigrateClient(addr, prog.opts.MigratePath)
	}

	return exitCodeSuccess, nil
}

func (prog *program) sendSimple(addr string, cmd wire.Command, path string) (int, error) {
	reply, err := cliserver.Send(addr, cmd, path, -1)
	if err != nil {
		prog.log.Error("command failed", "op", "cli-client", "cmd", cmd.String(), "error", err)
		return exitCodeFailure, err
	}
	return decodeReply(reply)
}

// runMigrateClient reproduces the original tool's "-m" behavior: a CHECK
// first, then a MIGRATE whenever the check reply is anything other than
// success (stale, backend copy missing, or any other error code).
func (prog *program) runMigrateClient(addr, arg string) (int, error) {
	rel, err := relFrontendPath(prog.opts.FrontendRoot, arg)
	if err != nil {
		return exitCodeFailure, err
	}

	code, err := prog.sendSimple(addr, wire.CmdCheck, rel)
	if err != nil {
		return code, err
	}
	if code == exitCodeSuccess {
		return exitCodeSuccess, nil
	}

	full := filepath.Join(prog.opts.FrontendRoot, rel)
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		prog.log.Error("failed opening frontend file", "op", "cli-client", "path", full, "error", err)
		return exitCodeFailure, err
	}
	defer f.Close()

	if err := cliserver.LockForMigrate(f); err != nil {
		prog.log.Error("failed locking frontend file", "op", "cli-client", "path", full, "error", err)
		return exitCodeFailure, err
	}
	defer func() {
		if err := cliserver.UnlockMigrate(f); err != nil {
			prog.log.Warn("failed unlocking frontend file", "op", "cli-client", "path", full, "error", err)
		}
	}()

	reply, err := cliserver.Send(addr, wire.CmdMigrate, rel, int(f.Fd()))
	if err != nil {
		prog.log.Error("command failed", "op", "cli-client", "cmd", wire.CmdMigrate.String(), "error", err)
		return exitCodeFailure, err
	}
	return decodeReply(reply)
}

func decodeReply(reply []byte) (int, error) {
	switch len(reply) {
	case 0:
		return exitCodeSuccess, nil
	case 1:
		return int(reply[0]), nil
	default:
		return exitCodeFailure, fmt.Errorf("%w: %d bytes", errArgInvalidCommandResult, len(reply))
	}
}
