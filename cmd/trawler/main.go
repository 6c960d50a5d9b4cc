/*
trawler crawls a directory tree, enrolls every subdirectory with a running
dredger daemon for change monitoring, and groups changed files by
modification-time proximity before (optionally) asking the daemon to
migrate them out.

# USAGE

	trawler -d DIR [--window dur] [--migrate] [--config yaml] [-p n] [--json]
	trawler -d DIR --list

# ARGUMENTS

	-d dir
		Required. Absolute path to the frontend directory tree to trawl.
		Also identifies which running dredger daemon to talk to.

	--window dur
		Optional. Modification-time window for grouping changed files; a
		file is only reported (or migrated) once it has been quiet for
		this long, so files still being written are left alone.
		Default: 2s.

	--migrate
		Optional. Ask the daemon to migrate each settled file out to the
		backend, instead of only reporting it.

	--list
		Scan the tree once, print the files grouped by modification
		time, then exit without contacting the daemon.

	--config yaml
		Optional. Path to a YAML file with the trawler's static
		settings. Direct CLI arguments override values set this way.

	-p n
		Optional. Syslog-style numeric logging priority, 0 (emerg) to 7
		(debug). Default: 6 (info).

	--json
		Optional. Emit logs as JSON on stderr instead of the human form.

(c) 2025 - License: GNU General Public License v2
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/hreinecke/dredger/internal/cliserver"
	"github.com/hreinecke/dredger/internal/wire"
)

const (
	exitCodeSuccess       = 0
	exitCodeFailure       = 1
	exitCodeConfigFailure = 5

	exitTimeout = 10 * time.Second
)

var (
	// Version is the application's version (filled in during compilation).
	Version string

	errDaemonUnreachable = errors.New("dredger daemon did not accept the command")
)

func main() {
	var prog *program
	var exitCode int

	defer func() {
		if prog != nil {
			prog.log.Info("program exited", "code", exitCode)
		}
		os.Exit(exitCode)
	}()

	fmt.Fprintf(os.Stdout, "trawler (v%s) - directory crawler for dredger.\n\n", Version)

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

func (prog *program) run(ctx context.Context) (retExitCode int, retError error) {
	defer func() {
		if r := recover(); r != nil {
			prog.log.Error("internal panic recovered", "op", "main", "error", r, "error-type", "fatal")
			debug.PrintStack()
			retExitCode = exitCodeFailure
		}
	}()

	tr := newTrawler(prog.fsys, prog.opts.FrontendRoot, prog.opts.GroupWindow, prog.log.With("op", "trawl"))

	if prog.opts.List {
		if err := tr.scan(ctx); err != nil {
			prog.log.Error("scan failed", "op", "trawl", "error", err)
			return exitCodeFailure, err
		}
		tr.listGroups(prog.stdout)
		return exitCodeSuccess, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		prog.log.Error("failed creating directory watcher", "op", "main", "error", err, "error-type", "fatal")
		return exitCodeFailure, err
	}
	defer fsw.Close()

	tr.watch = &fsnotifyWatcher{w: fsw}
	tr.cmd = &daemonCommander{
		addr:    socketAddr(prog.opts.FrontendRoot),
		root:    prog.opts.FrontendRoot,
		migrate: prog.opts.Migrate,
		log:     prog.log.With("op", "cli-client"),
	}

	if err := tr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitCodeFailure, err
	}
	return exitCodeSuccess, nil
}

// fsnotifyWatcher adapts *fsnotify.Watcher to the dirWatcher seam the
// trawler engine is tested against.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWatcher) Add(path string) error         { return f.w.Add(path) }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// daemonCommander talks to the dredger daemon over the CLI socket,
// implementing the commander seam.
type daemonCommander struct {
	addr    string
	root    string
	migrate bool
	log     *slog.Logger
}

// Enroll asks the daemon to watch a newly discovered directory: a SETUP
// mark so accesses under it trap, then a MONITOR mark so membership changes
// are observable.
func (c *daemonCommander) Enroll(rel string) error {
	for _, cmd := range []wire.Command{wire.CmdSetup, wire.CmdMonitor} {
		reply, err := cliserver.Send(c.addr, cmd, rel, -1)
		if err != nil {
			return fmt.Errorf("%w: %s %q: %w", errDaemonUnreachable, cmd.String(), rel, err)
		}
		if len(reply) != 0 {
			return fmt.Errorf("%s %q: daemon replied with code %d", cmd.String(), rel, reply[0])
		}
	}
	return nil
}

// Settle reports a file that has been quiet for a full grouping window. When
// migration is enabled it runs the same CHECK-then-MIGRATE sequence as
// `dredger -m`, holding the advisory lock the daemon requires.
func (c *daemonCommander) Settle(rel string) error {
	if !c.migrate {
		c.log.Info("file settled", "path", rel)
		return nil
	}

	reply, err := cliserver.Send(c.addr, wire.CmdCheck, rel, -1)
	if err != nil {
		return fmt.Errorf("%w: check %q: %w", errDaemonUnreachable, rel, err)
	}
	if len(reply) == 0 {
		// Backend copy is already current.
		return nil
	}

	full := filepath.Join(c.root, rel)
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", full, err)
	}
	defer f.Close()

	if err := cliserver.LockForMigrate(f); err != nil {
		return err
	}
	defer func() {
		if uerr := cliserver.UnlockMigrate(f); uerr != nil {
			c.log.Warn("failed unlocking frontend file", "path", full, "error", uerr)
		}
	}()

	reply, err = cliserver.Send(c.addr, wire.CmdMigrate, rel, int(f.Fd()))
	if err != nil {
		return fmt.Errorf("%w: migrate %q: %w", errDaemonUnreachable, rel, err)
	}
	if len(reply) != 0 {
		return fmt.Errorf("migrate %q: daemon replied with code %d", rel, reply[0])
	}

	c.log.Info("file migrated", "path", rel)
	return nil
}
