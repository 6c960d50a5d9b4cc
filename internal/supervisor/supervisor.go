// Package supervisor implements the daemon's top-level lifecycle: signal
// handling, a stop condition shared with the command server's SHUTDOWN
// handler, and ordered shutdown of the command server and permission
// watcher.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Server is anything with a cancellable run loop, matching
// watcher.Watcher.Run and cliserver.Server.Run.
type Server interface {
	Run(ctx context.Context) error
}

// Supervisor owns the stopped flag and its condition variable. Stop may be
// called from a signal handler or from the command server's SHUTDOWN
// handler; both converge on the same wakeup.
type Supervisor struct {
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
}

// New builds a Supervisor that logs through log.
func New(log *slog.Logger) *Supervisor {
	s := &Supervisor{log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Stop flips the stopped flag and wakes any goroutine blocked in Wait. Safe
// to call more than once, and concurrently.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Wait blocks until Stop has been called.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.stopped {
		s.cond.Wait()
	}
}

// Run installs SIGINT/SIGTERM handlers, starts cmd and watch concurrently,
// and blocks until Stop is called (by a signal or externally, e.g. the
// command server's SHUTDOWN handler). It then cancels cmd and joins it,
// then cancels watch and joins it, in that order. Each server's
// own Run is responsible for letting its in-flight workers finish before
// returning.
func (s *Supervisor) Run(ctx context.Context, cmd, watch Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.log.Warn("received signal, shutting down", "op", "supervisor", "signal", sig.String())
			s.Stop()
		case <-ctx.Done():
			s.Stop()
		}
	}()

	cmdCtx, cancelCmd := context.WithCancel(ctx)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelCmd()
	defer cancelWatch()

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- cmd.Run(cmdCtx) }()

	watchDone := make(chan error, 1)
	go func() { watchDone <- watch.Run(watchCtx) }()

	s.Wait()

	cancelCmd()
	cmdErr := <-cmdDone
	if cmdErr != nil {
		s.log.Error("command server exited with error", "op", "supervisor", "error", cmdErr)
	}

	cancelWatch()
	watchErr := <-watchDone
	if watchErr != nil {
		s.log.Error("watcher exited with error", "op", "supervisor", "error", watchErr)
	}

	return errors.Join(cmdErr, watchErr)
}
