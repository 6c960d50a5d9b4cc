// Package cliserver implements the daemon's command server: a credentialed
// datagram endpoint that decodes CLI requests and drives MIGRATE, CHECK,
// SHUTDOWN, SETUP, and MONITOR, spawning one worker per accepted migration.
package cliserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hreinecke/dredger/internal/backend"
	"github.com/hreinecke/dredger/internal/fanotify"
	"github.com/hreinecke/dredger/internal/registry"
	"github.com/hreinecke/dredger/internal/wire"
)

// Request is one decoded command datagram.
type Request struct {
	Cmd  wire.Command
	Path string
	UID  uint32
	// Fd is the kernel handle passed via SCM_RIGHTS for MIGRATE; -1 if the
	// command carries none.
	Fd int

	reply any // transport-specific reply address, opaque to this package
}

// Transport is the credentialed datagram endpoint the server reads requests
// from and writes replies to. The production implementation (linux.go)
// wraps an abstract AF_UNIX SOCK_DGRAM socket with SO_PASSCRED and
// SCM_RIGHTS fd-passing; tests substitute a fake.
type Transport interface {
	// Recv blocks for the next request, or returns ctx.Err() once ctx is
	// cancelled.
	Recv(ctx context.Context) (Request, error)
	// Reply sends body back to req's sender. Empty body means success.
	Reply(req Request, body []byte) error
	Close() error
}

// closeHandle closes a raw kernel handle received via SCM_RIGHTS that this
// server will not otherwise use (command rejected, busy, or unrecognized).
func closeHandle(fd int) {
	if fd < 0 {
		return
	}
	_ = os.NewFile(uintptr(fd), "").Close()
}

// Server drives the Command Server's request loop and migrate worker.
type Server struct {
	transport     Transport
	reg           *registry.Registry
	be            backend.Backend
	sub           fanotify.Subscription
	frontendRoot  string
	privilegedUID uint32
	log           *slog.Logger
	onShutdown    func()

	wg sync.WaitGroup
}

// Config bundles Server's dependencies.
type Config struct {
	Transport     Transport
	Registry      *registry.Registry
	Backend       backend.Backend
	Subscription  fanotify.Subscription
	FrontendRoot  string
	PrivilegedUID uint32
	Log           *slog.Logger
	// OnShutdown is invoked once a SHUTDOWN command is accepted, after the
	// reply has been sent. Typically signals the supervisor.
	OnShutdown func()
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		transport:     cfg.Transport,
		reg:           cfg.Registry,
		be:            cfg.Backend,
		sub:           cfg.Subscription,
		frontendRoot:  cfg.FrontendRoot,
		privilegedUID: cfg.PrivilegedUID,
		log:           cfg.Log,
		onShutdown:    cfg.OnShutdown,
	}
}

// Run executes the command server loop until ctx is cancelled. Cancellation
// is observed at the recv suspension point; outstanding migrate workers run
// to completion, and Run waits for them before returning.
func (s *Server) Run(ctx context.Context) error {
	for {
		req, err := s.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}

		if req.UID != s.privilegedUID {
			// A non-privileged credential yields no effect and no reply.
			s.log.Warn("rejected command from non-privileged credential", "op", "cliserver", "uid", req.UID, "cmd", req.Cmd.String())
			closeHandle(req.Fd)
			continue
		}

		s.handle(ctx, req)
	}
}

// Wait blocks until every spawned migrate worker has replied.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, req Request) {
	switch req.Cmd {
	case wire.CmdShutdown:
		s.replySuccess(req)
		if s.onShutdown != nil {
			s.onShutdown()
		}
	case wire.CmdCheck:
		if req.Path == "" {
			s.replyError(req, wire.KindInvalidArgument, nil)
			return
		}
		s.handleCheck(ctx, req)
	case wire.CmdMigrate:
		if req.Path == "" {
			s.replyError(req, wire.KindInvalidArgument, nil)
			closeHandle(req.Fd)
			return
		}
		s.handleMigrate(ctx, req)
	case wire.CmdSetup:
		if req.Path == "" {
			s.replyError(req, wire.KindInvalidArgument, nil)
			return
		}
		s.handleSetup(req)
	case wire.CmdMonitor:
		if req.Path == "" {
			s.replyError(req, wire.KindInvalidArgument, nil)
			return
		}
		s.handleMonitor(req)
	default:
		s.replyError(req, wire.KindInvalidArgument, nil)
		closeHandle(req.Fd)
	}
}

func (s *Server) handleCheck(ctx context.Context, req Request) {
	full := filepath.Join(s.frontendRoot, req.Path)
	f, err := os.Open(full)
	if err != nil {
		kind := wire.KindIO
		if os.IsNotExist(err) {
			kind = wire.KindNotFound
		}
		s.replyError(req, kind, err)
		return
	}
	defer f.Close()

	result, err := s.be.Check(ctx, req.Path, f)
	if err != nil {
		s.replyResult(req, err)
		return
	}
	if result == backend.CheckStale {
		s.replyError(req, wire.KindStale, nil)
		return
	}
	s.replySuccess(req)
}

func (s *Server) handleSetup(req Request) {
	full := filepath.Join(s.frontendRoot, req.Path)
	if err := s.sub.AddAccessMark(full); err != nil {
		s.replyError(req, wire.KindIO, err)
		return
	}
	s.replySuccess(req)
}

func (s *Server) handleMonitor(req Request) {
	full := filepath.Join(s.frontendRoot, req.Path)
	if err := s.sub.AddChangeMark(full); err != nil {
		s.replyError(req, wire.KindIO, err)
		return
	}
	s.replySuccess(req)
}

// handleMigrate runs the migrate decision table over the registry,
// spawning a worker only when this request is the one that must run it.
func (s *Server) handleMigrate(ctx context.Context, req Request) {
	if req.Fd < 0 {
		// MIGRATE is meaningless without the client's locked frontend handle.
		s.replyError(req, wire.KindInvalidArgument, nil)
		return
	}
	rec, outcome := s.reg.InsertOrJoinCommand(registry.Path(req.Path))
	switch outcome {
	case registry.OutcomeBusy:
		s.replyError(req, wire.KindBusy, nil)
		closeHandle(req.Fd)
	case registry.OutcomeJoinWait:
		_, err := rec.AwaitCompletion()
		s.replyResult(req, err)
		closeHandle(req.Fd)
	case registry.OutcomeInserted:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runMigrate(ctx, req, rec)
		}()
	}
}

// runMigrate is the migrate worker: owns rec's completion for its full
// duration, streams the frontend into the backend, and on success arms an
// access-permission mark so future opens trap.
func (s *Server) runMigrate(ctx context.Context, req Request, rec *registry.EventRecord) {
	rec.SetState(registry.StateOpen)

	full := filepath.Join(s.frontendRoot, req.Path)
	frontend := os.NewFile(uintptr(req.Fd), full)
	defer frontend.Close()

	err := s.doMigrate(ctx, req.Path, frontend)

	state := registry.StateDone
	if err != nil {
		state = registry.StateFailed
	}
	rec.Finish(state, err)

	if err == nil {
		if merr := s.sub.AddAccessMark(full); merr != nil {
			s.log.Error("failed arming access mark after migrate", "op", "migrate", "path", req.Path, "error", merr)
		}
	}

	// Identity-checked: once Finish released the completion, a permission
	// event may already have replaced this record with a fresh MigrateIn.
	s.reg.RemoveIf(registry.Path(req.Path), rec)
	s.replyResult(req, err)

	if err != nil {
		s.log.Error("migrate failed", "op", "migrate", "path", req.Path, "error", err)
		return
	}
	s.log.Info("migrate complete", "op", "migrate", "path", req.Path)
}

func (s *Server) doMigrate(ctx context.Context, path string, frontend *os.File) error {
	handle, err := s.be.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.be.Close(handle); cerr != nil {
			s.log.Warn("failed closing backend handle", "op", "migrate", "path", path, "error", cerr)
		}
	}()

	return s.be.Migrate(ctx, handle, frontend)
}

func (s *Server) replySuccess(req Request) {
	if err := s.transport.Reply(req, nil); err != nil {
		s.log.Error("failed writing reply", "op", "cliserver", "cmd", req.Cmd.String(), "error", err)
	}
}

func (s *Server) replyError(req Request, kind wire.Kind, err error) {
	if err != nil {
		s.log.Warn("command failed", "op", "cliserver", "cmd", req.Cmd.String(), "path", req.Path, "error", err)
	}
	if werr := s.transport.Reply(req, []byte{kind.Code()}); werr != nil {
		s.log.Error("failed writing reply", "op", "cliserver", "cmd", req.Cmd.String(), "error", werr)
	}
}

func (s *Server) replyResult(req Request, err error) {
	if err == nil {
		s.replySuccess(req)
		return
	}
	s.replyError(req, wire.KindOf(err), err)
}
