// Package watcher implements the permission watcher: it drives one kernel
// access-permission event to exactly one verdict, spawning an un-migrate
// worker when a path needs its content restored to the frontend tree.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/hreinecke/dredger/internal/backend"
	"github.com/hreinecke/dredger/internal/fanotify"
	"github.com/hreinecke/dredger/internal/registry"
	"github.com/hreinecke/dredger/internal/resolver"
	"github.com/hreinecke/dredger/internal/wire"
)

// readinessTimeout bounds how long the watcher blocks waiting for an event,
// so a shutdown request is observed promptly.
const readinessTimeout = 5 * time.Second

// Watcher owns one fanotify subscription and drives its events to verdict.
type Watcher struct {
	sub fanotify.Subscription
	reg *registry.Registry
	be  backend.Backend
	log *slog.Logger

	wg sync.WaitGroup
}

// New builds a Watcher over sub, coordinating via reg and restoring content
// through be.
func New(sub fanotify.Subscription, reg *registry.Registry, be backend.Backend, log *slog.Logger) *Watcher {
	return &Watcher{sub: sub, reg: reg, be: be, log: log}
}

// Run executes the watcher loop until ctx is cancelled. Cancellation is only
// observed at the readiness wait: once a worker is spawned it
// always runs to verdict, so Run blocks for every in-flight worker to finish
// before returning.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			w.wg.Wait()
			return nil
		}

		ready, err := w.sub.WaitReadable(ctx, readinessTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.wg.Wait()
				return nil
			}
			return fmt.Errorf("wait readable: %w", err)
		}
		if !ready {
			continue
		}

		ev, err := w.sub.ReadEvent()
		if err != nil {
			w.log.Error("failed reading fanotify event", "op", "watch", "error", err)
			continue
		}

		if !ev.HasAccessPerm() {
			// No verdict owed: this is a change-notification event from a
			// MONITOR mark, not a permission trap.
			if err := w.sub.Drop(ev.Fd); err != nil {
				w.log.Warn("failed dropping non-permission event", "op", "watch", "fd", ev.Fd, "error", err)
			}
			continue
		}

		w.handleEvent(ctx, ev)
	}
}

// Wait blocks until every spawned un-migrate worker has returned a verdict.
// Exposed for tests and for a supervisor that wants to join workers without
// going through Run's own ctx-driven wait.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) handleEvent(ctx context.Context, ev fanotify.Event) {
	path, err := resolver.Resolve(ev.Fd)
	if err != nil {
		w.log.Warn("failed resolving event handle to path", "op", "watch", "fd", ev.Fd, "error", err)
		if werr := w.sub.WriteResponse(ev.Fd, false); werr != nil {
			w.log.Error("failed writing deny verdict", "op", "watch", "fd", ev.Fd, "error", werr)
		}
		return
	}

	rec, outcome := w.reg.InsertOrJoinWatcher(registry.Path(path), ev.Fd)
	switch outcome {
	case registry.OutcomeDeny:
		w.log.Info("denied access during migrate-out", "op", "watch", "path", path)
		if err := w.sub.WriteResponse(ev.Fd, false); err != nil {
			w.log.Error("failed writing deny verdict", "op", "watch", "path", path, "error", err)
		}
	case registry.OutcomeJoinNoSpawn:
		w.log.Debug("joined in-flight un-migrate", "op", "watch", "path", path)
		// rec now owns ev.Fd too; its worker will write this event's verdict.
	case registry.OutcomeInserted:
		w.wg.Add(1)
		go func(fd int) {
			defer w.wg.Done()
			w.runUnmigrate(ctx, path, rec, fd)
		}(ev.Fd)
	}
}

// runUnmigrate is the un-migrate worker: single linear run, owns rec's
// completion for its full duration, and writes a verdict to every handle rec
// has accumulated (the triggering event plus any that joined).
func (w *Watcher) runUnmigrate(ctx context.Context, path string, rec *registry.EventRecord, fd int) {
	rec.SetState(registry.StateBusy)

	frontend := os.NewFile(uintptr(fd), path)
	// fd's lifetime is owned by the verdict write-back (WriteResponse closes
	// it), not by this *os.File wrapper.
	runtime.SetFinalizer(frontend, nil)

	err := w.doUnmigrate(ctx, path, frontend)
	allow := err == nil

	state := registry.StateDone
	if !allow {
		state = registry.StateFailed
	}
	rec.Finish(state, err)

	for _, h := range rec.Handles() {
		if werr := w.sub.WriteResponse(h, allow); werr != nil {
			w.log.Error("failed writing verdict", "op", "unmigrate", "path", path, "fd", h, "error", werr)
		}
	}

	// Identity-checked: a successor record may own this path by now.
	w.reg.RemoveIf(registry.Path(path), rec)

	if err != nil {
		w.log.Error("un-migrate failed", "op", "unmigrate", "path", path, "error", err)
		return
	}
	w.log.Info("un-migrate complete", "op", "unmigrate", "path", path)
}

// doUnmigrate restores path's content into frontend. A backend that never
// had this path is treated as already un-migrated: Check is
// used ahead of Open precisely because FileBackend.Open always creates the
// backend object, so it is the only way to observe "absent" rather than
// "freshly created empty".
func (w *Watcher) doUnmigrate(ctx context.Context, path string, frontend *os.File) error {
	if _, err := w.be.Check(ctx, path, frontend); err != nil {
		if wire.KindOf(err) == wire.KindNotFound {
			return nil
		}
		return err
	}

	handle, err := w.be.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.be.Close(handle); cerr != nil {
			w.log.Warn("failed closing backend handle", "op", "unmigrate", "path", path, "error", cerr)
		}
	}()

	if err := w.be.Unmigrate(ctx, handle, frontend); err != nil {
		return err
	}

	if err := w.sub.RemoveAccessMark(path); err != nil {
		w.log.Warn("failed removing access mark", "op", "unmigrate", "path", path, "error", err)
	}

	return nil
}
