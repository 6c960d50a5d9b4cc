package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// dirWatcher is the slice of fsnotify the trawler engine consumes; tests
// substitute a fake fed from channels.
type dirWatcher interface {
	Add(path string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// commander is the trawler's view of the dredger daemon: enroll a directory
// for watching, or report a file whose modification time has settled.
type commander interface {
	Enroll(rel string) error
	Settle(rel string) error
}

// trawler crawls a frontend tree, keeps a per-file last-change time, and
// flushes files that have been quiet for a full window.
type trawler struct {
	fsys   afero.Fs
	log    *slog.Logger
	root   string
	window time.Duration

	watch dirWatcher
	cmd   commander

	// now is split out so tests can pin the clock.
	now func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
}

func newTrawler(fsys afero.Fs, root string, window time.Duration, log *slog.Logger) *trawler {
	return &trawler{
		fsys:    fsys,
		log:     log,
		root:    root,
		window:  window,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// scan walks the tree rooted at t.root: every directory is watched and
// enrolled with the daemon, every regular file is recorded under its own
// modification time so pre-existing content is grouped too.
func (t *trawler) scan(ctx context.Context) error {
	return afero.Walk(t.fsys, t.root, func(path string, e os.FileInfo, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				t.log.Warn("path skipped", "path", path, "reason", "no_longer_exists")
				return nil
			}
			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if e.IsDir() {
			return t.addDir(path)
		}
		if !e.Mode().IsRegular() {
			return nil
		}

		t.record(path, e.ModTime())
		return nil
	})
}

// addDir starts watching a directory and enrolls it with the daemon. A
// daemon that is not running is tolerated; the local watch still works.
func (t *trawler) addDir(path string) error {
	if t.watch != nil {
		if err := t.watch.Add(path); err != nil {
			return fmt.Errorf("failed to watch: %q (%w)", path, err)
		}
	}
	if t.cmd != nil {
		rel, err := t.relPath(path)
		if err != nil {
			return err
		}
		// The daemon marks its own root at startup; only subdirectories
		// need enrolling.
		if rel != "" {
			if err := t.cmd.Enroll(rel); err != nil {
				t.log.Warn("failed enrolling directory with daemon", "path", path, "error", err)
			}
		}
	}
	t.log.Debug("directory watched", "path", path)
	return nil
}

func (t *trawler) relPath(path string) (string, error) {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return "", fmt.Errorf("failed to get relative path: %q (%w)", path, err)
	}
	if rel == "." {
		rel = ""
	}
	return rel, nil
}

// record remembers path's latest change time.
func (t *trawler) record(path string, at time.Time) {
	t.mu.Lock()
	t.pending[path] = at
	t.mu.Unlock()
}

// flushDue removes and returns every recorded path whose last change is at
// least one full window old, sorted for deterministic reporting order.
func (t *trawler) flushDue(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []string
	for path, at := range t.pending {
		if now.Sub(at) >= t.window {
			due = append(due, path)
			delete(t.pending, path)
		}
	}
	sort.Strings(due)
	return due
}

// listGroups prints the recorded files grouped by modification time,
// truncated to the grouping window, oldest group first.
func (t *trawler) listGroups(w io.Writer) {
	t.mu.Lock()
	groups := make(map[time.Time][]string)
	for path, at := range t.pending {
		key := at.Truncate(t.window)
		groups[key] = append(groups[key], path)
	}
	t.mu.Unlock()

	keys := make([]time.Time, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	for _, key := range keys {
		paths := groups[key]
		sort.Strings(paths)
		fmt.Fprintf(w, "%s:\n", key.UTC().Format("20060102-150405"))
		for _, path := range paths {
			fmt.Fprintf(w, "\t%s\n", path)
		}
		fmt.Fprintf(w, "%s: %d entries\n", key.UTC().Format("20060102-150405"), len(paths))
	}
}

// Run scans the tree, then consumes watch events until ctx is cancelled,
// flushing settled files to the commander on a half-window tick.
func (t *trawler) Run(ctx context.Context) error {
	if err := t.scan(ctx); err != nil {
		return err
	}

	tick := t.window / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-t.watch.Events():
			if !ok {
				return nil
			}
			t.handleEvent(ev)

		case err, ok := <-t.watch.Errors():
			if !ok {
				return nil
			}
			t.log.Warn("watch error", "error", err)

		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *trawler) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := t.fsys.Stat(ev.Name)
		if err != nil {
			t.log.Debug("created path vanished before stat", "path", ev.Name, "error", err)
			return
		}
		if info.IsDir() {
			// A directory created after the scan gets the same treatment as
			// one discovered during it.
			if err := t.addDir(ev.Name); err != nil {
				t.log.Warn("failed watching new directory", "path", ev.Name, "error", err)
			}
			return
		}
		t.record(ev.Name, t.now())

	case ev.Has(fsnotify.Write):
		t.record(ev.Name, t.now())

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		t.mu.Lock()
		delete(t.pending, ev.Name)
		t.mu.Unlock()
	}
}

// flush reports every settled file to the commander. Failures keep the file
// out of the pending set; the next change to it starts a fresh window.
func (t *trawler) flush() {
	for _, path := range t.flushDue(t.now()) {
		rel, err := t.relPath(path)
		if err != nil {
			t.log.Warn("failed resolving settled file", "path", path, "error", err)
			continue
		}
		if err := t.cmd.Settle(rel); err != nil {
			t.log.Warn("failed reporting settled file", "path", path, "error", err)
		}
	}
}
