package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	syncerrors "github.com/mpsync/mpsync/internal/errors"
	"github.com/mpsync/mpsync/internal/pathmap"
)

// Watcher monitors the sync root recursively and emits WatchEvents.
// fsnotify watches are per-directory, so newly created directories are
// added on the fly; files that land in a new directory before its watch
// is armed are picked up by the post-add walk.
type Watcher struct {
	root   string
	mapper *pathmap.Mapper
	logger *slog.Logger
	events chan WatchEvent
	ready  chan struct{}
}

// NewWatcher creates a watcher for root. The mapper filters ignored
// paths before they enter the event stream.
func NewWatcher(root string, mapper *pathmap.Mapper, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:   root,
		mapper: mapper,
		logger: logger,
		events: make(chan WatchEvent, 256),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once every directory under the root is being
// watched. Startup work that must not race the watch (the initial
// scan) waits on it.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Events returns the stream of raw change notifications. Closed when
// Run returns.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Run blocks until the context is cancelled or the watch fails
// unrecoverably. A dead watcher means silent divergence, so watch
// failure is fatal rather than degraded.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: creating watcher: %w", syncerrors.ErrWatchFailed, err)
	}
	defer fw.Close()

	if err := w.addRecursive(ctx, fw, w.root, false); err != nil {
		return fmt.Errorf("%w: watching %s: %w", syncerrors.ErrWatchFailed, w.root, err)
	}

	w.logger.Info("watching folder", slog.String("root", w.root))
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("%w: event channel closed", syncerrors.ErrWatchFailed)
			}
			if err := w.handle(ctx, fw, event); err != nil {
				return err
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("%w: error channel closed", syncerrors.ErrWatchFailed)
			}
			if errorIsFatal(err) {
				return fmt.Errorf("%w: %w", syncerrors.ErrWatchFailed, err)
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// handle translates one fsnotify event. Chmod-only events carry no
// content change and are dropped. Losing the root itself is fatal: the
// kernel silently drops the watch and a blind engine would diverge.
func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) error {
	if (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) && event.Name == w.root {
		return fmt.Errorf("%w: watched root removed: %s", syncerrors.ErrWatchFailed, w.root)
	}

	if event.Op == fsnotify.Chmod {
		return nil
	}

	if _, ok := w.mapper.ToRemote(event.Name); !ok {
		return nil
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(event.Name)
		if err != nil {
			// Gone already; a Remove event follows.
			return nil
		}

		w.emit(ctx, WatchEvent{
			LocalPath:  event.Name,
			Kind:       EventCreated,
			IsDir:      info.IsDir(),
			ObservedAt: time.Now(),
		})

		if info.IsDir() {
			// Watch the new directory and surface anything that was
			// written into it before the watch existed.
			if err := w.addRecursive(ctx, fw, event.Name, true); err != nil {
				w.logger.Warn("watching new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()),
				)
			}
		}

	case event.Has(fsnotify.Write):
		w.emit(ctx, WatchEvent{
			LocalPath:  event.Name,
			Kind:       EventModified,
			ObservedAt: time.Now(),
		})

	case event.Has(fsnotify.Rename):
		// Only the old name is reported; the new name arrives as a
		// separate Create. Degrades a move into remove(old) + put(new).
		_ = fw.Remove(event.Name)
		w.emit(ctx, WatchEvent{
			LocalPath:  event.Name,
			Kind:       EventMovedFrom,
			ObservedAt: time.Now(),
		})

	case event.Has(fsnotify.Remove):
		_ = fw.Remove(event.Name)
		w.emit(ctx, WatchEvent{
			LocalPath:  event.Name,
			Kind:       EventDeleted,
			ObservedAt: time.Now(),
		})
	}

	return nil
}

// addRecursive watches dir and every non-ignored directory below it.
// With announce set, contents found during the walk are emitted as
// Created events, closing the race between mkdir and the files dropped
// into it.
func (w *Watcher) addRecursive(ctx context.Context, fw *fsnotify.Watcher, dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The tree can mutate under the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		if _, ok := w.mapper.ToRemote(path); !ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return err
			}
		}

		if announce && path != dir {
			w.emit(ctx, WatchEvent{
				LocalPath:  path,
				Kind:       EventCreated,
				IsDir:      d.IsDir(),
				ObservedAt: time.Now(),
			})
		}

		return nil
	})
}

func (w *Watcher) emit(ctx context.Context, ev WatchEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// errorIsFatal reports whether a watch error leaves the watcher unable
// to observe further changes. Per-path errors (watch limits, transient
// permission issues) are survivable; a closed watcher is not.
func errorIsFatal(err error) bool {
	return errors.Is(err, fsnotify.ErrClosed)
}
