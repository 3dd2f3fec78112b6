package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpsync/mpsync/internal/board"
	"github.com/mpsync/mpsync/internal/pathmap"
	"github.com/mpsync/mpsync/internal/remote"
	"github.com/mpsync/mpsync/internal/state"
)

// Config tunes engine behavior. Zero values select the defaults.
type Config struct {
	DebounceWindow time.Duration
	RetryCap       int
	BackoffBase    time.Duration
	PollInterval   time.Duration

	// SyncOnStart scans the local tree once after seeding and uploads
	// anything the board is missing or has stale. It never deletes
	// board paths with no local counterpart.
	SyncOnStart bool

	// ResetOnIdle soft-reboots the board when the queue drains after
	// changes.
	ResetOnIdle bool
}

// Engine ties the pipeline together: watcher to debouncer to planner to
// queue to executor, over a shared remote state model.
type Engine struct {
	mapper    *pathmap.Mapper
	transport board.Transport
	model     *remote.Model
	cache     *state.Cache
	cfg       Config
	logger    *slog.Logger

	queue    *actionQueue
	planner  *Planner
	watcher  *Watcher
	executor *Executor

	status chan Status
}

// New assembles an engine. cache may be nil to run without cross-run
// fingerprint persistence.
func New(mapper *pathmap.Mapper, transport board.Transport, cache *state.Cache, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		mapper:    mapper,
		transport: transport,
		model:     remote.NewModel(),
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		queue:     newActionQueue(),
		status:    make(chan Status, 64),
	}

	e.planner = NewPlanner(e.model, mapper.RemoteRoot())
	e.watcher = NewWatcher(mapper.Root(), mapper, logger)
	e.executor = NewExecutor(e.queue, transport, e.model, cache, ExecutorConfig{
		RetryCap:     cfg.RetryCap,
		BackoffBase:  cfg.BackoffBase,
		PollInterval: cfg.PollInterval,
		ResetOnIdle:  cfg.ResetOnIdle,
	}, logger, e.notify)

	return e
}

// Status returns the stream of observable engine events. Slow consumers
// lose events rather than stall the pipeline.
func (e *Engine) Status() <-chan Status {
	return e.status
}

// Model exposes the remote state model for read-only inspection.
func (e *Engine) Model() *remote.Model {
	return e.model
}

// Run seeds the model from the board, then watches the local tree until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.seed(ctx); err != nil {
		return err
	}

	intents := make(chan Intent, 256)
	debouncer := NewDebouncer(e.cfg.DebounceWindow, func(in Intent) {
		select {
		case intents <- in:
		case <-ctx.Done():
		}
	})
	defer debouncer.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.watcher.Run(ctx)
	})

	// The startup scan must not begin until the watches are armed: a
	// file changed between scan and watch would otherwise be missed
	// until its next change.
	if e.cfg.SyncOnStart {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.watcher.Ready():
			}

			if err := e.scanLocal(); err != nil {
				return fmt.Errorf("initial scan: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return e.executor.Run(ctx)
	})

	// Event pump: raw notifications into the debouncer.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case ev, ok := <-e.watcher.Events():
				if !ok {
					return nil
				}

				remotePath, ok := e.mapper.ToRemote(ev.LocalPath)
				if !ok {
					continue
				}

				e.logger.Debug("change observed",
					slog.String("kind", ev.Kind.String()),
					slog.String("path", remotePath),
				)
				debouncer.Observe(remotePath, ev.LocalPath, ev.Kind, ev.IsDir)
			}
		}
	})

	// Planning loop: single consumer, so planning and enqueueing stay
	// serialized with respect to each other.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case in := <-intents:
				e.enqueueIntent(in)
			}
		}
	})

	return g.Wait()
}

// enqueueIntent plans an intent and queues the resulting actions in
// order. The plan is handed to the queue whole: a type flip emits two
// actions for the same path, and both must survive the queue's
// one-slot-per-path coalescing.
func (e *Engine) enqueueIntent(in Intent) {
	actions := e.planner.Plan(in)
	if len(actions) == 0 {
		e.logger.Debug("intent is a no-op", slog.String("path", in.RemotePath))
		return
	}

	e.queue.EnqueuePlan(actions)

	for _, a := range actions {
		e.notify(Status{Kind: StatusQueued, Path: a.RemotePath})
	}
}

// seed builds the model from a live board listing, merged with cached
// fingerprints from earlier runs. A board entry whose size matches the
// cached row keeps the cached fingerprint; anything else starts unknown
// and is treated as stale on the next local change.
func (e *Engine) seed(ctx context.Context) error {
	boardID := e.transport.ID()

	entries, err := board.ListTree(ctx, e.transport, e.mapper.RemoteRoot())
	if err != nil {
		return fmt.Errorf("listing board tree: %w", err)
	}

	var cached map[string]remote.Entry
	if e.cache != nil {
		if err := e.cache.InitBoard(boardID); err != nil {
			return fmt.Errorf("preparing fingerprint cache: %w", err)
		}

		cached, err = e.cache.AllEntries(boardID)
		if err != nil {
			e.logger.Warn("reading fingerprint cache", slog.String("error", err.Error()))
			cached = nil
		}
	}

	reused := 0
	for i, en := range entries {
		c, ok := cached[en.Path]
		if ok && !en.IsDir && !c.IsDir && c.Size == en.Size && c.Fingerprint != "" {
			entries[i].Fingerprint = c.Fingerprint
			reused++
		}
	}

	e.model.Seed(entries)

	if e.cache != nil {
		// Drop cache rows for paths no longer on the board and bring
		// the rest in line with what was just observed.
		for p := range cached {
			if _, ok := e.model.Lookup(p); !ok {
				if err := e.cache.DeleteEntry(boardID, p); err != nil {
					e.logger.Warn("pruning fingerprint cache", slog.String("error", err.Error()))
					break
				}
			}
		}
		for _, en := range entries {
			if err := e.cache.PutEntry(boardID, en); err != nil {
				e.logger.Warn("writing fingerprint cache", slog.String("error", err.Error()))
				break
			}
		}
	}

	e.logger.Info("board state seeded",
		slog.String("board", boardID),
		slog.Int("entries", len(entries)),
		slog.Int("cached_fingerprints", reused),
	)

	return nil
}

// scanLocal walks the sync root and queues uploads for anything the
// board is missing or holds with a different fingerprint. Board paths
// with no local counterpart are left alone.
func (e *Engine) scanLocal() error {
	root := e.mapper.Root()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		remotePath, ok := e.mapper.ToRemote(path)
		if !ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		e.enqueueIntent(Intent{
			RemotePath: remotePath,
			LocalPath:  path,
			Effect:     putEffect(d.IsDir()),
			IsDir:      d.IsDir(),
		})

		return nil
	})
}

func (e *Engine) notify(s Status) {
	select {
	case e.status <- s:
	default:
	}
}
