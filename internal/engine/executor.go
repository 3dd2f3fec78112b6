package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/mpsync/mpsync/internal/board"
	syncerrors "github.com/mpsync/mpsync/internal/errors"
	"github.com/mpsync/mpsync/internal/remote"
	"github.com/mpsync/mpsync/internal/state"
)

// ExecutorConfig tunes retry and reconnect behavior.
type ExecutorConfig struct {
	// RetryCap is the attempt limit for transient failures. Default 4.
	RetryCap int

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Default 200ms.
	BackoffBase time.Duration

	// PollInterval is the reconnect poll cadence while the link is
	// down. Default 5s.
	PollInterval time.Duration

	// ResetOnIdle soft-reboots the board once the queue drains after
	// successful uploads, so the board runs the fresh code.
	ResetOnIdle bool
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.RetryCap <= 0 {
		c.RetryCap = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// resetter is the optional soft-reboot capability of a transport.
type resetter interface {
	SoftReset(ctx context.Context) error
}

// Executor drains the action queue against the transport, strictly one
// action at a time: the link is a single half-duplex channel and cannot
// serve two in-flight operations. The model is updated only after the
// transport confirms an operation.
type Executor struct {
	queue     *actionQueue
	transport board.Transport
	model     *remote.Model
	cache     *state.Cache
	cfg       ExecutorConfig
	logger    *slog.Logger
	notify    func(Status)

	// dirty tracks whether anything changed on the board since the
	// last idle point, for ResetOnIdle.
	dirty bool
}

// NewExecutor creates an executor. cache may be nil (no persistence).
func NewExecutor(queue *actionQueue, transport board.Transport, model *remote.Model, cache *state.Cache, cfg ExecutorConfig, logger *slog.Logger, notify func(Status)) *Executor {
	return &Executor{
		queue:     queue,
		transport: transport,
		model:     model,
		cache:     cache,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		notify:    notify,
	}
}

// Run executes queued actions until the context is cancelled. The
// in-flight action always reaches a terminal state before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	for {
		a, ok := e.queue.Pop()
		if !ok {
			e.maybeReset(ctx)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.queue.Wake():
				continue
			}
		}

		if err := e.waitConnected(ctx, a); err != nil {
			return err
		}

		e.execute(ctx, a)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// waitConnected pauses execution while the link is down. Actions
// accumulate in the queue; nothing is dropped. On cancellation the
// popped action is returned to the queue head.
func (e *Executor) waitConnected(ctx context.Context, a PlannedAction) error {
	if e.transport.Connected() {
		return nil
	}

	e.logger.Warn("board disconnected, pausing sync", slog.String("board", e.transport.ID()))
	e.notify(Status{Kind: StatusPaused})

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.queue.PushFront(a)
			return ctx.Err()

		case <-ticker.C:
			if e.transport.Connected() {
				e.logger.Info("board reachable again, resuming sync")
				e.notify(Status{Kind: StatusResumed})
				return nil
			}
		}
	}
}

// execute drives one action to a terminal state: confirmed success,
// benign no-op, deferred (requeued), or reported failure.
func (e *Executor) execute(ctx context.Context, a PlannedAction) {
	for {
		entry, err := e.apply(ctx, &a)

		switch {
		case err == nil:
			e.recordSuccess(a, entry)
			return

		case errors.Is(err, syncerrors.ErrVanished):
			e.logger.Debug("upload source vanished, skipping",
				slog.String("path", a.RemotePath),
			)
			e.notify(Status{Kind: StatusSkipped, Path: a.RemotePath})
			return

		case syncerrors.IsDisconnected(err):
			// Back to the queue head; the next loop iteration pauses
			// until the link returns.
			e.queue.PushFront(a)
			return

		case syncerrors.IsMissingParent(err) && !a.prereqRetried:
			e.synthesizeParent(a)
			return

		case syncerrors.IsTransient(err):
			a.Attempts++
			if a.Attempts >= e.cfg.RetryCap {
				e.report(a, err)
				return
			}

			backoff := e.cfg.BackoffBase << (a.Attempts - 1)
			e.logger.Debug("transient failure, backing off",
				slog.String("path", a.RemotePath),
				slog.Int("attempt", a.Attempts),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				e.queue.PushFront(a)
				return
			case <-time.After(backoff):
			}

		default:
			e.report(a, err)
			return
		}
	}
}

// apply performs the board call for one action. Delete ops treat an
// already-absent remote path as success: the board agrees with the
// intent, however it got there.
func (e *Executor) apply(ctx context.Context, a *PlannedAction) (remote.Entry, error) {
	switch a.Op {
	case remote.OpCreateFile, remote.OpUpdateFile:
		info, err := os.Stat(a.LocalPath)
		if err != nil {
			if os.IsNotExist(err) {
				return remote.Entry{}, syncerrors.ErrVanished
			}
			return remote.Entry{}, err
		}

		data, err := os.ReadFile(a.LocalPath)
		if err != nil {
			if os.IsNotExist(err) {
				return remote.Entry{}, syncerrors.ErrVanished
			}
			return remote.Entry{}, err
		}

		e.notify(Status{Kind: StatusUploading, Path: a.RemotePath})

		if err := e.transport.PutFile(ctx, a.RemotePath, data); err != nil {
			return remote.Entry{}, err
		}

		return remote.Entry{
			Path:        a.RemotePath,
			Size:        int64(len(data)),
			Fingerprint: Fingerprint(info),
		}, nil

	case remote.OpCreateDir:
		if err := e.transport.MakeDir(ctx, a.RemotePath); err != nil {
			return remote.Entry{}, err
		}
		return remote.Entry{Path: a.RemotePath, IsDir: true}, nil

	case remote.OpDeleteFile:
		if err := e.transport.RemoveFile(ctx, a.RemotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return remote.Entry{}, err
		}
		return remote.Entry{Path: a.RemotePath}, nil

	case remote.OpDeleteDir:
		if err := e.transport.RemoveDir(ctx, a.RemotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return remote.Entry{}, err
		}
		return remote.Entry{Path: a.RemotePath, IsDir: true}, nil
	}

	return remote.Entry{}, nil
}

// recordSuccess applies a confirmed action to the model and the
// fingerprint cache, then reports it.
func (e *Executor) recordSuccess(a PlannedAction, entry remote.Entry) {
	e.model.RecordSuccess(a.Op, entry)
	e.dirty = true

	if e.cache != nil {
		var err error
		switch a.Op {
		case remote.OpDeleteFile:
			err = e.cache.DeleteEntry(e.transport.ID(), a.RemotePath)
		case remote.OpDeleteDir:
			err = e.cache.DeleteTree(e.transport.ID(), a.RemotePath)
		default:
			err = e.cache.PutEntry(e.transport.ID(), entry)
		}
		if err != nil {
			e.logger.Warn("updating fingerprint cache",
				slog.String("path", a.RemotePath),
				slog.String("error", err.Error()),
			)
		}
	}

	kind := StatusUploaded
	switch a.Op {
	case remote.OpCreateDir:
		kind = StatusMkdir
	case remote.OpDeleteFile:
		kind = StatusDeleted
	case remote.OpDeleteDir:
		kind = StatusRmdir
	}

	e.logger.Info("board "+a.Op.String(), slog.String("path", a.RemotePath))
	e.notify(Status{Kind: kind, Path: a.RemotePath})
}

// synthesizeParent requeues the failed action behind a mkdir for its
// immediate parent. A grandparent that is also missing resolves the
// same way when the mkdir itself fails, one level per round.
func (e *Executor) synthesizeParent(a PlannedAction) {
	parent := path.Dir(a.RemotePath)

	e.logger.Debug("synthesizing missing parent",
		slog.String("path", a.RemotePath),
		slog.String("parent", parent),
	)

	a.prereqRetried = true
	e.queue.PushFront(a)
	e.queue.PushFront(PlannedAction{RemotePath: parent, Op: remote.OpCreateDir})
}

// report marks a terminal failure. The action is dropped and the model
// deliberately left stale for the path, so the next observed change is
// reconciled against the last-known-good state.
func (e *Executor) report(a PlannedAction, err error) {
	e.logger.Error("board operation failed",
		slog.String("op", a.Op.String()),
		slog.String("path", a.RemotePath),
		slog.Int("attempts", a.Attempts+1),
		slog.String("error", err.Error()),
	)
	e.notify(Status{Kind: StatusError, Path: a.RemotePath, Err: err})
}

// maybeReset soft-reboots the board at an idle point after changes, so
// the freshly uploaded code starts running. Skipped during shutdown:
// the cancelled context would only produce a spurious reset failure.
func (e *Executor) maybeReset(ctx context.Context) {
	if !e.dirty || !e.cfg.ResetOnIdle || ctx.Err() != nil {
		return
	}
	e.dirty = false

	r, ok := e.transport.(resetter)
	if !ok {
		return
	}

	if err := r.SoftReset(ctx); err != nil {
		e.logger.Warn("soft reset failed", slog.String("error", err.Error()))
		return
	}

	e.logger.Info("board soft reset")
	e.notify(Status{Kind: StatusReset})
}
