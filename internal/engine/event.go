// Package engine is the reconciliation core: it turns a raw, bursty
// stream of filesystem notifications into a minimal, ordered, retried
// sequence of board operations while keeping a model of the board's
// state consistent with reality.
package engine

import (
	"time"

	"github.com/mpsync/mpsync/internal/remote"
)

// EventKind classifies a raw filesystem notification.
type EventKind int

const (
	EventCreated EventKind = iota
	EventModified
	EventDeleted
	EventMovedFrom
	EventMovedTo
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	case EventMovedFrom:
		return "moved-from"
	case EventMovedTo:
		return "moved-to"
	default:
		return "unknown"
	}
}

// WatchEvent is one raw change notification from the watch primitive.
// Consumed once; never stored.
type WatchEvent struct {
	LocalPath  string
	Kind       EventKind
	IsDir      bool
	ObservedAt time.Time
}

// Effect is the net logical outcome of a debounce window for one path.
type Effect int

const (
	EffectPutFile Effect = iota
	EffectPutDir
	EffectRemove
)

func (e Effect) String() string {
	switch e {
	case EffectPutFile:
		return "put-file"
	case EffectPutDir:
		return "put-dir"
	case EffectRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Intent is the coalesced outcome for one remote path. At most one
// Intent is pending per remote path at any time; later events overwrite
// the effect in place.
type Intent struct {
	RemotePath string
	LocalPath  string
	Effect     Effect
	IsDir      bool

	// Generation orders finalized intents for a path.
	Generation uint64
}

// PlannedAction is one concrete board operation produced by the
// planner, queued for the executor.
type PlannedAction struct {
	RemotePath string
	Op         remote.Op

	// LocalPath is the upload source for file ops. Content is read at
	// execution time, not plan time, so a vanished source degrades to
	// a no-op instead of an error.
	LocalPath string

	// Attempts counts transient-failure retries.
	Attempts int

	// prereqRetried marks that a missing-parent fix was already
	// synthesized once; a second failure is terminal.
	prereqRetried bool
}

// StatusKind labels a human-readable engine status event.
type StatusKind string

const (
	StatusQueued    StatusKind = "queued"
	StatusUploading StatusKind = "uploading"
	StatusUploaded  StatusKind = "uploaded"
	StatusMkdir     StatusKind = "mkdir"
	StatusDeleted   StatusKind = "deleted"
	StatusRmdir     StatusKind = "rmdir"
	StatusSkipped   StatusKind = "skipped"
	StatusError     StatusKind = "error"
	StatusPaused    StatusKind = "paused"
	StatusResumed   StatusKind = "resumed"
	StatusReset     StatusKind = "reset"
)

// Status is an observable engine event, exposed for logging. Not part
// of the core contract.
type Status struct {
	Kind StatusKind
	Path string
	Err  error
}
