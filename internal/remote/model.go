// Package remote holds the engine's belief about what exists on the
// board: a mapping from remote path to a lightweight fingerprint. It is
// a lagging, eventually-consistent cache: it never reflects an action
// that has not been confirmed by the transport.
package remote

import (
	"sort"
	"strings"
	"sync"
)

// Op is a concrete remote filesystem operation.
type Op int

const (
	OpCreateFile Op = iota
	OpUpdateFile
	OpDeleteFile
	OpCreateDir
	OpDeleteDir
)

// String returns the operation name as used in status events and logs.
func (op Op) String() string {
	switch op {
	case OpCreateFile:
		return "create"
	case OpUpdateFile:
		return "update"
	case OpDeleteFile:
		return "delete"
	case OpCreateDir:
		return "mkdir"
	case OpDeleteDir:
		return "rmdir"
	default:
		return "unknown"
	}
}

// Entry is the cached belief about one remote object.
type Entry struct {
	Path        string `json:"path"`
	IsDir       bool   `json:"dir"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint"`
}

// Model is the remote state cache. Seed and RecordSuccess are the only
// mutation paths: Seed once after the startup listing, RecordSuccess
// from the executor's confirmation step. The planner only reads.
type Model struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{entries: make(map[string]Entry)}
}

// Seed replaces the entire model with the given entries. Called once
// after the initial board listing.
func (m *Model) Seed(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		m.entries[e.Path] = e
	}
}

// Lookup returns the entry for a remote path, if known.
func (m *Model) Lookup(path string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[path]

	return e, ok
}

// RecordSuccess applies the effect of a confirmed action. Create and
// update ops insert-or-update the entry; delete ops remove it. OpDeleteDir
// also removes every descendant, so a directory entry is never left
// behind while children remain.
func (m *Model) RecordSuccess(op Op, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op {
	case OpCreateFile, OpUpdateFile:
		e.IsDir = false
		m.entries[e.Path] = e
	case OpCreateDir:
		e.IsDir = true
		m.entries[e.Path] = e
	case OpDeleteFile:
		delete(m.entries, e.Path)
	case OpDeleteDir:
		delete(m.entries, e.Path)
		prefix := e.Path + "/"
		for p := range m.entries {
			if strings.HasPrefix(p, prefix) {
				delete(m.entries, p)
			}
		}
	}
}

// Descendants returns every entry strictly below the given directory,
// deepest paths first. Used by the planner to cascade directory
// deletions leaves-first.
func (m *Model) Descendants(dir string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := dir + "/"

	var out []Entry
	for p, e := range m.entries {
		if strings.HasPrefix(p, prefix) {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		di := strings.Count(out[i].Path, "/")
		dj := strings.Count(out[j].Path, "/")
		if di != dj {
			return di > dj
		}
		return out[i].Path > out[j].Path
	})

	return out
}

// Snapshot returns a copy of all entries, sorted by path. Used for
// cache persistence and tests.
func (m *Model) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// Len returns the number of known entries.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}
