package engine

import (
	"sync"
	"time"
)

// DefaultDebounceWindow absorbs editor save patterns (write-to-temp-
// then-rename, multiple modify events per autosave) that would
// otherwise trigger redundant board writes.
const DefaultDebounceWindow = 500 * time.Millisecond

// pendingIntent tracks the net effect of all events seen for one path
// during its window.
type pendingIntent struct {
	intent Intent
	timer  *time.Timer

	// born is true when the path first appeared inside this window; a
	// delete then cancels the whole intent (the object never persisted
	// long enough to warrant a board round trip).
	born bool
}

// Debouncer collapses bursts of events for the same remote path into a
// single Intent. The window is anchored at the first event for a path:
// the timer is armed once and every later event within the window
// merges into the pending intent in place.
type Debouncer struct {
	window time.Duration
	emit   func(Intent)

	mu      sync.Mutex
	pending map[string]*pendingIntent
	gen     uint64
	stopped bool
}

// NewDebouncer creates a debouncer that hands finalized intents to
// emit. The callback runs outside the lock, on the timer goroutine.
func NewDebouncer(window time.Duration, emit func(Intent)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}

	return &Debouncer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingIntent),
	}
}

// Observe ingests one event for a remote path. Coalescing rules, in
// event order: Created then Deleted within one window nets to nothing;
// Modified always yields a put; moves degrade to remove(old) +
// put(new).
func (d *Debouncer) Observe(remotePath, localPath string, kind EventKind, isDir bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	p, ok := d.pending[remotePath]
	if !ok {
		d.observeFirst(remotePath, localPath, kind, isDir)
		return
	}

	switch kind {
	case EventDeleted, EventMovedFrom:
		if p.born {
			// Created and deleted inside one window: net zero.
			p.timer.Stop()
			delete(d.pending, remotePath)
			return
		}
		p.intent.Effect = EffectRemove

	case EventCreated, EventMovedTo:
		p.intent.Effect = putEffect(isDir)
		p.intent.IsDir = isDir
		p.intent.LocalPath = localPath

	case EventModified:
		if isDir {
			return
		}
		p.intent.Effect = EffectPutFile
		p.intent.IsDir = false
		p.intent.LocalPath = localPath
	}
}

// observeFirst arms the window timer for a path's first event. Caller
// holds the lock.
func (d *Debouncer) observeFirst(remotePath, localPath string, kind EventKind, isDir bool) {
	intent := Intent{
		RemotePath: remotePath,
		LocalPath:  localPath,
		IsDir:      isDir,
	}

	born := false

	switch kind {
	case EventCreated, EventMovedTo:
		intent.Effect = putEffect(isDir)
		born = true
	case EventModified:
		if isDir {
			return
		}
		intent.Effect = EffectPutFile
	case EventDeleted, EventMovedFrom:
		intent.Effect = EffectRemove
	}

	p := &pendingIntent{intent: intent, born: born}
	p.timer = time.AfterFunc(d.window, func() { d.expire(remotePath) })
	d.pending[remotePath] = p
}

// expire finalizes the intent for a path when its window closes.
func (d *Debouncer) expire(remotePath string) {
	d.mu.Lock()

	p, ok := d.pending[remotePath]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}

	delete(d.pending, remotePath)
	d.gen++
	p.intent.Generation = d.gen

	d.mu.Unlock()

	d.emit(p.intent)
}

// Pending returns the number of paths with an open window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Stop cancels all open windows. No intents are emitted after Stop
// returns; used on shutdown when new raw events are no longer accepted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
}

func putEffect(isDir bool) Effect {
	if isDir {
		return EffectPutDir
	}
	return EffectPutFile
}
