package engine

import "sync"

// actionQueue is the strictly ordered, single-consumer queue between
// the planning flow and the executor. It keeps one slot per remote
// path holding a short FIFO of actions: a plan may legitimately need
// several consecutive operations on one path (replacing a remote
// directory with a file is rmdir then create), and those must all
// execute in plan order. A later plan for a path replaces the whole
// slot, which reapplies the debouncer's coalescing discipline at the
// queue boundary and absorbs races between debounce expiry and
// execution latency.
type actionQueue struct {
	mu     sync.Mutex
	order  []string
	byPath map[string][]PlannedAction

	// signal wakes the executor after an enqueue. Buffered so an
	// enqueue never blocks on a busy executor.
	signal chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{
		byPath: make(map[string][]PlannedAction),
		signal: make(chan struct{}, 1),
	}
}

// EnqueuePlan appends one plan's actions. The first action a plan
// emits for a path replaces anything pending for that path, keeping
// its slot; further actions for the same path within the plan append
// to the slot so the sequence executes in plan order.
func (q *actionQueue) EnqueuePlan(actions []PlannedAction) {
	q.mu.Lock()

	planned := make(map[string]bool, len(actions))
	for _, a := range actions {
		if planned[a.RemotePath] {
			q.byPath[a.RemotePath] = append(q.byPath[a.RemotePath], a)
			continue
		}
		planned[a.RemotePath] = true

		if _, pending := q.byPath[a.RemotePath]; !pending {
			q.order = append(q.order, a.RemotePath)
		}
		q.byPath[a.RemotePath] = []PlannedAction{a}
	}

	q.mu.Unlock()
	q.wake()
}

// Enqueue appends a single action, replacing anything pending for its
// remote path in place.
func (q *actionQueue) Enqueue(a PlannedAction) {
	q.EnqueuePlan([]PlannedAction{a})
}

// PushFront places an action at the head of the queue, ahead of
// everything pending. Used for synthesized prerequisites and for
// returning an action to the queue when the link drops mid-execution.
// Anything already pending for the path stays queued behind it, so a
// requeued action never cancels a newer one.
func (q *actionQueue) PushFront(a PlannedAction) {
	q.mu.Lock()

	if seq, pending := q.byPath[a.RemotePath]; pending {
		q.removeOrdered(a.RemotePath)
		q.byPath[a.RemotePath] = append([]PlannedAction{a}, seq...)
	} else {
		q.byPath[a.RemotePath] = []PlannedAction{a}
	}
	q.order = append([]string{a.RemotePath}, q.order...)

	q.mu.Unlock()
	q.wake()
}

// Pop removes and returns the oldest pending action. A path with
// further actions in its slot stays at the queue head so its sequence
// runs back to back.
func (q *actionQueue) Pop() (PlannedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return PlannedAction{}, false
	}

	path := q.order[0]
	seq := q.byPath[path]
	a := seq[0]

	if len(seq) > 1 {
		q.byPath[path] = seq[1:]
	} else {
		q.order = q.order[1:]
		delete(q.byPath, path)
	}

	return a, true
}

// Len returns the number of pending actions.
func (q *actionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, seq := range q.byPath {
		n += len(seq)
	}

	return n
}

// Wake returns the channel the executor waits on for new work.
func (q *actionQueue) Wake() <-chan struct{} {
	return q.signal
}

func (q *actionQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// removeOrdered deletes a path from the order slice. Caller holds the
// lock.
func (q *actionQueue) removeOrdered(path string) {
	for i, p := range q.order {
		if p == path {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
