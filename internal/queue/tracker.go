// Package queue tracks, per notebook, the cells that were scheduled for
// execution and have not completed yet.
//
// # FIFO law
//
// Completion pops the front of the queue regardless of which cell reported
// it. As long as cells complete in the order they were scheduled, Head always
// names the oldest cell still in flight. If cells complete out of order the
// head can name the wrong cell; OnCompleted returns the popped id so callers
// can detect and log the mismatch.
package queue

import (
	"slices"
	"sync"
)

// Tracker holds one FIFO of cell ids per notebook path. The zero value is not
// usable; call New.
type Tracker struct {
	mu     sync.Mutex
	queues map[string][]string
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{queues: make(map[string][]string)}
}

// OnScheduled appends id to the queue for path. An id already waiting in the
// queue is not added twice.
func (t *Tracker) OnScheduled(path, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[path]
	if slices.Contains(q, id) {
		return
	}
	t.queues[path] = append(q, id)
}

// OnCompleted removes the front of the queue for path. It returns the popped
// id, which is not necessarily id. ok is false when the queue was empty.
func (t *Tracker) OnCompleted(path, id string) (popped string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[path]
	if len(q) == 0 {
		return "", false
	}
	popped = q[0]
	if len(q) == 1 {
		delete(t.queues, path)
	} else {
		t.queues[path] = q[1:]
	}
	return popped, true
}

// Head returns the front of the queue for path.
func (t *Tracker) Head(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[path]
	if len(q) == 0 {
		return "", false
	}
	return q[0], true
}

// Pending returns a copy of the queue for path.
func (t *Tracker) Pending(path string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.queues[path])
}

// Reset forgets the queue for path.
func (t *Tracker) Reset(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, path)
}
