// Package events enumerates the host signals the core reacts to. Every signal
// is an Event value posted to a Sink; nothing subscribes to callbacks.
package events

import (
	"fmt"
	"time"
)

// Kind identifies the signal carried by an Event.
type Kind int

const (
	// DocumentOpened: a notebook became available in the host.
	DocumentOpened Kind = iota
	// DocumentClosed: a notebook was closed.
	DocumentClosed
	// KernelChanged: the notebook's kernel reference was replaced (attach, restart, reconnect, detach).
	KernelChanged
	// ExecutionScheduled: a cell was queued for execution.
	ExecutionScheduled
	// CellStateChanged: a cell's execution count changed after a run.
	CellStateChanged
)

func (k Kind) String() string {
	switch k {
	case DocumentOpened:
		return "document_opened"
	case DocumentClosed:
		return "document_closed"
	case KernelChanged:
		return "kernel_changed"
	case ExecutionScheduled:
		return "execution_scheduled"
	case CellStateChanged:
		return "cell_state_changed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a single host signal.
type Event struct {
	Kind Kind
	Path string
	Time time.Time

	CellID string

	KernelID         string
	PreviousKernelID string

	ExecutionCount         *int
	PreviousExecutionCount *int
}

// Completed reports whether a CellStateChanged event is the transition of the
// execution count from null to non-null.
func (e Event) Completed() bool {
	return e.Kind == CellStateChanged && e.PreviousExecutionCount == nil && e.ExecutionCount != nil
}

// Sink is the single delivery entry point for events.
type Sink interface {
	Post(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Post(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
