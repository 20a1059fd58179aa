package kernel

import (
	"context"
	"sync"

	"github.com/vk/cellpilot/internal/cell"
)

// Execution is one in-flight execute request. The connection feeds it; callers
// read the live output stream and wait for completion.
//
// The request completes when both the execute_reply and the final idle status
// have arrived, or when it fails. Outputs are buffered without bound, so a
// caller that never reads Output does not stall the connection.
type Execution struct {
	id string

	mu     sync.Mutex
	buf    []cell.Output
	ended  bool
	reply  *Reply
	idle   bool
	err    error
	wake   chan struct{}
	done   chan struct{}
	out    chan cell.Output
	pumpMu sync.Once
}

// NewExecution creates an execution handle for the request with message id id.
func NewExecution(id string) *Execution {
	return &Execution{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan cell.Output),
	}
}

// ID returns the message id of the request.
func (e *Execution) ID() string {
	return e.id
}

// Output returns the live output stream. It is closed after the last output
// once the execution has ended.
func (e *Execution) Output() <-chan cell.Output {
	e.pumpMu.Do(func() { go e.pump() })
	return e.out
}

func (e *Execution) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		if len(e.buf) == 0 {
			ended := e.ended
			e.mu.Unlock()
			if ended {
				return
			}
			<-e.wake
			continue
		}
		next := e.buf[0]
		e.buf = e.buf[1:]
		e.mu.Unlock()

		e.out <- next
	}
}

func (e *Execution) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Emit records one output.
func (e *Execution) Emit(out cell.Output) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.buf = append(e.buf, out)
	e.mu.Unlock()
	e.signal()
}

// SetReply records the execute_reply.
func (e *Execution) SetReply(r Reply) {
	e.mu.Lock()
	e.reply = &r
	e.mu.Unlock()
	e.maybeFinish()
}

// SetIdle records that the kernel went idle for this request.
func (e *Execution) SetIdle() {
	e.mu.Lock()
	e.idle = true
	e.mu.Unlock()
	e.maybeFinish()
}

// Fail ends the execution with err unless it has already ended.
func (e *Execution) Fail(err error) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.err = err
	e.ended = true
	e.mu.Unlock()
	e.signal()
	close(e.done)
}

func (e *Execution) maybeFinish() {
	e.mu.Lock()
	if e.ended || e.reply == nil || !e.idle {
		e.mu.Unlock()
		return
	}
	e.ended = true
	e.mu.Unlock()
	e.signal()
	close(e.done)
}

// Done is closed when the execution has ended.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the execution ends or ctx is cancelled.
func (e *Execution) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return Reply{}, e.err
	}
	return *e.reply, nil
}
