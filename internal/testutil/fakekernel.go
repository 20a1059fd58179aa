package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/cellpilot/internal/cell"
	"github.com/vk/cellpilot/internal/kernel"
)

// Submission is one Execute call seen by a FakeKernel.
type Submission struct {
	Code string
	Opts kernel.ExecuteOptions
}

// Script describes how a FakeKernel answers one submission.
type Script struct {
	Outputs []cell.Output
	// Status defaults to "ok".
	Status string
	EName  string
	EValue string
	// Hold, when set, delays the reply until it is closed.
	Hold <-chan struct{}
}

// FakeKernel is an in-memory kernel.Kernel. Non-silent submissions increment
// its execution count like a real kernel does.
type FakeKernel struct {
	id string

	mu          sync.Mutex
	submissions []Submission
	script      func(code string, opts kernel.ExecuteOptions) Script
	executeErr  error
	count       int

	done      chan struct{}
	closeOnce sync.Once
}

var _ kernel.Kernel = (*FakeKernel)(nil)

// NewFakeKernel returns a kernel that answers every submission with an ok
// reply and no outputs.
func NewFakeKernel(id string) *FakeKernel {
	return &FakeKernel{
		id:   id,
		done: make(chan struct{}),
		script: func(string, kernel.ExecuteOptions) Script {
			return Script{}
		},
	}
}

// SetScript replaces the answer function.
func (k *FakeKernel) SetScript(fn func(code string, opts kernel.ExecuteOptions) Script) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.script = fn
}

// FailExecute makes subsequent Execute calls return err.
func (k *FakeKernel) FailExecute(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.executeErr = err
}

// Submissions returns every submission so far, in order.
func (k *FakeKernel) Submissions() []Submission {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Submission(nil), k.submissions...)
}

func (k *FakeKernel) ID() string { return k.id }

func (k *FakeKernel) Done() <-chan struct{} { return k.done }

func (k *FakeKernel) Close() error {
	k.closeOnce.Do(func() { close(k.done) })
	return nil
}

func (k *FakeKernel) Execute(ctx context.Context, code string, opts kernel.ExecuteOptions) (*kernel.Execution, error) {
	select {
	case <-k.done:
		return nil, kernel.ErrDisconnected
	default:
	}

	k.mu.Lock()
	if k.executeErr != nil {
		err := k.executeErr
		k.mu.Unlock()
		return nil, err
	}
	k.submissions = append(k.submissions, Submission{Code: code, Opts: opts})
	script := k.script(code, opts)
	var count *int
	if !opts.Silent {
		k.count++
		n := k.count
		count = &n
	}
	exec := kernel.NewExecution(fmt.Sprintf("%s-%d", k.id, len(k.submissions)))
	k.mu.Unlock()

	go func() {
		for _, out := range script.Outputs {
			exec.Emit(out)
		}
		if script.Hold != nil {
			select {
			case <-script.Hold:
			case <-k.done:
				exec.Fail(kernel.ErrDisconnected)
				return
			}
		}
		status := script.Status
		if status == "" {
			status = "ok"
		}
		exec.SetReply(kernel.Reply{
			Status:         status,
			ExecutionCount: count,
			EName:          script.EName,
			EValue:         script.EValue,
		})
		exec.SetIdle()
	}()
	return exec, nil
}
