// Package kernel talks to execution environments ("kernels") hosted by a
// Jupyter server.
//
// Code is only ever submitted as text: the host and the kernel are separate
// processes, so anything the kernel should see (context variables, the
// assistant handle) has to be created by code the kernel runs.
package kernel

import (
	"context"
	"errors"
)

var (
	ErrDisconnected    = errors.New("kernel disconnected")
	ErrKernelNotFound  = errors.New("kernel not found")
	ErrExecutionFailed = errors.New("execution failed")
)

// ClearOutput is the pseudo output type forwarded for clear_output messages.
const ClearOutput = "clear_output"

// ExecuteOptions mirror the flags of a Jupyter execute_request.
type ExecuteOptions struct {
	// Silent executions produce no outputs and do not increment the execution count.
	Silent       bool
	StoreHistory bool
}

// Reply is the content of an execute_reply.
type Reply struct {
	Status         string   `json:"status"`
	ExecutionCount *int     `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// OK reports whether the kernel accepted and ran the code without raising.
func (r Reply) OK() bool {
	return r.Status == "ok"
}

// Kernel is a live connection to one execution environment.
type Kernel interface {
	// ID returns the kernel id; it identifies the environment across the host.
	ID() string
	// Execute submits code and returns immediately with a handle on the
	// running request.
	Execute(ctx context.Context, code string, opts ExecuteOptions) (*Execution, error)
	// Done is closed once the connection is lost or closed.
	Done() <-chan struct{}
	// Close tears down the connection. Pending executions fail with ErrDisconnected.
	Close() error
}
