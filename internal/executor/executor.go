// Package executor implements the cell run state machine that sits in front of
// the host's default runner.
//
// Every run starts in Classify, which reads the cell's effective kind and
// picks a plan:
//
//	markdown, raw, unset  -> DelegateDefault
//	code                  -> InjectContext -> DelegateDefault
//	prompt                -> InjectContext -> RunPrompt
//
// InjectContext binds the notebook context into the kernel namespace by
// submitting code. RunPrompt hands the cell source to a long-lived assistant
// object living in the kernel and streams whatever it prints into the cell.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vk/cellpilot/internal/cell"
	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/vk/cellpilot/internal/kernel"
	"github.com/vk/cellpilot/internal/notebook"
)

var (
	ErrEnvironmentUnavailable = errors.New("execution environment unavailable")
	ErrSubmissionFailed       = errors.New("submission to execution environment failed")
)

// State is one step of a run.
type State int

const (
	Classify State = iota
	DelegateDefault
	InjectContext
	RunPrompt
)

func (s State) String() string {
	switch s {
	case Classify:
		return "classify"
	case DelegateDefault:
		return "delegate_default"
	case InjectContext:
		return "inject_context"
	case RunPrompt:
		return "run_prompt"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Plan returns the states that follow Classify for a cell of kind k.
func Plan(k cell.Kind) []State {
	switch k {
	case cell.Code:
		return []State{InjectContext, DelegateDefault}
	case cell.Prompt:
		return []State{InjectContext, RunPrompt}
	default:
		return []State{DelegateDefault}
	}
}

// RunContext identifies the cell to run and the kernel attached to its
// notebook. Kernel is nil when the notebook has no live kernel.
type RunContext struct {
	Notebook *notebook.Notebook
	CellID   string
	Kernel   kernel.Kernel
}

// Runner runs one cell and reports success or failure.
type Runner interface {
	Run(ctx context.Context, rc RunContext) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, rc RunContext) error

func (f RunnerFunc) Run(ctx context.Context, rc RunContext) error { return f(ctx, rc) }

// Executor is the Runner installed in the host pipeline.
type Executor struct {
	fallback  Runner
	assistant Assistant
	version   string
}

var _ Runner = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithAssistant sets how the kernel-side assistant is located and called.
func WithAssistant(a Assistant) Option {
	return func(e *Executor) { e.assistant = a }
}

// WithVersion sets the version string injected as __cellpilot_version__.
func WithVersion(v string) Option {
	return func(e *Executor) { e.version = v }
}

// New wraps fallback, the host's default single-cell runner.
func New(fallback Runner, opts ...Option) *Executor {
	e := &Executor{
		fallback:  fallback,
		assistant: DefaultAssistant(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run classifies the cell and walks its plan. It does not retry; any error is
// the run's result.
func (e *Executor) Run(ctx context.Context, rc RunContext) error {
	logger := ctxlog.FromContext(ctx).With("path", rc.Notebook.Path(), "cell_id", rc.CellID)

	c, _, err := rc.Notebook.Cell(rc.CellID)
	if err != nil {
		return err
	}
	kind := c.EffectiveKind()
	plan := Plan(kind)
	logger.Debug("Cell classified.", "kind", kind, "plan", plan)

	for _, state := range plan {
		switch state {
		case DelegateDefault:
			return e.fallback.Run(ctx, rc)
		case InjectContext:
			if err := e.inject(ctx, rc, logger); err != nil {
				return err
			}
		case RunPrompt:
			return e.runPrompt(ctx, rc, logger)
		}
	}
	return nil
}

func (e *Executor) inject(ctx context.Context, rc RunContext, logger *slog.Logger) error {
	if rc.Kernel == nil {
		return fmt.Errorf("%w: notebook %s has no kernel", ErrEnvironmentUnavailable, rc.Notebook.Path())
	}
	doc, err := rc.Notebook.Snapshot().JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize notebook: %w", err)
	}
	code := contextCode(e.version, rc.Notebook.Path(), doc, rc.CellID)

	if _, err := submit(ctx, rc.Kernel, code, kernel.ExecuteOptions{Silent: true}); err != nil {
		return fmt.Errorf("failed to inject context: %w", err)
	}
	logger.Debug("Context injected.", "kernel_id", rc.Kernel.ID())
	return nil
}

func (e *Executor) runPrompt(ctx context.Context, rc RunContext, logger *slog.Logger) error {
	c, _, err := rc.Notebook.Cell(rc.CellID)
	if err != nil {
		return err
	}
	if c.HasOutput() {
		logger.Info("Prompt cell already has output, not resubmitting.")
		return nil
	}

	boot, err := rc.Kernel.Execute(ctx, e.assistant.bootstrapCode(), kernel.ExecuteOptions{Silent: true})
	if err != nil {
		return submissionError("assistant bootstrap", err)
	}
	bootOutputs, reply, err := collect(ctx, boot)
	if err != nil {
		return submissionError("assistant bootstrap", err)
	}
	if !reply.OK() {
		return fmt.Errorf("%w: assistant bootstrap raised %s: %s", ErrSubmissionFailed, reply.EName, reply.EValue)
	}
	for _, out := range bootOutputs {
		logger.Warn("Assistant bootstrap produced output.", "output_type", out.OutputType, "text", out.Text)
	}

	logger.Info("💬 Submitting prompt.", "kernel_id", rc.Kernel.ID())
	chat, err := rc.Kernel.Execute(ctx, e.assistant.chatCode(c.Source), kernel.ExecuteOptions{StoreHistory: true})
	if err != nil {
		return submissionError("prompt", err)
	}
	for _, out := range bootOutputs {
		_ = rc.Notebook.AppendOutput(rc.CellID, out)
	}
	reply, err = Stream(ctx, rc.Notebook, rc.CellID, chat)
	if err != nil {
		// Partial output would make the next run look like a finished one.
		_ = rc.Notebook.ClearOutputs(rc.CellID)
		return submissionError("prompt", err)
	}
	if _, err := rc.Notebook.SetExecutionCount(rc.CellID, reply.ExecutionCount); err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: %s: %s", kernel.ErrExecutionFailed, reply.EName, reply.EValue)
	}
	logger.Debug("Prompt completed.")
	return nil
}

// submit executes code without binding outputs and requires an ok reply.
func submit(ctx context.Context, k kernel.Kernel, code string, opts kernel.ExecuteOptions) (kernel.Reply, error) {
	exec, err := k.Execute(ctx, code, opts)
	if err != nil {
		return kernel.Reply{}, submissionError("code", err)
	}
	reply, err := exec.Wait(ctx)
	if err != nil {
		return kernel.Reply{}, submissionError("code", err)
	}
	if !reply.OK() {
		return reply, fmt.Errorf("%w: %s: %s", ErrSubmissionFailed, reply.EName, reply.EValue)
	}
	return reply, nil
}

func submissionError(what string, err error) error {
	if errors.Is(err, kernel.ErrDisconnected) {
		return fmt.Errorf("%w: %s: %w", ErrEnvironmentUnavailable, what, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrSubmissionFailed, what, err)
}

// collect drains the outputs of exec without touching any cell.
func collect(ctx context.Context, exec *kernel.Execution) ([]cell.Output, kernel.Reply, error) {
	var outs []cell.Output
	outputs := exec.Output()
	for {
		select {
		case out, ok := <-outputs:
			if !ok {
				reply, err := exec.Wait(ctx)
				return outs, reply, err
			}
			if out.OutputType == kernel.ClearOutput {
				outs = nil
				continue
			}
			outs = append(outs, out)
		case <-ctx.Done():
			return nil, kernel.Reply{}, ctx.Err()
		}
	}
}

// Stream copies the live outputs of exec into the cell until the execution
// ends, then returns its reply. A clear_output message empties the cell's
// outputs. Outputs for a cell deleted mid-run are dropped.
func Stream(ctx context.Context, nb *notebook.Notebook, cellID string, exec *kernel.Execution) (kernel.Reply, error) {
	outputs := exec.Output()
	for {
		select {
		case out, ok := <-outputs:
			if !ok {
				return exec.Wait(ctx)
			}
			if out.OutputType == kernel.ClearOutput {
				_ = nb.ClearOutputs(cellID)
				continue
			}
			_ = nb.AppendOutput(cellID, out)
		case <-ctx.Done():
			return kernel.Reply{}, ctx.Err()
		}
	}
}
