package pipeline

import (
	"context"
	"fmt"

	"github.com/vk/cellpilot/internal/executor"
	"github.com/vk/cellpilot/internal/kernel"
)

// DefaultRunner is the plain single-cell run: non-executable cells succeed
// untouched, code cells are sent to the kernel verbatim.
type DefaultRunner struct{}

var _ executor.Runner = DefaultRunner{}

func (DefaultRunner) Run(ctx context.Context, rc executor.RunContext) error {
	c, _, err := rc.Notebook.Cell(rc.CellID)
	if err != nil {
		return err
	}
	if !c.Executable() {
		return nil
	}
	if rc.Kernel == nil {
		return fmt.Errorf("%w: notebook %s has no kernel", executor.ErrEnvironmentUnavailable, rc.Notebook.Path())
	}

	if err := rc.Notebook.ClearOutputs(rc.CellID); err != nil {
		return err
	}
	exec, err := rc.Kernel.Execute(ctx, c.Source, kernel.ExecuteOptions{StoreHistory: true})
	if err != nil {
		return fmt.Errorf("failed to execute cell %s: %w", rc.CellID, err)
	}
	reply, err := executor.Stream(ctx, rc.Notebook, rc.CellID, exec)
	if err != nil {
		return fmt.Errorf("failed to execute cell %s: %w", rc.CellID, err)
	}
	if _, err := rc.Notebook.SetExecutionCount(rc.CellID, reply.ExecutionCount); err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: %s: %s", kernel.ErrExecutionFailed, reply.EName, reply.EValue)
	}
	return nil
}
