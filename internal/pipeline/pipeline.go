// Package pipeline is the host's "run one cell" machinery. It announces
// scheduling and completion as events and runs cells one at a time per
// notebook, in the order they were scheduled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/vk/cellpilot/internal/events"
	"github.com/vk/cellpilot/internal/executor"
	"github.com/vk/cellpilot/internal/kernel"
	"github.com/vk/cellpilot/internal/notebook"
)

var (
	ErrNoActiveCell = errors.New("notebook has no active cell")
	ErrClosed       = errors.New("pipeline closed")
)

const queueDepth = 256

// Kernels resolves a kernel id to the live connection, if any.
type Kernels interface {
	Lookup(id string) (kernel.Kernel, bool)
}

type job struct {
	nb     *notebook.Notebook
	cellID string
}

// Pipeline owns one worker goroutine per notebook path.
type Pipeline struct {
	runner  executor.Runner
	kernels Kernels
	sink    events.Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]chan job
	closed  bool
}

// New creates a pipeline whose workers run under ctx and use runner for every
// cell.
func New(ctx context.Context, runner executor.Runner, kernels Kernels, sink events.Sink) *Pipeline {
	if sink == nil {
		sink = events.Discard
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		runner:  runner,
		kernels: kernels,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]chan job),
	}
}

// RunActive schedules the notebook's focused cell and returns once it is
// queued, not once it has run.
func (p *Pipeline) RunActive(ctx context.Context, nb *notebook.Notebook) error {
	c, ok := nb.ActiveCell()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveCell, nb.Path())
	}
	return p.Schedule(ctx, nb, c.ID)
}

// Schedule queues cellID for a run. ExecutionScheduled is posted before
// Schedule returns for executable cells.
func (p *Pipeline) Schedule(ctx context.Context, nb *notebook.Notebook, cellID string) error {
	c, _, err := nb.Cell(cellID)
	if err != nil {
		return err
	}

	// The lock is held across the send so Close cannot close jobs under it.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	jobs, ok := p.workers[nb.Path()]
	if !ok {
		jobs = make(chan job, queueDepth)
		p.workers[nb.Path()] = jobs
		p.wg.Add(1)
		go p.worker(nb.Path(), jobs)
	}

	if c.Executable() {
		p.sink.Post(events.Event{
			Kind:     events.ExecutionScheduled,
			Path:     nb.Path(),
			CellID:   cellID,
			KernelID: nb.KernelID(),
			Time:     time.Now(),
		})
	}

	select {
	case jobs <- job{nb: nb, cellID: cellID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Close stops accepting runs, cancels in-flight runs and waits for the
// workers to exit.
func (p *Pipeline) Close() {
	p.cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, jobs := range p.workers {
		close(jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) worker(path string, jobs <-chan job) {
	defer p.wg.Done()
	logger := ctxlog.FromContext(p.ctx).With("path", path)
	logger.Debug("Worker started.")

	for j := range jobs {
		if p.ctx.Err() != nil {
			continue
		}
		p.run(ctxlog.WithLogger(p.ctx, logger.With("cell_id", j.cellID)), j)
	}
	logger.Debug("Worker finished.")
}

func (p *Pipeline) run(ctx context.Context, j job) {
	logger := ctxlog.FromContext(ctx)

	c, _, err := j.nb.Cell(j.cellID)
	if err != nil {
		logger.Warn("Scheduled cell disappeared before it ran.", "error", err)
		return
	}
	executable := c.Executable()

	// prev is the count before the run; pending is what the cell shows while
	// it runs, and is the "previous" side of the CellStateChanged transition.
	var prev, pending *int
	if executable {
		prev, _ = j.nb.SetExecutionCount(j.cellID, nil)
		if before, _, err := j.nb.Cell(j.cellID); err == nil {
			pending = before.ExecutionCount
		}
	}

	var k kernel.Kernel
	if id := j.nb.KernelID(); id != "" && p.kernels != nil {
		if live, ok := p.kernels.Lookup(id); ok {
			k = live
		}
	}

	logger.Debug("Worker picked up cell.", "kind", c.EffectiveKind())
	runErr := p.runner.Run(ctx, executor.RunContext{Notebook: j.nb, CellID: j.cellID, Kernel: k})
	if runErr != nil {
		logger.Error("❌ Cell run failed.", "error", runErr)
	} else {
		logger.Info("✅ Cell run finished.")
	}
	if !executable {
		return
	}

	cur, _, err := j.nb.Cell(j.cellID)
	if err != nil {
		logger.Warn("Cell was deleted while it ran.", "error", err)
		return
	}
	count := cur.ExecutionCount
	if runErr == nil && count == nil && prev != nil {
		j.nb.SetExecutionCount(j.cellID, prev)
		count = prev
	}
	p.sink.Post(events.Event{
		Kind:                   events.CellStateChanged,
		Path:                   j.nb.Path(),
		CellID:                 j.cellID,
		KernelID:               j.nb.KernelID(),
		ExecutionCount:         count,
		PreviousExecutionCount: pending,
		Time:                   time.Now(),
	})
}
