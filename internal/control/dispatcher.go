package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/cellpilot/internal/cell"
	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/vk/cellpilot/internal/notebook"
)

// Documents resolves the notebook a request targets.
type Documents interface {
	Get(path string) (*notebook.Notebook, bool)
	ByKernel(kernelID string) (*notebook.Notebook, bool)
}

// HeadReader reports the cell at the front of a notebook's execution queue.
type HeadReader interface {
	Head(path string) (string, bool)
}

// ActiveRunner runs the notebook's focused cell. It returns once the run is
// invoked; completion is observed through the execution queue.
type ActiveRunner interface {
	RunActive(ctx context.Context, nb *notebook.Notebook) error
}

// Dispatcher executes control requests against the live notebooks. Actions
// are applied one at a time.
type Dispatcher struct {
	docs   Documents
	queue  HeadReader
	runner ActiveRunner

	mu sync.Mutex
}

// NewDispatcher wires a dispatcher to its collaborators.
func NewDispatcher(docs Documents, queue HeadReader, runner ActiveRunner) *Dispatcher {
	return &Dispatcher{docs: docs, queue: queue, runner: runner}
}

// Dispatch handles req coming from the channel of kernel originEnvID. It never
// returns an error: every failure is reported as success:false.
func (d *Dispatcher) Dispatch(ctx context.Context, originEnvID string, req Request) Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("action", req.Action, "kernel_id", originEnvID)
	ctx = ctxlog.WithLogger(ctx, logger)
	resp, err := d.dispatch(ctx, originEnvID, req)
	if err != nil {
		logger.Warn("Control request failed.", "error", err)
		resp = Failure(err)
	} else {
		resp.Success = true
		logger.Debug("Control request handled.", "cell_id", resp.CellID)
	}
	resp.RequestID = req.RequestID
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, originEnvID string, req Request) (Response, error) {
	switch req.Action {
	case CreateCell, UpdateCell, DeleteCell, RunCell, GetNotebookData:
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	nb, err := d.resolve(originEnvID, req.NotebookPath)
	if err != nil {
		return Response{}, err
	}

	switch req.Action {
	case CreateCell:
		return d.createCell(ctx, nb, req)
	case UpdateCell:
		return d.updateCell(nb, req)
	case DeleteCell:
		return d.deleteCell(nb, req)
	case RunCell:
		return d.runCell(ctx, nb, req)
	default:
		return d.notebookData(nb), nil
	}
}

func (d *Dispatcher) resolve(originEnvID, path string) (*notebook.Notebook, error) {
	if path != "" {
		if nb, ok := d.docs.Get(path); ok {
			return nb, nil
		}
		return nil, ErrDocumentNotFound
	}
	if nb, ok := d.docs.ByKernel(originEnvID); ok {
		return nb, nil
	}
	return nil, ErrDocumentNotFound
}

func (d *Dispatcher) createCell(ctx context.Context, nb *notebook.Notebook, req Request) (Response, error) {
	kind := cell.Code
	if req.CellType != "" {
		k, err := cell.ParseKind(req.CellType)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		kind = k
	}

	var index int
	switch req.Placement {
	case AtStart:
		index = 0
	case AtEnd, "":
		index = nb.Len()
	case AddBefore, AddAfter:
		if req.CellID == "" {
			return Response{}, fmt.Errorf("%w: %s needs cell_id", ErrInvalidRequest, req.Placement)
		}
		index = nb.IndexOf(req.CellID)
		if index < 0 {
			return Response{}, fmt.Errorf("%w: %s", ErrReferenceCellNotFound, req.CellID)
		}
		if req.Placement == AddAfter {
			index++
		}
	default:
		return Response{}, fmt.Errorf("%w: unknown placement %q", ErrInvalidRequest, req.Placement)
	}

	source := ""
	if req.Content != nil {
		source = *req.Content
	}
	c, err := nb.Insert(index, kind, source)
	if err != nil {
		return Response{}, err
	}
	ctxlog.FromContext(ctx).Debug("Cell created.", "path", nb.Path(), "cell_id", c.ID, "index", index, "kind", kind)
	return Response{CellID: c.ID, CellIndex: intPtr(index)}, nil
}

func (d *Dispatcher) updateCell(nb *notebook.Notebook, req Request) (Response, error) {
	index := nb.IndexOf(req.CellID)
	if index < 0 {
		return Response{}, cellNotFound(req.CellID)
	}
	if req.Content != nil {
		var err error
		if index, err = nb.SetSource(req.CellID, *req.Content); err != nil {
			return Response{}, translate(err, req.CellID)
		}
	}
	return Response{CellID: req.CellID, CellIndex: intPtr(index)}, nil
}

func (d *Dispatcher) deleteCell(nb *notebook.Notebook, req Request) (Response, error) {
	index, err := nb.Remove(req.CellID)
	if err != nil {
		return Response{}, translate(err, req.CellID)
	}
	return Response{CellID: req.CellID, CellIndex: intPtr(index)}, nil
}

func (d *Dispatcher) runCell(ctx context.Context, nb *notebook.Notebook, req Request) (Response, error) {
	index := nb.IndexOf(req.CellID)
	if index < 0 {
		return Response{}, cellNotFound(req.CellID)
	}

	saved := nb.ActiveIndex()
	if err := nb.SetActiveIndex(index); err != nil {
		return Response{}, err
	}
	runErr := d.runner.RunActive(ctx, nb)
	if err := nb.SetActiveIndex(saved); err != nil {
		ctxlog.FromContext(ctx).Debug("Focus not restored, notebook shrank.", "path", nb.Path(), "index", saved)
	}
	if runErr != nil {
		return Response{}, fmt.Errorf("failed to run cell %s: %w", req.CellID, runErr)
	}
	return Response{CellID: req.CellID, CellIndex: intPtr(index)}, nil
}

func (d *Dispatcher) notebookData(nb *notebook.Notebook) Response {
	snap := nb.Snapshot()
	resp := Response{Notebook: &snap}
	if head, ok := d.queue.Head(nb.Path()); ok {
		resp.CellIDHead = &head
	}
	return resp
}

func cellNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrCellNotFound, id)
}

func translate(err error, id string) error {
	if errors.Is(err, notebook.ErrCellNotFound) {
		return cellNotFound(id)
	}
	return err
}
