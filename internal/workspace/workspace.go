// Package workspace keeps the set of notebooks currently open in the host and
// announces their lifecycle as events.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/vk/cellpilot/internal/events"
	"github.com/vk/cellpilot/internal/notebook"
)

var (
	ErrNotOpen     = errors.New("document not found")
	ErrAlreadyOpen = errors.New("document already open")
)

// Workspace maps paths to open notebooks. It never owns the kernels; it only
// records which kernel id each notebook is attached to.
type Workspace struct {
	mu        sync.RWMutex
	notebooks map[string]*notebook.Notebook
	sink      events.Sink
}

// New creates an empty workspace posting lifecycle events to sink.
func New(sink events.Sink) *Workspace {
	if sink == nil {
		sink = events.Discard
	}
	return &Workspace{
		notebooks: make(map[string]*notebook.Notebook),
		sink:      sink,
	}
}

// Open adds nb to the workspace and posts DocumentOpened.
func (w *Workspace) Open(nb *notebook.Notebook) error {
	w.mu.Lock()
	if _, exists := w.notebooks[nb.Path()]; exists {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, nb.Path())
	}
	w.notebooks[nb.Path()] = nb
	w.mu.Unlock()

	w.sink.Post(events.Event{
		Kind:     events.DocumentOpened,
		Path:     nb.Path(),
		KernelID: nb.KernelID(),
		Time:     time.Now(),
	})
	return nil
}

// OpenFile loads an .ipynb file, or starts an empty notebook when the file
// does not exist, and opens it.
func (w *Workspace) OpenFile(path string) (*notebook.Notebook, error) {
	nb, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := w.Open(nb); err != nil {
		return nil, err
	}
	return nb, nil
}

func load(path string) (*notebook.Notebook, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return notebook.New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open notebook %s: %w", path, err)
	}
	defer f.Close()
	return notebook.Decode(path, f)
}

// Close removes the notebook and posts DocumentClosed.
func (w *Workspace) Close(path string) error {
	w.mu.Lock()
	nb, exists := w.notebooks[path]
	delete(w.notebooks, path)
	w.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	w.sink.Post(events.Event{
		Kind:     events.DocumentClosed,
		Path:     path,
		KernelID: nb.KernelID(),
		Time:     time.Now(),
	})
	return nil
}

// Get returns the notebook open at path.
func (w *Workspace) Get(path string) (*notebook.Notebook, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	nb, ok := w.notebooks[path]
	return nb, ok
}

// ByKernel returns the notebook attached to kernelID. When several notebooks
// share a kernel the one with the smallest path wins.
func (w *Workspace) ByKernel(kernelID string) (*notebook.Notebook, bool) {
	if kernelID == "" {
		return nil, false
	}
	for _, path := range w.Paths() {
		nb, ok := w.Get(path)
		if ok && nb.KernelID() == kernelID {
			return nb, true
		}
	}
	return nil, false
}

// Paths returns the sorted paths of all open notebooks.
func (w *Workspace) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, 0, len(w.notebooks))
	for p := range w.notebooks {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// SetKernel replaces the kernel reference of the notebook at path and posts
// KernelChanged. Passing the current id again still posts the event, which
// is how a restart of the same kernel is announced.
func (w *Workspace) SetKernel(path, kernelID string) error {
	nb, ok := w.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	prev := nb.SetKernelID(kernelID)
	w.sink.Post(events.Event{
		Kind:             events.KernelChanged,
		Path:             path,
		KernelID:         kernelID,
		PreviousKernelID: prev,
		Time:             time.Now(),
	})
	return nil
}
