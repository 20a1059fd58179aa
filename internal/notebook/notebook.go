// Package notebook holds the live document model: one ordered sequence of
// cells owned by a path, plus the focus and kernel reference the host keeps
// for it. All methods are safe for concurrent use; readers get copies.
package notebook

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/vk/cellpilot/internal/cell"
)

var (
	ErrCellNotFound    = errors.New("cell not found")
	ErrIndexOutOfRange = errors.New("cell index out of range")
)

// Notebook is a DocumentSession. The host owns its lifecycle; every other
// component only looks it up by path.
type Notebook struct {
	mu       sync.RWMutex
	path     string
	cells    []*cell.Cell
	ids      map[string]struct{}
	active   int
	kernelID string
	seq      int
}

// New creates an empty notebook for path.
func New(path string) *Notebook {
	return &Notebook{
		path: path,
		ids:  make(map[string]struct{}),
	}
}

// Path returns the stable identity of the notebook.
func (n *Notebook) Path() string {
	return n.path
}

// Len returns the number of cells.
func (n *Notebook) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.cells)
}

// Cells returns deep copies of all cells in order.
func (n *Notebook) Cells() []*cell.Cell {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*cell.Cell, len(n.cells))
	for i, c := range n.cells {
		out[i] = c.Clone()
	}
	return out
}

// Cell returns a copy of the cell with the given id and its index.
func (n *Notebook) Cell(id string) (*cell.Cell, int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	i := n.indexOf(id)
	if i < 0 {
		return nil, -1, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	return n.cells[i].Clone(), i, nil
}

// IndexOf returns the position of the cell, or -1.
func (n *Notebook) IndexOf(id string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.indexOf(id)
}

func (n *Notebook) indexOf(id string) int {
	for i, c := range n.cells {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Insert creates a new cell of the given kind at index and returns a copy of it.
func (n *Notebook) Insert(index int, kind cell.Kind, source string) (*cell.Cell, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if index < 0 || index > len(n.cells) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrIndexOutOfRange, index, len(n.cells))
	}

	c := cell.New(n.nextID(), kind, source)
	n.cells = append(n.cells, nil)
	copy(n.cells[index+1:], n.cells[index:])
	n.cells[index] = c
	n.ids[c.ID] = struct{}{}

	return c.Clone(), nil
}

// add appends an already-built cell, assigning an id when it has none or a
// clashing one.
func (n *Notebook) add(c *cell.Cell) {
	if _, taken := n.ids[c.ID]; c.ID == "" || taken {
		c.ID = n.nextID()
	}
	n.ids[c.ID] = struct{}{}
	n.cells = append(n.cells, c)
}

func (n *Notebook) nextID() string {
	for {
		n.seq++
		id := "c" + strconv.Itoa(n.seq)
		if _, taken := n.ids[id]; !taken {
			return id
		}
	}
}

// Remove deletes the cell and returns the index it occupied.
func (n *Notebook) Remove(id string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := n.indexOf(id)
	if i < 0 {
		return -1, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	n.cells = append(n.cells[:i], n.cells[i+1:]...)
	delete(n.ids, id)

	if n.active >= len(n.cells) && n.active > 0 {
		n.active = len(n.cells) - 1
	}
	return i, nil
}

// SetSource replaces the cell source verbatim and returns the cell index.
func (n *Notebook) SetSource(id, source string) (int, error) {
	return n.mutate(id, func(c *cell.Cell) { c.Source = source })
}

// ClearOutputs drops every output of the cell.
func (n *Notebook) ClearOutputs(id string) error {
	_, err := n.mutate(id, func(c *cell.Cell) { c.Outputs = nil })
	return err
}

// AppendOutput adds one output record to the cell.
func (n *Notebook) AppendOutput(id string, out cell.Output) error {
	_, err := n.mutate(id, func(c *cell.Cell) { c.Outputs = append(c.Outputs, out) })
	return err
}

// SetExecutionCount replaces the execution count and returns the previous one.
func (n *Notebook) SetExecutionCount(id string, count *int) (*int, error) {
	var prev *int
	_, err := n.mutate(id, func(c *cell.Cell) {
		prev = c.ExecutionCount
		if count != nil {
			v := *count
			count = &v
		}
		c.ExecutionCount = count
	})
	return prev, err
}

func (n *Notebook) mutate(id string, fn func(c *cell.Cell)) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := n.indexOf(id)
	if i < 0 {
		return -1, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	fn(n.cells[i])
	return i, nil
}

// ActiveIndex returns the index of the focused cell.
func (n *Notebook) ActiveIndex() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.active
}

// SetActiveIndex moves the focus.
func (n *Notebook) SetActiveIndex(index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if index < 0 || (index >= len(n.cells) && index != 0) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	n.active = index
	return nil
}

// ActiveCell returns a copy of the focused cell.
func (n *Notebook) ActiveCell() (*cell.Cell, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.active < 0 || n.active >= len(n.cells) {
		return nil, false
	}
	return n.cells[n.active].Clone(), true
}

// KernelID returns the id of the attached kernel, or "" when detached.
func (n *Notebook) KernelID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.kernelID
}

// SetKernelID replaces the kernel reference and returns the previous one.
func (n *Notebook) SetKernelID(id string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev := n.kernelID
	n.kernelID = id
	return prev
}
