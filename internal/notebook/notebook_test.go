package notebook

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellpilot/internal/cell"
)

func TestInsert_AssignsIDsAndPositions(t *testing.T) {
	nb := New("a.ipynb")

	first, err := nb.Insert(0, cell.Code, "x = 1")
	require.NoError(t, err)
	second, err := nb.Insert(0, cell.Markdown, "# title")
	require.NoError(t, err)
	third, err := nb.Insert(2, cell.Prompt, "hello")
	require.NoError(t, err)

	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, "c2", second.ID)
	assert.Equal(t, "c3", third.ID)

	var order []string
	for _, c := range nb.Cells() {
		order = append(order, c.ID)
	}
	assert.Equal(t, []string{"c2", "c1", "c3"}, order)
}

func TestInsert_OutOfRange(t *testing.T) {
	nb := New("a.ipynb")

	_, err := nb.Insert(1, cell.Code, "")
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Equal(t, 0, nb.Len())
}

func TestRemove(t *testing.T) {
	nb := New("a.ipynb")
	a, _ := nb.Insert(0, cell.Code, "a")
	b, _ := nb.Insert(1, cell.Code, "b")
	require.NoError(t, nb.SetActiveIndex(1))

	idx, err := nb.Remove(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 1, nb.Len())
	assert.Equal(t, 0, nb.ActiveIndex(), "focus must be clamped to the last cell")
	assert.Equal(t, 0, nb.IndexOf(a.ID))

	_, err = nb.Remove(b.ID)
	require.ErrorIs(t, err, ErrCellNotFound)
	assert.Contains(t, err.Error(), b.ID)
}

func TestSetSource_ReplacesVerbatim(t *testing.T) {
	nb := New("a.ipynb")
	c, _ := nb.Insert(0, cell.Code, "old")

	idx, err := nb.SetSource(c.ID, "new\n")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	got, _, err := nb.Cell(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "new\n", got.Source)
}

func TestCells_ReturnsCopies(t *testing.T) {
	nb := New("a.ipynb")
	c, _ := nb.Insert(0, cell.Code, "x")

	cells := nb.Cells()
	cells[0].Source = "tampered"

	got, _, _ := nb.Cell(c.ID)
	assert.Equal(t, "x", got.Source)
}

func TestOutputsAndExecutionCount(t *testing.T) {
	nb := New("a.ipynb")
	c, _ := nb.Insert(0, cell.Code, "print(1)")

	require.NoError(t, nb.AppendOutput(c.ID, cell.Output{OutputType: "stream", Name: "stdout", Text: "1\n"}))
	n := 4
	prev, err := nb.SetExecutionCount(c.ID, &n)
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, _, _ := nb.Cell(c.ID)
	require.Len(t, got.Outputs, 1)
	require.NotNil(t, got.ExecutionCount)
	assert.Equal(t, 4, *got.ExecutionCount)

	require.NoError(t, nb.ClearOutputs(c.ID))
	got, _, _ = nb.Cell(c.ID)
	assert.False(t, got.HasOutput())
}

func TestActiveCell(t *testing.T) {
	nb := New("a.ipynb")
	_, ok := nb.ActiveCell()
	assert.False(t, ok)

	nb.Insert(0, cell.Code, "a")
	b, _ := nb.Insert(1, cell.Code, "b")
	require.NoError(t, nb.SetActiveIndex(1))

	active, ok := nb.ActiveCell()
	require.True(t, ok)
	assert.Equal(t, b.ID, active.ID)

	require.ErrorIs(t, nb.SetActiveIndex(5), ErrIndexOutOfRange)
}

func TestSnapshot_PromptRoundTrip(t *testing.T) {
	nb := New("a.ipynb")
	nb.Insert(0, cell.Markdown, "# notes")
	nb.Insert(1, cell.Prompt, "hello")

	snap := nb.Snapshot()
	require.Len(t, snap.Cells, 2)
	assert.Equal(t, "code", snap.Cells[1].CellType)
	assert.Equal(t, cell.Prompt, snap.Cells[1].Kind())
	assert.Equal(t, cell.Markdown, snap.Cells[0].Kind())

	encoded, err := snap.JSON()
	require.NoError(t, err)

	decoded, err := Decode("a.ipynb", strings.NewReader(encoded))
	require.NoError(t, err)
	if diff := cmp.Diff(snap, decoded.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch after round trip (-want +got):\n%s", diff)
	}
}

func TestDecode_NBFormatLines(t *testing.T) {
	doc := `{
		"nbformat": 4, "nbformat_minor": 5, "metadata": {},
		"cells": [
			{"cell_type": "code", "source": ["import os\n", "print(os.getcwd())"], "metadata": {},
			 "execution_count": 2,
			 "outputs": [{"output_type": "stream", "name": "stdout", "text": ["/tmp\n"]}]},
			{"id": "c1", "cell_type": "markdown", "source": "text", "metadata": {}}
		]
	}`

	nb, err := Decode("b.ipynb", strings.NewReader(doc))
	require.NoError(t, err)

	cells := nb.Cells()
	require.Len(t, cells, 2)
	assert.Equal(t, "import os\nprint(os.getcwd())", cells[0].Source)
	assert.Equal(t, "/tmp\n", cells[0].Outputs[0].Text)
	assert.NotEmpty(t, cells[0].ID)
	assert.NotEqual(t, cells[0].ID, cells[1].ID, "generated ids must not clash with file ids")
}

func TestNotebook_ConcurrentInsert(t *testing.T) {
	nb := New("a.ipynb")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := nb.Insert(0, cell.Code, "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range nb.Cells() {
		assert.False(t, seen[c.ID], "duplicate id %s", c.ID)
		seen[c.ID] = true
	}
	assert.Len(t, seen, 50)
}
