package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellpilot/internal/cell"
	"github.com/vk/cellpilot/internal/events"
	"github.com/vk/cellpilot/internal/executor"
	"github.com/vk/cellpilot/internal/kernel"
	"github.com/vk/cellpilot/internal/notebook"
	"github.com/vk/cellpilot/internal/testutil"
)

type kernelMap map[string]kernel.Kernel

func (m kernelMap) Lookup(id string) (kernel.Kernel, bool) {
	k, ok := m[id]
	return k, ok
}

type chanSink chan events.Event

func (s chanSink) Post(ev events.Event) { s <- ev }

func next(t *testing.T, s chanSink) events.Event {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return events.Event{}
	}
}

func setup(t *testing.T, runner executor.Runner) (*Pipeline, *notebook.Notebook, *testutil.FakeKernel, chanSink) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	k := testutil.NewFakeKernel("k1")
	nb := notebook.New("a.ipynb")
	nb.SetKernelID("k1")
	sink := make(chanSink, 64)
	p := New(ctx, runner, kernelMap{"k1": k}, sink)
	t.Cleanup(p.Close)
	return p, nb, k, sink
}

func TestRunActive_NoCells(t *testing.T) {
	p, nb, _, _ := setup(t, DefaultRunner{})
	err := p.RunActive(context.Background(), nb)
	require.ErrorIs(t, err, ErrNoActiveCell)
}

func TestRunActive_CodeCell(t *testing.T) {
	// --- Arrange ---
	p, nb, k, sink := setup(t, DefaultRunner{})
	k.SetScript(func(string, kernel.ExecuteOptions) testutil.Script {
		return testutil.Script{Outputs: []cell.Output{{OutputType: "stream", Name: "stdout", Text: "2\n"}}}
	})
	c, _ := nb.Insert(0, cell.Code, "print(1 + 1)")

	// --- Act ---
	require.NoError(t, p.RunActive(context.Background(), nb))

	// --- Assert ---
	scheduled := next(t, sink)
	assert.Equal(t, events.ExecutionScheduled, scheduled.Kind)
	assert.Equal(t, c.ID, scheduled.CellID)

	changed := next(t, sink)
	assert.Equal(t, events.CellStateChanged, changed.Kind)
	assert.True(t, changed.Completed())
	assert.Equal(t, 1, *changed.ExecutionCount)

	got, _, _ := nb.Cell(c.ID)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, "2\n", got.Outputs[0].Text)
	assert.Equal(t, "print(1 + 1)", k.Submissions()[0].Code)
}

func TestRunActive_MarkdownPostsNothing(t *testing.T) {
	ran := make(chan string, 1)
	p, nb, k, sink := setup(t, executor.RunnerFunc(func(_ context.Context, rc executor.RunContext) error {
		ran <- rc.CellID
		return nil
	}))
	c, _ := nb.Insert(0, cell.Markdown, "# notes")

	require.NoError(t, p.RunActive(context.Background(), nb))

	select {
	case id := <-ran:
		assert.Equal(t, c.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not invoked")
	}
	assert.Empty(t, k.Submissions())
	assert.Empty(t, sink)
}

func TestSchedule_ReturnsBeforeCompletionAndKeepsOrder(t *testing.T) {
	// --- Arrange ---
	p, nb, k, sink := setup(t, DefaultRunner{})
	release := make(chan struct{})
	k.SetScript(func(code string, _ kernel.ExecuteOptions) testutil.Script {
		if code == "slow()" {
			return testutil.Script{Hold: release}
		}
		return testutil.Script{}
	})
	c1, _ := nb.Insert(0, cell.Code, "slow()")
	c2, _ := nb.Insert(1, cell.Code, "fast()")
	ctx := context.Background()

	// --- Act ---
	require.NoError(t, p.Schedule(ctx, nb, c1.ID))
	require.NoError(t, p.Schedule(ctx, nb, c2.ID))

	// --- Assert ---
	assert.Equal(t, c1.ID, next(t, sink).CellID)
	assert.Equal(t, c2.ID, next(t, sink).CellID)
	select {
	case ev := <-sink:
		t.Fatalf("no cell may complete while the first one is held, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	first := next(t, sink)
	second := next(t, sink)
	assert.Equal(t, []string{c1.ID, c2.ID}, []string{first.CellID, second.CellID})
}

func TestRun_FailureLeavesCountPending(t *testing.T) {
	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	nb := notebook.New("a.ipynb")
	sink := make(chanSink, 8)
	p := New(ctx, DefaultRunner{}, kernelMap{}, sink)
	defer p.Close()
	c, _ := nb.Insert(0, cell.Code, "x")
	one := 1
	nb.SetExecutionCount(c.ID, &one)

	// --- Act ---
	require.NoError(t, p.RunActive(context.Background(), nb))

	// --- Assert ---
	next(t, sink)
	changed := next(t, sink)
	assert.Nil(t, changed.ExecutionCount)
	assert.False(t, changed.Completed())
}

func TestRun_SuccessWithoutNewCountRestoresPrevious(t *testing.T) {
	// --- Arrange ---
	p, nb, _, sink := setup(t, executor.RunnerFunc(func(context.Context, executor.RunContext) error {
		return nil
	}))
	c, _ := nb.Insert(0, cell.Prompt, "hello")
	seven := 7
	nb.SetExecutionCount(c.ID, &seven)

	// --- Act ---
	require.NoError(t, p.RunActive(context.Background(), nb))

	// --- Assert ---
	next(t, sink)
	changed := next(t, sink)
	require.NotNil(t, changed.ExecutionCount)
	assert.Equal(t, 7, *changed.ExecutionCount)
	assert.Nil(t, changed.PreviousExecutionCount, "the transition starts from the pending state, not from 7")
	assert.True(t, changed.Completed())

	got, _, _ := nb.Cell(c.ID)
	assert.Equal(t, 7, *got.ExecutionCount)
}

func TestSchedule_AfterClose(t *testing.T) {
	p, nb, _, _ := setup(t, DefaultRunner{})
	c, _ := nb.Insert(0, cell.Code, "x")
	p.Close()
	require.ErrorIs(t, p.Schedule(context.Background(), nb, c.ID), ErrClosed)
}
