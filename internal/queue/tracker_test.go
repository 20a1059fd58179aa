package queue

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_UnknownPath(t *testing.T) {
	tr := New()

	_, ok := tr.Head("missing.ipynb")
	assert.False(t, ok)

	_, ok = tr.OnCompleted("missing.ipynb", "c1")
	assert.False(t, ok)
	assert.Empty(t, tr.Pending("missing.ipynb"))
}

func TestTracker_FIFO(t *testing.T) {
	tr := New()
	tr.OnScheduled("a.ipynb", "c1")
	tr.OnScheduled("a.ipynb", "c2")
	tr.OnScheduled("b.ipynb", "c9")

	head, ok := tr.Head("a.ipynb")
	require.True(t, ok)
	assert.Equal(t, "c1", head)

	popped, ok := tr.OnCompleted("a.ipynb", "c1")
	require.True(t, ok)
	assert.Equal(t, "c1", popped)

	head, _ = tr.Head("a.ipynb")
	assert.Equal(t, "c2", head)

	head, _ = tr.Head("b.ipynb")
	assert.Equal(t, "c9", head, "queues of different notebooks are independent")
}

func TestTracker_DuplicateScheduleIgnored(t *testing.T) {
	tr := New()
	tr.OnScheduled("a.ipynb", "c1")
	tr.OnScheduled("a.ipynb", "c1")

	assert.Equal(t, []string{"c1"}, tr.Pending("a.ipynb"))
}

// TestTracker_FIFOLaw checks that, for random interleavings of schedules and
// in-order completions, Head always names the oldest cell still in flight.
func TestTracker_FIFOLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		tr := New()
		var model []string
		next := 0

		for step := 0; step < 200; step++ {
			if len(model) == 0 || rng.Intn(2) == 0 {
				id := fmt.Sprintf("c%d", next)
				next++
				tr.OnScheduled("a.ipynb", id)
				model = append(model, id)
			} else {
				tr.OnCompleted("a.ipynb", model[0])
				model = model[1:]
			}

			head, ok := tr.Head("a.ipynb")
			if len(model) == 0 {
				require.False(t, ok)
				continue
			}
			require.True(t, ok)
			require.Equal(t, model[0], head, "round %d step %d", round, step)
		}
	}
}

// TestTracker_OutOfOrderCompletion documents a known limitation: completion
// pops the front of the queue, so an out-of-order completion leaves the head
// naming the cell that actually finished.
func TestTracker_OutOfOrderCompletion(t *testing.T) {
	tr := New()
	tr.OnScheduled("a.ipynb", "c1")
	tr.OnScheduled("a.ipynb", "c2")

	popped, ok := tr.OnCompleted("a.ipynb", "c2")
	require.True(t, ok)
	assert.Equal(t, "c1", popped, "the front is popped, not the completed id")

	head, _ := tr.Head("a.ipynb")
	assert.Equal(t, "c2", head, "head names c2 although c2 already completed")
}

func TestTracker_Reset(t *testing.T) {
	tr := New()
	tr.OnScheduled("a.ipynb", "c1")
	tr.Reset("a.ipynb")

	_, ok := tr.Head("a.ipynb")
	assert.False(t, ok)
}
