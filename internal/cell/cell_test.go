package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PromptIsStoredAsTaggedCode(t *testing.T) {
	c := New("c1", Prompt, "hello")

	assert.Equal(t, Code, c.Type, "structural kind of a prompt cell must be code")
	assert.Equal(t, Prompt, c.Tag)
	assert.Equal(t, Prompt, c.EffectiveKind())
	assert.True(t, c.Executable())
}

func TestEffectiveKind(t *testing.T) {
	tests := []struct {
		name string
		cell Cell
		want Kind
	}{
		{"code without tag", Cell{Type: Code}, Code},
		{"markdown without tag", Cell{Type: Markdown}, Markdown},
		{"raw without tag", Cell{Type: Raw}, Raw},
		{"code with prompt tag", Cell{Type: Code, Tag: Prompt}, Prompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cell.EffectiveKind())
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"code", "markdown", "raw", "prompt"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}

	k, err := ParseKind("note")
	require.NoError(t, err)
	assert.Equal(t, Markdown, k)

	_, err = ParseKind("spreadsheet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spreadsheet")
}

func TestClone_IsDeep(t *testing.T) {
	n := 3
	c := &Cell{ID: "c1", Type: Code, ExecutionCount: &n, Outputs: []Output{{OutputType: "stream", Text: "a"}}}

	clone := c.Clone()
	*clone.ExecutionCount = 9
	clone.Outputs[0].Text = "changed"

	assert.Equal(t, 3, *c.ExecutionCount)
	assert.Equal(t, "a", c.Outputs[0].Text)
}
