// Package cell defines the content units of a notebook and the rule that
// derives a unit's effective kind.
//
// A prompt cell is not a separate structural type. It is stored as an ordinary
// code cell carrying a Prompt tag, so every consumer must go through
// EffectiveKind instead of reading Type directly.
package cell

import (
	"fmt"
	"slices"
	"strings"
)

// Kind distinguishes the different kinds of cells.
type Kind int

const (
	// Unset is the zero value. As a Tag it means "no side attribute".
	Unset Kind = iota
	// Code is an executable unit whose source is submitted to the kernel.
	Code
	// Markdown is a note; running it only renders it.
	Markdown
	// Raw is passed through untouched.
	Raw
	// Prompt is an executable unit handled by the assistant protocol.
	Prompt
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Code:
		return "code"
	case Markdown:
		return "markdown"
	case Raw:
		return "raw"
	case Prompt:
		return "prompt"
	default:
		return ""
	}
}

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "code":
		return Code, nil
	case "markdown", "note":
		return Markdown, nil
	case "raw":
		return Raw, nil
	case "prompt":
		return Prompt, nil
	default:
		return Unset, fmt.Errorf("unknown cell type %q", s)
	}
}

// Cell is a single content unit of a notebook.
type Cell struct {
	// ID is unique within the owning notebook only.
	ID string
	// Type is the structural kind: Code, Markdown or Raw. Never Prompt.
	Type Kind
	// Tag is the side attribute overriding Type when set.
	Tag Kind

	Source string
	// ExecutionCount is nil while pending or never run.
	ExecutionCount *int
	Outputs        []Output
}

// New builds a cell of the requested kind. A Prompt is stored as a Code cell
// with the Prompt tag.
func New(id string, kind Kind, source string) *Cell {
	c := &Cell{ID: id, Type: kind, Source: source}
	if kind == Prompt {
		c.Type = Code
		c.Tag = Prompt
	}
	if c.Type == Unset {
		c.Type = Code
	}
	return c
}

// EffectiveKind returns the tag if present, else the structural kind.
func (c *Cell) EffectiveKind() Kind {
	if c.Tag != Unset {
		return c.Tag
	}
	return c.Type
}

// Executable reports whether the cell is run through the kernel.
func (c *Cell) Executable() bool {
	return c.Type == Code
}

// HasOutput reports whether any output has been recorded.
func (c *Cell) HasOutput() bool {
	return len(c.Outputs) > 0
}

// Clone returns a deep copy of the cell.
func (c *Cell) Clone() *Cell {
	clone := *c
	if c.ExecutionCount != nil {
		n := *c.ExecutionCount
		clone.ExecutionCount = &n
	}
	clone.Outputs = slices.Clone(c.Outputs)
	return &clone
}
