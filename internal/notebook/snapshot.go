package notebook

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vk/cellpilot/internal/cell"
)

// MetadataKey is the cell metadata namespace holding the side attribute.
const MetadataKey = "cellpilot"

// Snapshot is the serialized form of a notebook, shaped like nbformat v4.
type Snapshot struct {
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
	Metadata      map[string]any `json:"metadata"`
	Cells         []SnapshotCell `json:"cells"`
}

// SnapshotCell is one serialized cell.
type SnapshotCell struct {
	ID             string         `json:"id"`
	CellType       string         `json:"cell_type"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount *int           `json:"execution_count"`
	Outputs        []cell.Output  `json:"outputs"`
}

// Kind returns the effective kind recorded in the serialized cell.
func (s SnapshotCell) Kind() cell.Kind {
	return s.toCell().EffectiveKind()
}

func (s SnapshotCell) toCell() *cell.Cell {
	structural, err := cell.ParseKind(s.CellType)
	if err != nil || structural == cell.Prompt {
		structural = cell.Code
	}
	c := &cell.Cell{
		ID:             s.ID,
		Type:           structural,
		Source:         s.Source,
		ExecutionCount: s.ExecutionCount,
		Outputs:        s.Outputs,
	}
	if meta, ok := s.Metadata[MetadataKey].(map[string]any); ok {
		if raw, ok := meta["kind"].(string); ok {
			if tag, err := cell.ParseKind(raw); err == nil && tag != structural {
				c.Tag = tag
			}
		}
	}
	return c
}

func snapshotCell(c *cell.Cell) SnapshotCell {
	sc := SnapshotCell{
		ID:             c.ID,
		CellType:       c.Type.String(),
		Source:         c.Source,
		Metadata:       map[string]any{},
		ExecutionCount: c.ExecutionCount,
		Outputs:        c.Outputs,
	}
	if c.Tag != cell.Unset {
		sc.Metadata[MetadataKey] = map[string]any{"kind": c.Tag.String()}
	}
	if sc.Outputs == nil {
		sc.Outputs = []cell.Output{}
	}
	return sc
}

// Snapshot serializes the whole notebook.
func (n *Notebook) Snapshot() Snapshot {
	cells := n.Cells()
	snap := Snapshot{
		NBFormat:      4,
		NBFormatMinor: 5,
		Metadata:      map[string]any{},
		Cells:         make([]SnapshotCell, len(cells)),
	}
	for i, c := range cells {
		snap.Cells[i] = snapshotCell(c)
	}
	return snap
}

// JSON returns the snapshot encoded as a JSON document.
func (s Snapshot) JSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode notebook snapshot: %w", err)
	}
	return string(b), nil
}

// rawCell accepts the nbformat convention of source as string or list of lines.
type rawCell struct {
	ID             string          `json:"id"`
	CellType       string          `json:"cell_type"`
	Source         json.RawMessage `json:"source"`
	Metadata       map[string]any  `json:"metadata"`
	ExecutionCount *int            `json:"execution_count"`
	Outputs        []cell.Output   `json:"outputs"`
}

type rawNotebook struct {
	Cells []rawCell `json:"cells"`
}

// Decode reads an nbformat v4 document into a new notebook for path.
func Decode(path string, r io.Reader) (*Notebook, error) {
	var raw rawNotebook
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode notebook %s: %w", path, err)
	}

	nb := New(path)
	for i, rc := range raw.Cells {
		source, err := cell.JoinText(rc.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to decode source of cell %d in %s: %w", i, path, err)
		}
		sc := SnapshotCell{
			ID:             rc.ID,
			CellType:       rc.CellType,
			Source:         source,
			Metadata:       rc.Metadata,
			ExecutionCount: rc.ExecutionCount,
			Outputs:        rc.Outputs,
		}
		nb.add(sc.toCell())
	}
	return nb, nil
}
