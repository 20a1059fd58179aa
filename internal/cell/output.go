package cell

import (
	"encoding/json"
	"strings"
)

// Output is one output record attached to a cell, shaped like an nbformat v4 output.
type Output struct {
	OutputType     string         `json:"output_type"`
	Name           string         `json:"name,omitempty"`
	Text           string         `json:"text,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	EName          string         `json:"ename,omitempty"`
	EValue         string         `json:"evalue,omitempty"`
	Traceback      []string       `json:"traceback,omitempty"`
}

// UnmarshalJSON accepts text either as a string or as a list of lines.
func (o *Output) UnmarshalJSON(b []byte) error {
	type alias Output
	var raw struct {
		alias
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	text, err := JoinText(raw.Text)
	if err != nil {
		return err
	}
	*o = Output(raw.alias)
	o.Text = text
	return nil
}

// JoinText decodes an nbformat multiline string: a JSON string, a JSON list
// of strings, or nothing.
func JoinText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", err
	}
	return strings.Join(lines, ""), nil
}
