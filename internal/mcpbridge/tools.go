package mcpbridge

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vk/cellpilot/internal/control"
)

var notebookPathProp = map[string]any{
	"type":        "string",
	"description": "Notebook path. Defaults to the notebook attached to the kernel the channel was opened for.",
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	props["notebook_path"] = notebookPathProp
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func toolDefs() []toolDef {
	return []toolDef{
		{
			tool: &mcp.Tool{
				Name:        string(control.CreateCell),
				Description: "Insert a new cell. Returns the new cell_id and cell_index.",
				InputSchema: objectSchema(map[string]any{
					"cell_type": map[string]any{
						"type": "string",
						"enum": []any{"code", "markdown", "raw", "prompt"},
					},
					"content": map[string]any{"type": "string", "description": "Cell source."},
					"placement": map[string]any{
						"type": "string",
						"enum": []any{"at_start", "at_end", "add_before", "add_after"},
					},
					"cell_id": map[string]any{
						"type":        "string",
						"description": "Reference cell for add_before and add_after.",
					},
				}),
			},
			build: func(a args) (control.Request, error) {
				return control.Request{
					Action:       control.CreateCell,
					NotebookPath: a.NotebookPath,
					CellType:     a.CellType,
					Content:      a.Content,
					Placement:    control.Placement(a.Placement),
					CellID:       a.CellID,
				}, nil
			},
		},
		{
			tool: &mcp.Tool{
				Name:        string(control.UpdateCell),
				Description: "Replace the source of a cell.",
				InputSchema: objectSchema(map[string]any{
					"cell_id": map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				}, "cell_id", "content"),
			},
			build: func(a args) (control.Request, error) {
				if err := requireArg(a.CellID, "cell_id"); err != nil {
					return control.Request{}, err
				}
				if a.Content == nil {
					return control.Request{}, fmt.Errorf("%w: content", errMissingArgument)
				}
				return control.Request{Action: control.UpdateCell, NotebookPath: a.NotebookPath, CellID: a.CellID, Content: a.Content}, nil
			},
		},
		{
			tool: &mcp.Tool{
				Name:        string(control.DeleteCell),
				Description: "Delete a cell.",
				InputSchema: objectSchema(map[string]any{
					"cell_id": map[string]any{"type": "string"},
				}, "cell_id"),
			},
			build: func(a args) (control.Request, error) {
				if err := requireArg(a.CellID, "cell_id"); err != nil {
					return control.Request{}, err
				}
				return control.Request{Action: control.DeleteCell, NotebookPath: a.NotebookPath, CellID: a.CellID}, nil
			},
		},
		{
			tool: &mcp.Tool{
				Name: string(control.RunCell),
				Description: "Run a cell. Without wait the call returns once the run is queued; " +
					"with wait it returns the notebook once the execution queue is empty.",
				InputSchema: objectSchema(map[string]any{
					"cell_id":         map[string]any{"type": "string"},
					"wait":            map[string]any{"type": "boolean"},
					"timeout_seconds": map[string]any{"type": "number", "description": "Wait limit, 120 by default."},
				}, "cell_id"),
			},
			build: func(a args) (control.Request, error) {
				if err := requireArg(a.CellID, "cell_id"); err != nil {
					return control.Request{}, err
				}
				return control.Request{Action: control.RunCell, NotebookPath: a.NotebookPath, CellID: a.CellID}, nil
			},
		},
		{
			tool: &mcp.Tool{
				Name:        string(control.GetNotebookData),
				Description: "Return the notebook as nbformat JSON and the id of the cell at the head of the execution queue.",
				InputSchema: objectSchema(map[string]any{}),
			},
			build: func(a args) (control.Request, error) {
				return control.Request{Action: control.GetNotebookData, NotebookPath: a.NotebookPath}, nil
			},
		},
	}
}

func requireArg(v, name string) error {
	if v == "" {
		return fmt.Errorf("%w: %s", errMissingArgument, name)
	}
	return nil
}
