// Package mcpbridge exposes the control actions as MCP tools. Every tool call
// becomes one control request sent over the channel; the control response is
// returned as the tool's JSON text.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vk/cellpilot/internal/control"
)

// Caller sends one control request and waits for its response.
type Caller interface {
	Do(ctx context.Context, req control.Request) (control.Response, error)
}

var errMissingArgument = errors.New("missing required argument")

// args is the union of every tool's input.
type args struct {
	NotebookPath string  `json:"notebook_path"`
	CellID       string  `json:"cell_id"`
	CellType     string  `json:"cell_type"`
	Content      *string `json:"content"`
	Placement    string  `json:"placement"`
	Wait         bool    `json:"wait"`
	TimeoutSecs  float64 `json:"timeout_seconds"`
}

type toolDef struct {
	tool  *mcp.Tool
	build func(a args) (control.Request, error)
}

// Bridge serves the control tools for one channel.
type Bridge struct {
	caller       Caller
	pollInterval time.Duration
}

// New returns a bridge forwarding to caller.
func New(caller Caller) *Bridge {
	return &Bridge{caller: caller, pollInterval: 200 * time.Millisecond}
}

// Server builds an MCP server carrying the control tools.
func (b *Bridge) Server(version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "cellpilot", Version: version}, nil)
	for _, def := range toolDefs() {
		server.AddTool(def.tool, b.handler(def))
	}
	return server
}

func (b *Bridge) handler(def toolDef) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in args
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return errorResult(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		creq, err := def.build(in)
		if err != nil {
			return errorResult(err), nil
		}

		resp, err := b.caller.Do(ctx, creq)
		if err != nil {
			return errorResult(fmt.Errorf("control request failed: %w", err)), nil
		}
		if creq.Action == control.RunCell && in.Wait && resp.Success {
			if resp, err = b.waitIdle(ctx, creq.NotebookPath, in.TimeoutSecs); err != nil {
				return errorResult(err), nil
			}
		}
		return responseResult(resp)
	}
}

// waitIdle polls get_notebook_data until the execution queue is empty.
func (b *Bridge) waitIdle(ctx context.Context, path string, timeoutSecs float64) (control.Response, error) {
	if timeoutSecs <= 0 {
		timeoutSecs = 120
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs*float64(time.Second)))
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		resp, err := b.caller.Do(ctx, control.Request{Action: control.GetNotebookData, NotebookPath: path})
		if err != nil {
			return control.Response{}, fmt.Errorf("polling failed: %w", err)
		}
		if !resp.Success || resp.CellIDHead == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return control.Response{}, fmt.Errorf("cell %s still queued: %w", *resp.CellIDHead, ctx.Err())
		case <-ticker.C:
		}
	}
}

func responseResult(resp control.Response) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: !resp.Success,
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
