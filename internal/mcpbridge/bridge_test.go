package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellpilot/internal/channel"
	"github.com/vk/cellpilot/internal/control"
	"github.com/vk/cellpilot/internal/notebook"
)

type fakeCaller struct {
	mu       sync.Mutex
	requests []control.Request
	answer   func(req control.Request, n int) (control.Response, error)
}

func (f *fakeCaller) Do(_ context.Context, req control.Request) (control.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.answer(req, len(f.requests))
}

func (f *fakeCaller) seen() []control.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]control.Request(nil), f.requests...)
}

func connect(t *testing.T, b *Bridge) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcp.NewInMemoryTransports()

	ss, err := b.Server("test").Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "want text content, got %T", res.Content[0])
	return tc.Text
}

func TestBridge_ListsControlTools(t *testing.T) {
	cs := connect(t, New(&fakeCaller{}))

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})

	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"create_cell", "delete_cell", "get_notebook_data", "run_cell", "update_cell"}, names)
}

func TestBridge_ForwardsCreateCell(t *testing.T) {
	// --- Arrange ---
	caller := &fakeCaller{answer: func(control.Request, int) (control.Response, error) {
		idx := 2
		return control.Response{Success: true, CellID: "c3", CellIndex: &idx}, nil
	}}
	cs := connect(t, New(caller))

	// --- Act ---
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "create_cell",
		Arguments: map[string]any{
			"notebook_path": "a.ipynb",
			"cell_type":     "prompt",
			"content":       "hello",
			"placement":     "add_after",
			"cell_id":       "c2",
		},
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, res.IsError)
	var resp control.Response
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &resp))
	assert.Equal(t, "c3", resp.CellID)
	assert.Equal(t, 2, *resp.CellIndex)

	reqs := caller.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, control.CreateCell, reqs[0].Action)
	assert.Equal(t, "a.ipynb", reqs[0].NotebookPath)
	assert.Equal(t, control.AddAfter, reqs[0].Placement)
	assert.Equal(t, "c2", reqs[0].CellID)
	assert.Equal(t, "hello", *reqs[0].Content)
}

func TestBridge_FailedResponseIsToolError(t *testing.T) {
	caller := &fakeCaller{answer: func(control.Request, int) (control.Response, error) {
		return control.Response{Success: false, Error: "cell not found"}, nil
	}}
	cs := connect(t, New(caller))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "delete_cell",
		Arguments: map[string]any{"cell_id": "nope"},
	})

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), `"error":"cell not found"`)
}

func TestBridge_TransportErrorIsToolError(t *testing.T) {
	caller := &fakeCaller{answer: func(control.Request, int) (control.Response, error) {
		return control.Response{}, channel.ErrChannelClosed
	}}
	cs := connect(t, New(caller))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "get_notebook_data", Arguments: map[string]any{}})

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "channel closed by host")
}

func TestBridge_RunCellWaitsForEmptyQueue(t *testing.T) {
	// --- Arrange ---
	caller := &fakeCaller{answer: func(req control.Request, n int) (control.Response, error) {
		if req.Action == control.RunCell {
			return control.Response{Success: true}, nil
		}
		snap := notebook.New("a.ipynb").Snapshot()
		resp := control.Response{Success: true, Notebook: &snap}
		if n < 4 {
			head := "c1"
			resp.CellIDHead = &head
		}
		return resp, nil
	}}
	b := New(caller)
	b.pollInterval = time.Millisecond
	cs := connect(t, b)

	// --- Act ---
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "run_cell",
		Arguments: map[string]any{"cell_id": "c1", "wait": true},
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), `"cell_id_head":null`)
	reqs := caller.seen()
	require.Len(t, reqs, 4)
	assert.Equal(t, control.RunCell, reqs[0].Action)
	assert.Equal(t, control.GetNotebookData, reqs[3].Action)
}

func TestBridge_WaitTimesOut(t *testing.T) {
	caller := &fakeCaller{answer: func(req control.Request, _ int) (control.Response, error) {
		head := "c1"
		snap := notebook.New("a.ipynb").Snapshot()
		return control.Response{Success: true, Notebook: &snap, CellIDHead: &head}, nil
	}}
	b := New(caller)
	b.pollInterval = time.Millisecond
	cs := connect(t, b)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "run_cell",
		Arguments: map[string]any{"cell_id": "c1", "wait": true, "timeout_seconds": 0.05},
	})

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "cell c1 still queued")
}

func TestToolBuilders_RequireArguments(t *testing.T) {
	defs := make(map[string]toolDef)
	for _, d := range toolDefs() {
		defs[d.tool.Name] = d
	}
	content := "x"

	testCases := []struct {
		tool string
		in   args
	}{
		{tool: "update_cell", in: args{Content: &content}},
		{tool: "update_cell", in: args{CellID: "c1"}},
		{tool: "delete_cell", in: args{}},
		{tool: "run_cell", in: args{}},
	}
	for _, tc := range testCases {
		_, err := defs[tc.tool].build(tc.in)
		assert.ErrorIs(t, err, errMissingArgument, tc.tool)
	}

	req, err := defs["create_cell"].build(args{})
	require.NoError(t, err, "create_cell relies on host defaults")
	assert.Equal(t, control.CreateCell, req.Action)
}

// fakeConn is a Conn whose Closed channel the test controls.
type fakeConn struct {
	id     int
	closed chan struct{}
	err    error
}

func (c *fakeConn) Do(context.Context, control.Request) (control.Response, error) {
	if c.err != nil {
		return control.Response{}, c.err
	}
	return control.Response{Success: true, CellID: string(rune('0' + c.id))}, nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.closed }

func (c *fakeConn) Close() error { return nil }

func TestRedialer_ReopensClosedChannel(t *testing.T) {
	// --- Arrange ---
	var conns []*fakeConn
	r := NewRedialer(func(context.Context) (Conn, error) {
		c := &fakeConn{id: len(conns) + 1, closed: make(chan struct{})}
		conns = append(conns, c)
		return c, nil
	}, nil)
	ctx := context.Background()

	// --- Act / Assert ---
	resp, err := r.Do(ctx, control.Request{Action: control.GetNotebookData})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.CellID)

	resp, err = r.Do(ctx, control.Request{Action: control.GetNotebookData})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.CellID, "an open channel is reused")

	close(conns[0].closed)
	resp, err = r.Do(ctx, control.Request{Action: control.GetNotebookData})
	require.NoError(t, err)
	assert.Equal(t, "2", resp.CellID)
	require.NoError(t, r.Close())
}

func TestRedialer_RetriesOnlyReadOnlyRequests(t *testing.T) {
	var dials int
	r := NewRedialer(func(context.Context) (Conn, error) {
		dials++
		c := &fakeConn{id: dials, closed: make(chan struct{})}
		if dials == 1 {
			c.err = channel.ErrChannelClosed
			close(c.closed)
		}
		return c, nil
	}, nil)
	ctx := context.Background()

	_, err := r.Do(ctx, control.Request{Action: control.CreateCell})
	require.ErrorIs(t, err, channel.ErrChannelClosed)
	assert.Equal(t, 1, dials)

	resp, err := r.Do(ctx, control.Request{Action: control.GetNotebookData})
	require.NoError(t, err)
	assert.Equal(t, "2", resp.CellID)
}

func TestRedialer_DialError(t *testing.T) {
	boom := errors.New("connection refused")
	r := NewRedialer(func(context.Context) (Conn, error) { return nil, boom }, nil)

	_, err := r.Do(context.Background(), control.Request{Action: control.RunCell})

	require.ErrorIs(t, err, boom)
}
