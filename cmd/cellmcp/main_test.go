package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellpilot/internal/channel"
	"github.com/vk/cellpilot/internal/cli"
	"github.com/vk/cellpilot/internal/control"
)

func TestParse_RequiresKernel(t *testing.T) {
	t.Setenv("CELLPILOT_KERNEL_ID", "")

	_, _, err := parse([]string{"-url", "http://x"}, &bytes.Buffer{})

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestParse_KernelFromEnv(t *testing.T) {
	t.Setenv("CELLPILOT_KERNEL_ID", "k7")
	t.Setenv("CELLPILOT_URL", "http://host:1")

	opts, shouldExit, err := parse(nil, &bytes.Buffer{})

	require.NoError(t, err)
	assert.False(t, shouldExit)
	assert.Equal(t, &options{url: "http://host:1", kernelID: "k7", logLevel: "warn"}, opts)
}

func TestRun_InvalidLogLevel(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, []string{"-kernel", "k1", "-log-level", "loud"}, nil)

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Message, "invalid log-level")
}

func TestRun_ForwardsToolCallsToHost(t *testing.T) {
	// --- Arrange ---
	srv := channel.NewServer(nil)
	require.NoError(t, srv.RegisterTarget("k1", func(_ context.Context, env string, req control.Request) control.Response {
		return control.Response{Success: true, CellID: env + "/" + req.CellID}
	}))
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", srv.Handler())
	ts := httptest.NewServer(mux)
	defer func() {
		srv.Close()
		ts.Close()
	}()

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, &bytes.Buffer{}, []string{"-url", ts.URL, "-kernel", "k1"}, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)

	// --- Act ---
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "delete_cell", Arguments: map[string]any{"cell_id": "c4"}})

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, `"cell_id":"k1/c4"`)

	require.NoError(t, cs.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mcp server did not stop after the client left")
	}
}
