package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellpilot/internal/control"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(nil)
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", srv.Handler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts.URL
}

func echoHandler(_ context.Context, envID string, req control.Request) control.Response {
	return control.Response{Success: true, CellID: envID + ":" + req.CellID}
}

func TestChannel_RoundTrip(t *testing.T) {
	// --- Arrange ---
	srv, url := startServer(t)
	require.NoError(t, srv.RegisterTarget("k1", echoHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, "k1", nil)
	require.NoError(t, err)
	defer client.Close()

	// --- Act ---
	resp, err := client.Do(ctx, control.Request{Action: control.GetNotebookData, CellID: "c1", RequestID: "r1"})

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "k1:c1", resp.CellID)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestChannel_SequentialRequests(t *testing.T) {
	srv, url := startServer(t)
	require.NoError(t, srv.RegisterTarget("k1", echoHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, "k1", nil)
	require.NoError(t, err)
	defer client.Close()

	for _, id := range []string{"a", "b", "c"} {
		resp, err := client.RunCell(ctx, "", id)
		require.NoError(t, err)
		assert.Equal(t, "k1:"+id, resp.CellID)
	}
}

func TestChannel_OpenUnregisteredKernel(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, "ghost", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no channel registered")
}

func TestChannel_UnregisterClosesBoundSockets(t *testing.T) {
	// --- Arrange ---
	srv, url := startServer(t)
	require.NoError(t, srv.RegisterTarget("k1", echoHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, "k1", nil)
	require.NoError(t, err)
	defer client.Close()

	// --- Act ---
	assert.True(t, srv.UnregisterTarget("k1"))

	// --- Assert ---
	select {
	case <-client.Closed():
	case <-ctx.Done():
		t.Fatal("client never saw comm_close")
	}
	_, err = client.GetNotebookData(ctx, "")
	require.ErrorIs(t, err, ErrChannelClosed)
	assert.False(t, srv.UnregisterTarget("k1"))
}

func TestServer_RegisterTargetTwice(t *testing.T) {
	srv := NewServer(nil)
	defer srv.Close()

	require.NoError(t, srv.RegisterTarget("k1", echoHandler))
	require.ErrorIs(t, srv.RegisterTarget("k1", echoHandler), ErrAlreadyPresent)
	assert.Equal(t, 1, srv.Targets())
}

func TestWireHelpers(t *testing.T) {
	wire, err := toWire(openMsg{TargetName: TargetName, EnvID: "k1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"target_name": TargetName, "env_id": "k1"}, wire)

	var back openMsg
	require.NoError(t, fromWire([]any{wire}, &back))
	assert.Equal(t, "k1", back.EnvID)

	require.Error(t, fromWire(nil, &back))
}
