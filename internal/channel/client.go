package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/cellpilot/internal/control"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const defaultPath = "/socket.io/"

// Client is the caller end of the channel. It allows one outstanding request
// at a time; concurrent Do calls queue on a mutex.
type Client struct {
	io     *socket.Socket
	envID  string
	logger *slog.Logger

	mu      sync.Mutex
	replies chan control.Response

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the host at rawURL and opens the channel for kernel envID.
// A URL without a path uses /socket.io/.
func Dial(ctx context.Context, rawURL, envID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("url", rawURL, "kernel_id", envID)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	path := parsedURL.Path
	if path == "" || path == "/" {
		path = defaultPath
	}

	opts := socket.DefaultOptions()
	opts.SetPath(path)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)

	c := &Client{
		io:      io,
		envID:   envID,
		logger:  logger,
		replies: make(chan control.Response, 8),
		closed:  make(chan struct{}),
	}

	connectChan := make(chan error, 1)
	ackChan := make(chan openAck, 1)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Channel socket connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		connectChan <- err
	})
	io.On(types.EventName(eventOpenAck), func(args ...any) {
		var ack openAck
		if err := fromWire(args, &ack); err != nil {
			ack = openAck{Error: err.Error()}
		}
		select {
		case ackChan <- ack:
		default:
		}
	})
	io.On(types.EventName(eventMsg), func(args ...any) {
		var msg commMsg
		var resp control.Response
		err := fromWire(args, &msg)
		if err == nil {
			err = json.Unmarshal(msg.Data, &resp)
		}
		if err != nil {
			logger.Warn("Dropping undecodable control response.", "error", err)
			return
		}
		select {
		case c.replies <- resp:
		default:
			logger.Warn("Dropping control response, nobody is waiting.", "request_id", resp.RequestID)
		}
	})
	io.On(types.EventName(eventClose), func(...any) {
		logger.Info("Channel closed by host.")
		c.markClosed()
	})

	io.Connect()

	timeout := time.NewTimer(15 * time.Second)
	defer timeout.Stop()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-timeout.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after 15s waiting for socket.io connection")
	}

	open, err := toWire(openMsg{TargetName: TargetName, EnvID: envID})
	if err != nil {
		io.Disconnect()
		return nil, err
	}
	io.Emit(eventOpen, open)

	select {
	case ack := <-ackChan:
		if !ack.OK {
			io.Disconnect()
			return nil, fmt.Errorf("comm_open rejected: %s", ack.Error)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for comm_open_ack: %w", ctx.Err())
	case <-timeout.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after 15s waiting for comm_open_ack")
	}

	logger.Debug("Channel opened.")
	return c, nil
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed is closed once the host closed the channel or Close was called.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close disconnects from the host.
func (c *Client) Close() error {
	c.markClosed()
	c.io.Disconnect()
	return nil
}

// Do sends req and waits for its response. A request id is generated when
// the caller did not set one; replies carrying another id are discarded.
func (c *Client) Do(ctx context.Context, req control.Request) (control.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	select {
	case <-c.closed:
		return control.Response{}, ErrChannelClosed
	default:
	}

	data, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}
	wire, err := toWire(commMsg{Data: data})
	if err != nil {
		return control.Response{}, err
	}
	c.io.Emit(eventMsg, wire)

	for {
		select {
		case resp := <-c.replies:
			if resp.RequestID != req.RequestID {
				c.logger.Warn("Discarding stale control response.", "request_id", resp.RequestID, "want", req.RequestID)
				continue
			}
			return resp, nil
		case <-c.closed:
			return control.Response{}, ErrChannelClosed
		case <-ctx.Done():
			return control.Response{}, ctx.Err()
		}
	}
}

// CreateCell inserts a cell and returns the response carrying its id and index.
// ref is the reference cell for add_before/add_after.
func (c *Client) CreateCell(ctx context.Context, path string, placement control.Placement, ref, cellType, content string) (control.Response, error) {
	return c.Do(ctx, control.Request{
		Action:       control.CreateCell,
		NotebookPath: path,
		Placement:    placement,
		CellID:       ref,
		CellType:     cellType,
		Content:      &content,
	})
}

// UpdateCell replaces the source of a cell. A nil content only checks that the
// cell exists.
func (c *Client) UpdateCell(ctx context.Context, path, cellID string, content *string) (control.Response, error) {
	return c.Do(ctx, control.Request{Action: control.UpdateCell, NotebookPath: path, CellID: cellID, Content: content})
}

func (c *Client) DeleteCell(ctx context.Context, path, cellID string) (control.Response, error) {
	return c.Do(ctx, control.Request{Action: control.DeleteCell, NotebookPath: path, CellID: cellID})
}

// RunCell returns once the run was invoked; poll GetNotebookData for completion.
func (c *Client) RunCell(ctx context.Context, path, cellID string) (control.Response, error) {
	return c.Do(ctx, control.Request{Action: control.RunCell, NotebookPath: path, CellID: cellID})
}

func (c *Client) GetNotebookData(ctx context.Context, path string) (control.Response, error) {
	return c.Do(ctx, control.Request{Action: control.GetNotebookData, NotebookPath: path})
}
