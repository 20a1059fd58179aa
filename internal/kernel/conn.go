package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vk/cellpilot/internal/cell"
)

const protocolVersion = "5.3"

type header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

type message struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// Conn is a Kernel reached over the Jupyter server's kernel channels websocket.
type Conn struct {
	id      string
	session string
	ws      *websocket.Conn
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*Execution

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ Kernel = (*Conn)(nil)

// Dial opens the channels websocket of kernel kernelID at url.
func Dial(ctx context.Context, url string, hdr http.Header, kernelID string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, kernelID)
		}
		return nil, fmt.Errorf("failed to dial kernel %s: %w", kernelID, err)
	}
	return newConn(ws, kernelID, logger), nil
}

func newConn(ws *websocket.Conn, kernelID string, logger *slog.Logger) *Conn {
	c := &Conn{
		id:      kernelID,
		session: uuid.NewString(),
		ws:      ws,
		logger:  logger.With("kernel_id", kernelID),
		pending: make(map[string]*Execution),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Execute sends an execute_request on the shell channel.
func (c *Conn) Execute(ctx context.Context, code string, opts ExecuteOptions) (*Execution, error) {
	select {
	case <-c.done:
		return nil, ErrDisconnected
	default:
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to create message id: %w", err)
	}
	content, err := json.Marshal(executeRequest{
		Code:            code,
		Silent:          opts.Silent,
		StoreHistory:    opts.StoreHistory && !opts.Silent,
		UserExpressions: map[string]any{},
		StopOnError:     !opts.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}
	msg := message{
		Header: header{
			MsgID:    id.String(),
			MsgType:  "execute_request",
			Session:  c.session,
			Username: "cellpilot",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			Version:  protocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  "shell",
		Buffers:  []any{},
	}

	exec := NewExecution(id.String())
	c.mu.Lock()
	c.pending[exec.ID()] = exec
	c.mu.Unlock()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	err = c.ws.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		c.forget(exec.ID())
		return nil, fmt.Errorf("failed to send execute request: %w", err)
	}
	c.logger.Debug("Execute request sent.", "msg_id", exec.ID(), "silent", opts.Silent)
	return exec, nil
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) lookup(id string) *Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping undecodable kernel message.", "error", err)
			continue
		}
		c.route(msg)
	}
}

func (c *Conn) route(msg message) {
	exec := c.lookup(msg.ParentHeader.MsgID)
	if exec == nil {
		return
	}

	switch msg.Header.MsgType {
	case "status":
		var st struct {
			ExecutionState string `json:"execution_state"`
		}
		if json.Unmarshal(msg.Content, &st) == nil && st.ExecutionState == "idle" {
			exec.SetIdle()
		}
	case "execute_reply":
		var r Reply
		if err := json.Unmarshal(msg.Content, &r); err != nil {
			exec.Fail(fmt.Errorf("%w: bad execute_reply: %v", ErrExecutionFailed, err))
			break
		}
		exec.SetReply(r)
	case "stream", "display_data", "execute_result", "error":
		var out cell.Output
		if err := json.Unmarshal(msg.Content, &out); err != nil {
			c.logger.Warn("Dropping undecodable output.", "msg_type", msg.Header.MsgType, "error", err)
			return
		}
		out.OutputType = msg.Header.MsgType
		exec.Emit(out)
	case "clear_output":
		exec.Emit(cell.Output{OutputType: ClearOutput})
	}

	select {
	case <-exec.Done():
		c.forget(exec.ID())
	default:
	}
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = make(map[string]*Execution)
		c.mu.Unlock()

		for _, exec := range pending {
			exec.Fail(cause)
		}
		close(c.done)
		if cause != nil && !errors.Is(cause, errClosedByHost) {
			c.logger.Warn("Kernel connection lost.", "error", cause)
		}
	})
}

var errClosedByHost = errors.New("closed by host")

// Close closes the websocket and fails pending executions.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(fmt.Errorf("%w: %w", ErrDisconnected, errClosedByHost))
	return c.ws.Close()
}
