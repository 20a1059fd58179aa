package mcpbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vk/cellpilot/internal/channel"
	"github.com/vk/cellpilot/internal/control"
)

// Conn is an open control channel.
type Conn interface {
	Caller
	Closed() <-chan struct{}
	Close() error
}

// DialFunc opens a control channel.
type DialFunc func(ctx context.Context) (Conn, error)

// ChannelDialer dials the host at url for kernelID.
func ChannelDialer(url, kernelID string, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		client, err := channel.Dial(ctx, url, kernelID, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Redialer is a Caller that opens the channel on first use and opens it again
// after the host closed it, which happens whenever the kernel is replaced.
type Redialer struct {
	dial   DialFunc
	logger *slog.Logger

	mu   sync.Mutex
	conn Conn
}

// NewRedialer returns a Redialer using dial.
func NewRedialer(dial DialFunc, logger *slog.Logger) *Redialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redialer{dial: dial, logger: logger}
}

func (r *Redialer) current(ctx context.Context) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		select {
		case <-r.conn.Closed():
			r.logger.Info("Control channel closed, reopening.")
			_ = r.conn.Close()
			r.conn = nil
		default:
			return r.conn, nil
		}
	}
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}

// Do sends req. A read-only get_notebook_data is retried once on a fresh
// channel when the host closed the current one. Other actions are never
// resent.
func (r *Redialer) Do(ctx context.Context, req control.Request) (control.Response, error) {
	conn, err := r.current(ctx)
	if err != nil {
		return control.Response{}, err
	}
	resp, err := conn.Do(ctx, req)
	if errors.Is(err, channel.ErrChannelClosed) && req.Action == control.GetNotebookData {
		if conn, err = r.current(ctx); err != nil {
			return control.Response{}, err
		}
		return conn.Do(ctx, req)
	}
	return resp, err
}

// Close closes the current channel, if any.
func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
