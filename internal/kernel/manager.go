package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"resty.dev/v3"
)

// Model is the kernel description returned by the Jupyter REST API.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity"`
	ExecutionState string `json:"execution_state"`
	Connections    int    `json:"connections"`
}

// Manager starts, lists and connects to kernels through a Jupyter server.
type Manager struct {
	baseURL string
	token   string
	client  *resty.Client
	logger  *slog.Logger
}

// NewManager returns a manager for the Jupyter server at baseURL. The token
// may be empty when the server runs without authentication.
func NewManager(baseURL, token string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetHeader("Authorization", "token "+token)
	}
	return &Manager{
		baseURL: baseURL,
		token:   token,
		client:  client,
		logger:  logger,
	}
}

// errEmptyModel reports a response that decoded to a kernel without an id.
var errEmptyModel = errors.New("response carried no kernel id")

// request returns a request that always decodes the body as JSON, whatever
// Content-Type the server sent.
func (m *Manager) request(ctx context.Context) *resty.Request {
	return m.client.R().
		SetContext(ctx).
		SetForceResponseContentType("application/json")
}

// Close releases idle HTTP connections.
func (m *Manager) Close() error {
	return m.client.Close()
}

// ListKernels returns the kernels currently running on the server.
func (m *Manager) ListKernels(ctx context.Context) ([]Model, error) {
	var kernels []Model
	res, err := m.request(ctx).
		SetResult(&kernels).
		Get("/api/kernels")
	if err != nil {
		return nil, fmt.Errorf("failed to list kernels: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("failed to list kernels: %s", res.Status())
	}
	return kernels, nil
}

// GetKernel returns one kernel, or ErrKernelNotFound.
func (m *Manager) GetKernel(ctx context.Context, id string) (Model, error) {
	var k Model
	res, err := m.request(ctx).
		SetPathParam("id", id).
		SetResult(&k).
		Get("/api/kernels/{id}")
	if err != nil {
		return Model{}, fmt.Errorf("failed to get kernel %s: %w", id, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return Model{}, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	if res.IsError() {
		return Model{}, fmt.Errorf("failed to get kernel %s: %s", id, res.Status())
	}
	if k.ID == "" {
		return Model{}, fmt.Errorf("failed to get kernel %s: %w", id, errEmptyModel)
	}
	return k, nil
}

// StartKernel starts a kernel of the named kernelspec. An empty name uses
// the server's default kernelspec.
func (m *Manager) StartKernel(ctx context.Context, name string) (Model, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	var k Model
	res, err := m.request(ctx).
		SetBody(body).
		SetResult(&k).
		Post("/api/kernels")
	if err != nil {
		return Model{}, fmt.Errorf("failed to start kernel: %w", err)
	}
	if res.IsError() {
		return Model{}, fmt.Errorf("failed to start kernel: %s", res.Status())
	}
	if k.ID == "" {
		return Model{}, fmt.Errorf("failed to start kernel: %w", errEmptyModel)
	}
	m.logger.Info("Kernel started.", "kernel_id", k.ID, "name", k.Name)
	return k, nil
}

// RestartKernel restarts a kernel in place; its id stays the same.
func (m *Manager) RestartKernel(ctx context.Context, id string) (Model, error) {
	var k Model
	res, err := m.request(ctx).
		SetPathParam("id", id).
		SetResult(&k).
		Post("/api/kernels/{id}/restart")
	if err != nil {
		return Model{}, fmt.Errorf("failed to restart kernel %s: %w", id, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return Model{}, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	if res.IsError() {
		return Model{}, fmt.Errorf("failed to restart kernel %s: %s", id, res.Status())
	}
	if k.ID == "" {
		return Model{}, fmt.Errorf("failed to restart kernel %s: %w", id, errEmptyModel)
	}
	return k, nil
}

// ChannelsURL returns the websocket URL of a kernel's channels endpoint.
func (m *Manager) ChannelsURL(id string) (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid jupyter url %q: %w", m.baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + url.PathEscape(id) + "/channels"
	u.RawQuery = url.Values{"session_id": []string{uuid.NewString()}}.Encode()
	return u.String(), nil
}

// Connect opens the channels websocket of kernel id.
func (m *Manager) Connect(ctx context.Context, id string) (*Conn, error) {
	wsURL, err := m.ChannelsURL(id)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	if m.token != "" {
		hdr.Set("Authorization", "token "+m.token)
	}
	c, err := Dial(ctx, wsURL, hdr, id, m.logger)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Connected to kernel channels.", "kernel_id", id)
	return c, nil
}
