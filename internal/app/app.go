package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vk/cellpilot/internal/channel"
	"github.com/vk/cellpilot/internal/commreg"
	"github.com/vk/cellpilot/internal/config"
	"github.com/vk/cellpilot/internal/control"
	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/vk/cellpilot/internal/events"
	"github.com/vk/cellpilot/internal/executor"
	"github.com/vk/cellpilot/internal/kernel"
	"github.com/vk/cellpilot/internal/pipeline"
	"github.com/vk/cellpilot/internal/queue"
	"github.com/vk/cellpilot/internal/workspace"
)

// KernelManager starts kernels and opens connections to them.
type KernelManager interface {
	GetKernel(ctx context.Context, id string) (kernel.Model, error)
	StartKernel(ctx context.Context, name string) (kernel.Model, error)
	Connect(ctx context.Context, id string) (kernel.Kernel, error)
	Close() error
}

// jupyterManager adapts kernel.Manager to KernelManager.
type jupyterManager struct {
	*kernel.Manager
}

func (m jupyterManager) Connect(ctx context.Context, id string) (kernel.Kernel, error) {
	conn, err := m.Manager.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Option customizes an App.
type Option func(*App)

// WithKernelManager replaces the Jupyter REST client.
func WithKernelManager(m KernelManager) Option {
	return func(a *App) { a.manager = m }
}

// WithVersion sets the version reported by /health and injected into kernels.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	closeLog func() error
	config   *config.Config
	version  string
	backoff  kernel.BackoffConfig

	ctx    context.Context
	cancel context.CancelFunc

	workspace  *workspace.Workspace
	tracker    *queue.Tracker
	registry   *commreg.Registry
	channel    *channel.Server
	dispatcher *control.Dispatcher
	pipeline   *pipeline.Pipeline
	kernels    *kernelSet
	manager    KernelManager

	events   chan events.Event
	loopDone chan struct{}

	httpServer   *http.Server
	healthServer *http.Server

	readyOnce sync.Once
	ready     chan struct{}
	addrMu    sync.Mutex
	addr      string
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger. Nothing is started
// until Run.
func NewApp(outW io.Writer, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile, outW)
	if err != nil {
		return nil, err
	}
	logger.Debug("Logger configured successfully.")

	initial, maxDelay, err := cfg.Reconnect.Delays()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), logger))
	a := &App{
		outW:     outW,
		logger:   logger,
		closeLog: closeLog,
		config:   cfg,
		version:  "dev",
		backoff: kernel.BackoffConfig{
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.JitterEnabled(),
		},
		ctx:      ctx,
		cancel:   cancel,
		tracker:  queue.New(),
		registry: commreg.New(logger.With("component", "commreg")),
		channel:  channel.NewServer(logger.With("component", "channel")),
		kernels:  newKernelSet(),
		events:   make(chan events.Event, 256),
		loopDone: make(chan struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.manager == nil {
		a.manager = jupyterManager{kernel.NewManager(cfg.Jupyter.URL, cfg.Jupyter.Token, logger.With("component", "kernel"))}
	}

	a.workspace = workspace.New(a)
	runner := executor.New(pipeline.DefaultRunner{},
		executor.WithAssistant(executor.Assistant{
			Module: cfg.Assistant.Module,
			Class:  cfg.Assistant.Class,
			Method: cfg.Assistant.Method,
			Handle: cfg.Assistant.Handle,
		}),
		executor.WithVersion(a.version),
	)
	a.pipeline = pipeline.New(ctx, runner, a.kernels, a)
	a.dispatcher = control.NewDispatcher(a.workspace, a.tracker, a.pipeline)

	logger.Debug("App constructed.", "listen_addr", cfg.ListenAddr, "notebooks", len(cfg.Notebooks))
	return a, nil
}

// Post delivers ev to the event loop. It blocks while the loop is busy and
// drops the event once the loop has stopped.
func (a *App) Post(ev events.Event) {
	select {
	case a.events <- ev:
	case <-a.loopDone:
	}
}

// Ready is closed once the control listener is accepting connections.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound control address, valid after Ready.
func (a *App) Addr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Workspace returns the open notebooks. This is primarily for testing.
func (a *App) Workspace() *workspace.Workspace {
	return a.workspace
}

// Tracker returns the execution queue tracker. This is primarily for testing.
func (a *App) Tracker() *queue.Tracker {
	return a.tracker
}
