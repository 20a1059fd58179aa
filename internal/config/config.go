package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete host configuration.
type Config struct {
	ListenAddr      string `hcl:"listen_addr,optional" toml:"listen_addr"`
	SocketPath      string `hcl:"socket_path,optional" toml:"socket_path"`
	HealthcheckPort int    `hcl:"healthcheck_port,optional" toml:"healthcheck_port"`
	LogLevel        string `hcl:"log_level,optional" toml:"log_level"`
	LogFormat       string `hcl:"log_format,optional" toml:"log_format"`
	LogFile         string `hcl:"log_file,optional" toml:"log_file"`

	Jupyter   *Jupyter   `hcl:"jupyter,block" toml:"jupyter"`
	Assistant *Assistant `hcl:"assistant,block" toml:"assistant"`
	Reconnect *Reconnect `hcl:"reconnect,block" toml:"reconnect"`
	Notebooks []Notebook `hcl:"notebook,block" toml:"notebook"`
}

// Jupyter locates the Jupyter server that owns the kernels.
type Jupyter struct {
	URL        string `hcl:"url,optional" toml:"url"`
	Token      string `hcl:"token,optional" toml:"token"`
	KernelName string `hcl:"kernel_name,optional" toml:"kernel_name"`
}

// Assistant names the kernel-side object prompt cells are sent to.
type Assistant struct {
	Module string `hcl:"module,optional" toml:"module"`
	Class  string `hcl:"class,optional" toml:"class"`
	Method string `hcl:"method,optional" toml:"method"`
	Handle string `hcl:"handle,optional" toml:"handle"`
}

// Reconnect controls how a lost kernel connection is retried. Delays are Go
// duration strings. MaxAttempts of 0 retries forever.
type Reconnect struct {
	InitialDelay string  `hcl:"initial_delay,optional" toml:"initial_delay"`
	MaxDelay     string  `hcl:"max_delay,optional" toml:"max_delay"`
	Multiplier   float64 `hcl:"multiplier,optional" toml:"multiplier"`
	Jitter       *bool   `hcl:"jitter,optional" toml:"jitter"`
	MaxAttempts  int     `hcl:"max_attempts,optional" toml:"max_attempts"`
}

// Delays parses InitialDelay and MaxDelay.
func (r Reconnect) Delays() (initial, maxDelay time.Duration, err error) {
	if initial, err = time.ParseDuration(r.InitialDelay); err != nil {
		return 0, 0, fmt.Errorf("reconnect.initial_delay: %w", err)
	}
	if maxDelay, err = time.ParseDuration(r.MaxDelay); err != nil {
		return 0, 0, fmt.Errorf("reconnect.max_delay: %w", err)
	}
	return initial, maxDelay, nil
}

// JitterEnabled reports the jitter setting, which defaults to on.
func (r Reconnect) JitterEnabled() bool {
	return r.Jitter == nil || *r.Jitter
}

// Notebook is a document opened at startup. An empty KernelID starts a new
// kernel for it.
type Notebook struct {
	Path     string `hcl:"path,label" toml:"path"`
	KernelID string `hcl:"kernel_id,optional" toml:"kernel_id"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8765",
		SocketPath:      "/socket.io/",
		HealthcheckPort: 0,
		LogLevel:        "info",
		LogFormat:       "text",
		Jupyter: &Jupyter{
			URL:        "http://127.0.0.1:8888",
			KernelName: "python3",
		},
		Assistant: &Assistant{
			Module: "cellpilot",
			Class:  "Assistant",
			Method: "chat",
			Handle: "__assistant__",
		},
		Reconnect: &Reconnect{
			InitialDelay: "500ms",
			MaxDelay:     "30s",
			Multiplier:   2,
		},
	}
}

// fillDefaults copies Default values into every field a file left empty.
func (c *Config) fillDefaults() {
	d := Default()
	setString(&c.ListenAddr, d.ListenAddr)
	setString(&c.SocketPath, d.SocketPath)
	setString(&c.LogLevel, d.LogLevel)
	setString(&c.LogFormat, d.LogFormat)

	if c.Jupyter == nil {
		c.Jupyter = d.Jupyter
	} else {
		setString(&c.Jupyter.URL, d.Jupyter.URL)
		setString(&c.Jupyter.KernelName, d.Jupyter.KernelName)
	}

	if c.Assistant == nil {
		c.Assistant = d.Assistant
	} else {
		setString(&c.Assistant.Module, d.Assistant.Module)
		setString(&c.Assistant.Class, d.Assistant.Class)
		setString(&c.Assistant.Method, d.Assistant.Method)
		setString(&c.Assistant.Handle, d.Assistant.Handle)
	}

	if c.Reconnect == nil {
		c.Reconnect = d.Reconnect
	} else {
		setString(&c.Reconnect.InitialDelay, d.Reconnect.InitialDelay)
		setString(&c.Reconnect.MaxDelay, d.Reconnect.MaxDelay)
		if c.Reconnect.Multiplier == 0 {
			c.Reconnect.Multiplier = d.Reconnect.Multiplier
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fail("log_level must be 'debug', 'info', 'warn', or 'error', got %q", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fail("log_format must be 'text' or 'json', got %q", c.LogFormat)
	}
	if c.ListenAddr == "" {
		return fail("listen_addr is required")
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return fail("socket_path must start with '/', got %q", c.SocketPath)
	}
	if c.HealthcheckPort < 0 || c.HealthcheckPort > 65535 {
		return fail("healthcheck_port out of range: %d", c.HealthcheckPort)
	}

	if c.Jupyter == nil || c.Assistant == nil || c.Reconnect == nil {
		return fail("jupyter, assistant and reconnect settings are required")
	}
	u, err := url.Parse(c.Jupyter.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail("jupyter.url must be an http(s) URL, got %q", c.Jupyter.URL)
	}
	for name, v := range map[string]string{
		"module": c.Assistant.Module,
		"class":  c.Assistant.Class,
		"method": c.Assistant.Method,
		"handle": c.Assistant.Handle,
	} {
		if !isIdentifier(v, name == "module") {
			return fail("assistant.%s is not a valid Python name: %q", name, v)
		}
	}

	initial, maxDelay, err := c.Reconnect.Delays()
	if err != nil {
		return fail("%v", err)
	}
	if initial <= 0 || maxDelay < initial {
		return fail("reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		return fail("reconnect.multiplier must be at least 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fail("reconnect.max_attempts must not be negative")
	}

	seen := make(map[string]bool, len(c.Notebooks))
	for _, nb := range c.Notebooks {
		if nb.Path == "" {
			return fail("notebook path must not be empty")
		}
		if seen[nb.Path] {
			return fail("notebook %q listed twice", nb.Path)
		}
		seen[nb.Path] = true
	}
	return nil
}

// AddNotebook appends path unless it is already listed.
func (c *Config) AddNotebook(path string) {
	for _, nb := range c.Notebooks {
		if nb.Path == path {
			return
		}
	}
	c.Notebooks = append(c.Notebooks, Notebook{Path: path})
}

// isIdentifier accepts Python identifiers; dotted module paths when dotted is set.
func isIdentifier(s string, dotted bool) bool {
	if s == "" {
		return false
	}
	parts := []string{s}
	if dotted {
		parts = strings.Split(s, ".")
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i, r := range p {
			letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
			digit := r >= '0' && r <= '9'
			if !letter && !(digit && i > 0) {
				return false
			}
		}
	}
	return true
}
