package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/cellpilot/internal/config"
	"github.com/vk/cellpilot/internal/fsutil"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns the merged
// configuration, a boolean indicating if the program should exit cleanly,
// or an ExitError. Flags that were set explicitly override the config file.
func Parse(args []string, output io.Writer) (*config.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("cellpilot", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
cellpilot - Drive live notebooks over a control channel.

Usage:
  cellpilot [options] [NOTEBOOK ...]

Arguments:
  NOTEBOOK
    Path to an .ipynb file to open, or a directory to open every notebook
    below it. Missing files start as empty notebooks.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to an HCL or TOML config file.")
	listenFlag := flagSet.String("listen", "", "Address of the control channel listener.")
	logLevelFlag := flagSet.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logFileFlag := flagSet.String("log-file", "", "Also append JSON logs to this file.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the standalone HTTP health check server. 0 is disabled.")
	jupyterURLFlag := flagSet.String("jupyter-url", "", "Base URL of the Jupyter server.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
		cfg = loaded
		slog.Debug("Config file loaded.", "path", *configFlag)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["listen"] {
		cfg.ListenAddr = *listenFlag
	}
	if set["log-level"] {
		cfg.LogLevel = strings.ToLower(*logLevelFlag)
	}
	if set["log-format"] {
		cfg.LogFormat = strings.ToLower(*logFormatFlag)
	}
	if set["log-file"] {
		cfg.LogFile = *logFileFlag
	}
	if set["healthcheck-port"] {
		cfg.HealthcheckPort = *healthPortFlag
	}
	if set["jupyter-url"] {
		cfg.Jupyter.URL = *jupyterURLFlag
	}
	for _, arg := range flagSet.Args() {
		paths, err := fsutil.ExpandNotebooks(arg)
		if err != nil {
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("failed to read %s: %v", arg, err)}
		}
		for _, path := range paths {
			cfg.AddNotebook(path)
		}
	}

	if len(cfg.Notebooks) == 0 {
		slog.Debug("No notebooks given, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "notebooks", len(cfg.Notebooks))
	return cfg, false, nil
}
