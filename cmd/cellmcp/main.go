package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vk/cellpilot/internal/cli"
	"github.com/vk/cellpilot/internal/mcpbridge"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the entrypoint for cellmcp, an MCP stdio server forwarding tool
// calls to a cellpilot host. Stdout carries the protocol; logs go to stderr.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr, os.Args[1:], &mcp.StdioTransport{}); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	url      string
	kernelID string
	logLevel string
}

func parse(args []string, output io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("cellmcp", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
cellmcp - Serve the cellpilot control actions as MCP tools over stdio.

Usage:
  cellmcp [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	urlFlag := flagSet.String("url", envOr("CELLPILOT_URL", "http://127.0.0.1:8765"), "Control channel URL. Env: CELLPILOT_URL.")
	kernelFlag := flagSet.String("kernel", os.Getenv("CELLPILOT_KERNEL_ID"), "Kernel id the channel is opened for. Env: CELLPILOT_KERNEL_ID.")
	logLevelFlag := flagSet.String("log-level", "warn", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &cli.ExitError{Code: 2, Message: err.Error()}
	}
	if *kernelFlag == "" {
		return nil, false, &cli.ExitError{Code: 2, Message: "a kernel id is required: pass -kernel or set CELLPILOT_KERNEL_ID"}
	}
	return &options{url: *urlFlag, kernelID: *kernelFlag, logLevel: *logLevelFlag}, false, nil
}

func run(ctx context.Context, logW io.Writer, args []string, transport mcp.Transport) error {
	opts, shouldExit, err := parse(args, logW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return &cli.ExitError{Code: 2, Message: fmt.Sprintf("invalid log-level: %v", err)}
	}
	logger := slog.New(slog.NewTextHandler(logW, &slog.HandlerOptions{Level: level})).
		With("url", opts.url, "kernel_id", opts.kernelID)

	caller := mcpbridge.NewRedialer(mcpbridge.ChannelDialer(opts.url, opts.kernelID, logger), logger)
	defer caller.Close()

	logger.Info("💬 MCP bridge starting.", "version", version)
	if err := mcpbridge.New(caller).Server(version).Run(ctx, transport); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp server stopped: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
