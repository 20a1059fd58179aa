package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/vk/cellpilot/internal/channel"
	"github.com/vk/cellpilot/internal/cli"
	"github.com/vk/cellpilot/internal/control"
)

const usage = `
cellctl - Send one control request to a cellpilot host.

Usage:
  cellctl [options] create [-type code|markdown|raw|prompt] [-at PLACEMENT] [-ref CELL_ID] CONTENT
  cellctl [options] update CELL_ID CONTENT
  cellctl [options] delete CELL_ID
  cellctl [options] run [-wait] CELL_ID
  cellctl [options] get

PLACEMENT is one of at_start, at_end, add_before, add_after.
A CONTENT of "-" is read from standard input.

Options:
`

type command struct {
	url      string
	kernelID string
	timeout  time.Duration
	jsonOut  bool

	req  control.Request
	wait bool
}

func parse(args []string, output io.Writer) (*command, bool, error) {
	flagSet := flag.NewFlagSet("cellctl", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usage)
		flagSet.PrintDefaults()
	}

	urlFlag := flagSet.String("url", envOr("CELLPILOT_URL", "http://127.0.0.1:8765"), "Control channel URL. Env: CELLPILOT_URL.")
	kernelFlag := flagSet.String("kernel", os.Getenv("CELLPILOT_KERNEL_ID"), "Kernel id the channel is opened for. Env: CELLPILOT_KERNEL_ID.")
	notebookFlag := flagSet.String("notebook", "", "Notebook path; defaults to the notebook attached to the kernel.")
	timeoutFlag := flagSet.Duration("timeout", 30*time.Second, "Overall timeout.")
	jsonFlag := flagSet.Bool("json", false, "Print the raw JSON response.")
	noColorFlag := flagSet.Bool("no-color", false, "Disable colored output.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &cli.ExitError{Code: 2, Message: err.Error()}
	}
	if *noColorFlag {
		color.Enable = false
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	if *kernelFlag == "" {
		return nil, false, &cli.ExitError{Code: 2, Message: "a kernel id is required: pass -kernel or set CELLPILOT_KERNEL_ID"}
	}

	cmd := &command{
		url:      *urlFlag,
		kernelID: *kernelFlag,
		timeout:  *timeoutFlag,
		jsonOut:  *jsonFlag,
	}
	if err := cmd.parseAction(flagSet.Arg(0), flagSet.Args()[1:], output); err != nil {
		return nil, false, &cli.ExitError{Code: 2, Message: err.Error()}
	}
	cmd.req.NotebookPath = *notebookFlag
	return cmd, false, nil
}

func (c *command) parseAction(action string, args []string, output io.Writer) error {
	sub := flag.NewFlagSet(action, flag.ContinueOnError)
	sub.SetOutput(output)

	switch action {
	case "create":
		cellType := sub.String("type", "code", "Cell type.")
		at := sub.String("at", string(control.AtEnd), "Placement.")
		ref := sub.String("ref", "", "Reference cell for add_before/add_after.")
		if err := sub.Parse(args); err != nil {
			return err
		}
		content, err := oneArg(sub, "CONTENT")
		if err != nil {
			return err
		}
		if content, err = readContent(content); err != nil {
			return err
		}
		c.req = control.Request{
			Action:    control.CreateCell,
			CellType:  *cellType,
			Placement: control.Placement(*at),
			CellID:    *ref,
			Content:   &content,
		}
	case "update":
		if err := sub.Parse(args); err != nil {
			return err
		}
		if sub.NArg() != 2 {
			return fmt.Errorf("update expects CELL_ID and CONTENT")
		}
		content, err := readContent(sub.Arg(1))
		if err != nil {
			return err
		}
		c.req = control.Request{Action: control.UpdateCell, CellID: sub.Arg(0), Content: &content}
	case "delete":
		if err := sub.Parse(args); err != nil {
			return err
		}
		id, err := oneArg(sub, "CELL_ID")
		if err != nil {
			return err
		}
		c.req = control.Request{Action: control.DeleteCell, CellID: id}
	case "run":
		wait := sub.Bool("wait", false, "Poll until the execution queue is empty.")
		if err := sub.Parse(args); err != nil {
			return err
		}
		id, err := oneArg(sub, "CELL_ID")
		if err != nil {
			return err
		}
		c.req = control.Request{Action: control.RunCell, CellID: id}
		c.wait = *wait
	case "get":
		if err := sub.Parse(args); err != nil {
			return err
		}
		c.req = control.Request{Action: control.GetNotebookData}
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

func oneArg(fs *flag.FlagSet, name string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s expects exactly one %s", fs.Name(), name)
	}
	return fs.Arg(0), nil
}

func readContent(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read content from stdin: %w", err)
	}
	return string(b), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *command) execute(ctx context.Context, outW io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := channel.Dial(ctx, c.url, c.kernelID, nil)
	if err != nil {
		return fmt.Errorf("failed to open control channel: %w", err)
	}
	defer client.Close()

	resp, err := client.Do(ctx, c.req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.Success && c.wait {
		resp, err = c.waitIdle(ctx, client)
		if err != nil {
			return err
		}
	}

	if err := c.print(outW, resp); err != nil {
		return err
	}
	if !resp.Success {
		return &cli.ExitError{Code: 1}
	}
	return nil
}

// waitIdle polls get_notebook_data until no cell is queued.
func (c *command) waitIdle(ctx context.Context, client *channel.Client) (control.Response, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := client.GetNotebookData(ctx, c.req.NotebookPath)
		if err != nil {
			return control.Response{}, fmt.Errorf("polling failed: %w", err)
		}
		if !resp.Success || resp.CellIDHead == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return control.Response{}, fmt.Errorf("cell %s still queued: %w", *resp.CellIDHead, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *command) print(w io.Writer, resp control.Response) error {
	if c.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if !resp.Success {
		fmt.Fprintln(w, color.Red.Sprintf("✘ %s failed: %s", c.req.Action, resp.Error))
		return nil
	}
	fmt.Fprintln(w, color.Green.Sprintf("✔ %s", c.req.Action))
	if resp.CellID != "" {
		fmt.Fprintf(w, "  cell_id:    %s\n", color.Cyan.Sprint(resp.CellID))
	}
	if resp.CellIndex != nil {
		fmt.Fprintf(w, "  cell_index: %d\n", *resp.CellIndex)
	}
	if resp.Notebook == nil {
		return nil
	}

	head := "none"
	if resp.CellIDHead != nil {
		head = *resp.CellIDHead
	}
	fmt.Fprintf(w, "  queue head: %s\n", head)
	for i, cell := range resp.Notebook.Cells {
		count := " "
		if cell.ExecutionCount != nil {
			count = fmt.Sprint(*cell.ExecutionCount)
		}
		fmt.Fprintf(w, "%s %s [%s]\n", color.Cyan.Sprintf("[%d] %s", i, cell.ID), color.Gray.Sprint(cell.Kind()), count)
		for _, line := range strings.Split(strings.TrimRight(cell.Source, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
		for _, out := range cell.Outputs {
			text := out.Text
			if text == "" && out.EName != "" {
				text = out.EName + ": " + out.EValue
			}
			if text == "" {
				continue
			}
			fmt.Fprintf(w, "    %s %s\n", color.Yellow.Sprint("→"), strings.TrimRight(text, "\n"))
		}
	}
	return nil
}
