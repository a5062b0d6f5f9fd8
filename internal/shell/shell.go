// Package shell runs locally configured tools as subprocesses. The call
// input is delivered as a JSON object on stdin; stdout becomes the result
// output. A non-zero exit is a tool failure, not an executor error.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/toolgate/toolgate/internal/tool"
)

// outputLimit caps captured stdout and stderr per stream.
const outputLimit = 64 * 1024

// Runner returns a tool.RunFunc that executes the given command. The
// dispatcher's per-execution context carries the tool timeout, so the
// command is bounded without a second timer here.
func Runner(command string, args []string, logger *slog.Logger) tool.RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, name string, input map[string]any) (tool.Result, error) {
		payload, err := json.Marshal(input)
		if err != nil {
			return tool.Result{}, fmt.Errorf("shell: encoding input for %s: %w", name, err)
		}

		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdin = bytes.NewReader(payload)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &capWriter{buf: &stdout}
		cmd.Stderr = &capWriter{buf: &stderr}

		runErr := cmd.Run()
		if ctx.Err() != nil {
			return tool.Result{}, fmt.Errorf("shell: %s: %w", name, ctx.Err())
		}
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				logger.Debug("shell: tool exited non-zero",
					"tool", name, "exit_code", exitErr.ExitCode())
				return tool.Result{
					Success:      false,
					Output:       stdout.String(),
					ErrorCode:    fmt.Sprintf("exit_%d", exitErr.ExitCode()),
					ErrorMessage: strings.TrimSpace(stderr.String()),
				}, nil
			}
			return tool.Result{}, fmt.Errorf("shell: running %s: %w", name, runErr)
		}

		return tool.Result{Success: true, Output: stdout.String()}, nil
	}
}

// capWriter drops bytes past outputLimit so a chatty tool cannot balloon
// the execution record.
type capWriter struct {
	buf *bytes.Buffer
	n   int
}

func (w *capWriter) Write(p []byte) (int, error) {
	total := len(p)
	if w.n < outputLimit {
		keep := p
		if w.n+len(keep) > outputLimit {
			keep = keep[:outputLimit-w.n]
		}
		w.buf.Write(keep)
		w.n += len(keep)
	}
	return total, nil
}
