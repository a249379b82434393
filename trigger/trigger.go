// Package trigger hands a message payload to the external autonomous-action
// command and reports whether it accepted the work.
package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout = 15 * time.Second

	// Placeholder in the argument list is replaced by the payload.
	Placeholder = "{text}"

	outputPreview = 300
)

// DefaultArgs asks the agent runtime to run the task immediately.
var DefaultArgs = []string{"system", "event", "--text", Placeholder, "--mode", "now"}

// Result is the captured outcome of one invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Command runs an executable once per payload.
type Command struct {
	bin     string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand returns a Command running bin with args. Every argument equal to
// Placeholder is replaced by the payload; without one the payload is appended
// as the last argument.
func NewCommand(bin string, args []string, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{
		bin:     bin,
		args:    append([]string(nil), args...),
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for captured output.
func (c *Command) WithLogger(logger *slog.Logger) *Command {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Fire runs the command with payload. A non-zero exit, a timeout or a failure
// to start are all returned as errors; Result is filled in as far as known.
func (c *Command) Fire(ctx context.Context, payload string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, c.argv(payload)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	c.logger.Debug("trigger finished",
		"bin", c.bin,
		"exit", res.ExitCode,
		"duration", res.Duration,
		"stdout", preview(res.Stdout),
		"stderr", preview(res.Stderr))

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%s timed out after %s", c.bin, c.timeout)
		}
		return res, fmt.Errorf("%s: %w (stderr: %s)", c.bin, err, strings.TrimSpace(preview(res.Stderr)))
	}
	return res, nil
}

func (c *Command) argv(payload string) []string {
	out := make([]string, 0, len(c.args)+1)
	replaced := false
	for _, a := range c.args {
		if a == Placeholder {
			out = append(out, payload)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, payload)
	}
	return out
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= outputPreview {
		return s
	}
	return string([]rune(s)[:outputPreview])
}
