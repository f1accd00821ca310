// Package proc runs external programs with argument vectors, bounded stderr
// capture and a timeout.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

const defaultStderrLimit = 64 * 1024

// Command describes one program invocation. Args are passed to the program
// as-is; nothing is interpreted by a shell.
type Command struct {
	Name   string
	Args   []string
	Env    []string // appended to the current environment
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	// Timeout overrides the runner default when non-zero.
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// ExitError reports a process that ran but did not succeed.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Runner executes commands. Tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout     time.Duration
	StderrLimit int
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run starts cmd and waits for it. A non-zero exit returns *ExitError along
// with the populated Result. Hitting the timeout kills the process and
// returns an error wrapping context.DeadlineExceeded.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	limit := r.StderrLimit
	if limit <= 0 {
		limit = defaultStderrLimit
	}
	stderr := &tailBuffer{limit: limit}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	c.Stderr = stderr
	c.WaitDelay = 5 * time.Second
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	start := time.Now()
	err := c.Run()
	res := Result{Stderr: stderr.String(), Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Name: cmd.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	return res, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		t.truncated = true
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "..." + t.buf.String()
	}
	return t.buf.String()
}
