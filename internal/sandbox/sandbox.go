// Package sandbox runs external commands for the freeze pipeline, either
// directly on the host or inside a long-lived Docker container. Callers see
// one Runner interface; the pipeline does not know where a command ran.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"schemafreeze/internal/logging"
)

// maxOutputBytes caps captured combined output. Runaway test loops can
// otherwise produce gigabytes of output.
const maxOutputBytes = 10 * 1024 * 1024

// Command describes one external invocation.
type Command struct {
	// Name is the program to run.
	Name string
	// Args are the program arguments.
	Args []string
	// Dir is the working directory. Empty means the runner's default.
	Dir string
	// Env lists additional KEY=VALUE entries appended to the inherited
	// environment.
	Env []string
	// Timeout bounds the invocation. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of one invocation. Combined holds interleaved
// stdout and stderr exactly as produced, which is what gets surfaced
// verbatim on build and execution failures.
type Result struct {
	ExitCode  int
	Combined  []byte
	Duration  time.Duration
	Truncated bool
}

// Runner executes commands. Implementations: HostRunner, Controller
// (Docker), and test fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// HostRunner executes commands directly on the host.
type HostRunner struct{}

// Run executes cmd, capturing combined output. A non-zero exit is reported
// in Result, not as an error; errors mean the command could not run at all.
func (HostRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)

	out := &limitedBuffer{max: maxOutputBytes}
	c.Stdout = out
	c.Stderr = out

	logging.SandboxDebug("host exec: %s %v (dir=%s)", cmd.Name, cmd.Args, cmd.Dir)
	start := time.Now()
	err := c.Run()
	res := Result{
		Combined:  out.Bytes(),
		Duration:  time.Since(start),
		Truncated: out.truncated,
	}

	if err != nil {
		// A killed-on-deadline process also surfaces as *exec.ExitError,
		// so the context must be consulted first or timeouts degrade into
		// ordinary non-zero exits.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%s timed out after %v: %w", cmd.Name, res.Duration, ctx.Err())
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	return res, nil
}

// limitedBuffer keeps the first max bytes and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf.Bytes()
	}
	return append(b.buf.Bytes(), []byte("\n[output truncated]\n")...)
}
