package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// Commander runs the engine binary once per call. Spawn failures and context
// cancellation surface as errors; a non-zero exit from a process that ran is
// reported through Result.ExitCode with a nil error.
type Commander interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Request is one engine CLI invocation.
type Request struct {
	Args  []string
	Stdin io.Reader
	// Stdout/Stderr stream when non-nil; otherwise output is captured into
	// the Result.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

type execCommander struct {
	binary string
}

// NewCommander returns a Commander that execs the given binary.
func NewCommander(binary string) Commander {
	return &execCommander{binary: binary}
}

func (c *execCommander) Run(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, c.binary, req.Args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdin = req.Stdin
	if req.Stdout != nil {
		cmd.Stdout = req.Stdout
	} else {
		cmd.Stdout = &outBuf
	}
	if req.Stderr != nil {
		cmd.Stderr = req.Stderr
	} else {
		cmd.Stderr = &errBuf
	}

	started := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(started),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, runErr
	}
	return res, nil
}
