// Package sandbox runs policy-approved shell commands, inside bubblewrap when
// the host has it, with a hard timeout and bounded output capture.
//
// Callers must validate commands against a policy first; Execute trusts its
// input.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

const (
	DefaultTimeout        = 10 * time.Second
	MaxTimeout            = 300 * time.Second
	DefaultMaxOutputBytes = 10 * 1024
)

// Outcome is the three-state execution result.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeError     Outcome = "error"
)

type Request struct {
	Command    string
	WorkDir    string
	Timeout    time.Duration
	PolicyID   string
	UseSandbox bool
	// AllowNetwork keeps the host network namespace inside the sandbox.
	AllowNetwork bool
}

type Result struct {
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     int           `json:"exit_code"`
	WasSandboxed bool          `json:"was_sandboxed"`
	Confidence   float64       `json:"confidence"`
	Outcome      Outcome       `json:"outcome"`
	Duration     time.Duration `json:"duration_ns"`
	Truncated    bool          `json:"truncated"`
}

type Options struct {
	Prober         Prober
	Shell          string
	MaxOutputBytes int
	Logger         *slog.Logger
}

type Executor struct {
	prober   Prober
	shell    string
	maxBytes int
	log      *slog.Logger
}

func New(opts Options) *Executor {
	if opts.Prober == nil {
		opts.Prober = &PathProber{}
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		prober:   opts.Prober,
		shell:    opts.Shell,
		maxBytes: opts.MaxOutputBytes,
		log:      opts.Logger,
	}
}

// SandboxAvailable reports whether isolated execution is possible.
func (e *Executor) SandboxAvailable() bool {
	return e.prober.Available()
}

// ClampTimeout applies the default and the hard cap.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Execute runs req.Command through the shell. It never returns an error:
// failures to start are reported as OutcomeError with the message in Stderr.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	timeout := ClampTimeout(req.Timeout)
	cmd, sandboxed, err := e.command(req)
	if err != nil {
		return errorResult(err, false)
	}

	stdout := newBoundedBuffer(e.maxBytes)
	stderr := newBoundedBuffer(e.maxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return errorResult(err, sandboxed)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		killProcessGroup(cmd)
		<-done
		e.log.Warn("command timed out", "command", req.Command, "timeout", timeout, "policy", req.PolicyID)
		out, outTrunc := stdout.String()
		return Result{
			Stdout:       out,
			Stderr:       "Command timed out after " + formatSeconds(timeout) + " seconds",
			ExitCode:     -1,
			WasSandboxed: sandboxed,
			Confidence:   0.5,
			Outcome:      OutcomeTimedOut,
			Duration:     time.Since(start),
			Truncated:    outTrunc,
		}
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return errorResult(ctx.Err(), sandboxed)
	}

	res := Result{
		WasSandboxed: sandboxed,
		Confidence:   1.0,
		Outcome:      OutcomeCompleted,
		Duration:     time.Since(start),
	}
	var outTrunc, errTrunc bool
	res.Stdout, outTrunc = stdout.String()
	res.Stderr, errTrunc = stderr.String()
	res.Truncated = outTrunc || errTrunc

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		r := errorResult(waitErr, sandboxed)
		r.Duration = res.Duration
		return r
	}
	e.log.Debug("command finished", "command", req.Command, "exit_code", res.ExitCode, "sandboxed", sandboxed, "duration", res.Duration)
	return res
}

func (e *Executor) command(req Request) (*exec.Cmd, bool, error) {
	if !req.UseSandbox {
		cmd := exec.Command(e.shell, "-c", req.Command)
		cmd.Dir = req.WorkDir
		return cmd, false, nil
	}
	if !e.prober.Available() {
		e.log.Warn("bwrap not available, running without sandbox", "command", req.Command)
		cmd := exec.Command(e.shell, "-c", req.Command)
		cmd.Dir = req.WorkDir
		return cmd, false, nil
	}
	workDir := req.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, false, err
		}
		workDir = wd
	}
	args, err := BwrapArgs(BwrapOptions{
		WorkDir:      workDir,
		Shell:        e.shell,
		Command:      req.Command,
		AllowNetwork: req.AllowNetwork,
	})
	if err != nil {
		return nil, false, fmt.Errorf("build sandbox: %w", err)
	}
	return exec.Command(e.prober.Path(), args...), true, nil
}

func errorResult(err error, sandboxed bool) Result {
	return Result{
		Stderr:       err.Error(),
		ExitCode:     -1,
		WasSandboxed: sandboxed,
		Confidence:   0.0,
		Outcome:      OutcomeError,
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
