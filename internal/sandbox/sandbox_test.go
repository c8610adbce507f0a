package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedProber struct {
	path string
}

func (p fixedProber) Available() bool { return p.path != "" }
func (p fixedProber) Path() string    { return p.path }

func newTestExecutor(p Prober) *Executor {
	return New(Options{Prober: p})
}

func TestExecuteCompleted(t *testing.T) {
	e := newTestExecutor(fixedProber{})
	res := e.Execute(context.Background(), Request{Command: "echo hello", WorkDir: t.TempDir()})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, 1.0, res.Confidence)
	require.False(t, res.WasSandboxed)
	require.False(t, res.Truncated)
}

func TestExecuteNonzeroExitKeepsFullConfidence(t *testing.T) {
	e := newTestExecutor(fixedProber{})
	res := e.Execute(context.Background(), Request{Command: "echo oops >&2; exit 3", WorkDir: t.TempDir()})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "oops\n", res.Stderr)
	require.Equal(t, 1.0, res.Confidence)
}

func TestExecuteRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))
	res := newTestExecutor(fixedProber{}).Execute(context.Background(), Request{Command: "ls", WorkDir: dir})
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "marker.txt")
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestExecutor(fixedProber{})
	start := time.Now()
	res := e.Execute(context.Background(), Request{
		Command: "sleep 5 & sleep 5; wait",
		WorkDir: t.TempDir(),
		Timeout: 500 * time.Millisecond,
	})
	require.Less(t, time.Since(start), 4*time.Second, "process group must be killed")
	require.Equal(t, OutcomeTimedOut, res.Outcome)
	require.Equal(t, -1, res.ExitCode)
	require.Equal(t, 0.5, res.Confidence)
	require.Equal(t, "Command timed out after 0.5 seconds", res.Stderr)
	require.Contains(t, res.Stderr, "timed out")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	e := newTestExecutor(fixedProber{})
	res := e.Execute(context.Background(), Request{
		Command: "i=0; while [ $i -lt 400 ]; do echo 0123456789012345678901234567890123456789; i=$((i+1)); done",
		WorkDir: t.TempDir(),
	})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.True(t, res.Truncated)
	require.True(t, strings.HasSuffix(res.Stdout, TruncationMarker))
	require.Len(t, res.Stdout, DefaultMaxOutputBytes+len(TruncationMarker))
}

func TestExecuteStartError(t *testing.T) {
	e := newTestExecutor(fixedProber{})
	res := e.Execute(context.Background(), Request{
		Command: "echo hi",
		WorkDir: filepath.Join(t.TempDir(), "missing"),
	})
	require.Equal(t, OutcomeError, res.Outcome)
	require.Equal(t, -1, res.ExitCode)
	require.Equal(t, 0.0, res.Confidence)
	require.NotEmpty(t, res.Stderr)
}

func TestExecuteFallsBackWithoutBwrap(t *testing.T) {
	e := newTestExecutor(fixedProber{})
	res := e.Execute(context.Background(), Request{Command: "echo plain", WorkDir: t.TempDir(), UseSandbox: true})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.False(t, res.WasSandboxed)
	require.Equal(t, "plain\n", res.Stdout)
}

func TestExecuteThroughSandboxLauncher(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	launcher := filepath.Join(dir, "fake-bwrap")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > '" + argsFile + "'\n" +
		"while [ \"$#\" -gt 0 ] && [ \"$1\" != \"--\" ]; do shift; done\nshift\nexec \"$@\"\n"
	require.NoError(t, os.WriteFile(launcher, []byte(script), 0o755))

	work := t.TempDir()
	e := newTestExecutor(fixedProber{path: launcher})
	res := e.Execute(context.Background(), Request{Command: "echo isolated", WorkDir: work, UseSandbox: true})
	require.Equal(t, OutcomeCompleted, res.Outcome, res.Stderr)
	require.True(t, res.WasSandboxed)
	require.Equal(t, "isolated\n", res.Stdout)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Contains(t, args, "--die-with-parent")
	require.Contains(t, args, "--unshare-net")
	require.Contains(t, args, work)
}

func TestBwrapArgs(t *testing.T) {
	args, err := BwrapArgs(BwrapOptions{WorkDir: "/w", Command: "ls -la"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"--ro-bind", "/", "/",
		"--bind", "/w", "/w",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--chdir", "/w",
		"--die-with-parent",
		"--unshare-net",
		"--", "/bin/sh", "-c", "ls -la",
	}, args)

	args, err = BwrapArgs(BwrapOptions{WorkDir: "/w", Command: "ls", AllowNetwork: true})
	require.NoError(t, err)
	require.NotContains(t, args, "--unshare-net")

	_, err = BwrapArgs(BwrapOptions{Command: "ls"})
	require.Error(t, err)
}

func TestClampTimeout(t *testing.T) {
	require.Equal(t, DefaultTimeout, ClampTimeout(0))
	require.Equal(t, MaxTimeout, ClampTimeout(time.Hour))
	require.Equal(t, 2*time.Second, ClampTimeout(2*time.Second))
}

func TestBoundedBufferKeepsRuneBoundary(t *testing.T) {
	b := newBoundedBuffer(2)
	_, err := b.Write([]byte("é!"))
	require.NoError(t, err)
	s, truncated := b.String()
	require.True(t, truncated)
	require.Equal(t, "é"+TruncationMarker, s)

	b = newBoundedBuffer(3)
	_, _ = b.Write([]byte("a日"))
	s, truncated = b.String()
	require.True(t, truncated)
	require.Equal(t, "a"+TruncationMarker, s)
}

func TestBoundedBufferUnderLimit(t *testing.T) {
	b := newBoundedBuffer(10)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	s, truncated := b.String()
	require.False(t, truncated)
	require.Equal(t, "abc", s)
}
