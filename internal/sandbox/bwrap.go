package sandbox

import (
	"errors"
	"os/exec"
	"sync"
)

// Prober reports whether bubblewrap can be used on this host.
type Prober interface {
	Available() bool
	Path() string
}

// PathProber looks bwrap up on PATH once and remembers the answer.
type PathProber struct {
	Name string

	once sync.Once
	path string
}

func (p *PathProber) lookup() {
	p.once.Do(func() {
		name := p.Name
		if name == "" {
			name = "bwrap"
		}
		if path, err := exec.LookPath(name); err == nil {
			p.path = path
		}
	})
}

func (p *PathProber) Available() bool {
	p.lookup()
	return p.path != ""
}

func (p *PathProber) Path() string {
	p.lookup()
	return p.path
}

// BwrapOptions describes one isolated invocation.
type BwrapOptions struct {
	WorkDir      string
	Shell        string
	Command      string
	AllowNetwork bool
}

// BwrapArgs builds the bubblewrap argument list: the host root read-only,
// the working directory writable, fresh /proc, /dev and /tmp, and the child
// tied to the lifetime of the parent.
func BwrapArgs(opts BwrapOptions) ([]string, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	args := []string{
		"--ro-bind", "/", "/",
		"--bind", opts.WorkDir, opts.WorkDir,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--chdir", opts.WorkDir,
		"--die-with-parent",
	}
	if !opts.AllowNetwork {
		args = append(args, "--unshare-net")
	}
	args = append(args, "--", shell, "-c", opts.Command)
	return args, nil
}
