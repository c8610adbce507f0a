package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"localagent/internal/contenthash"
	"localagent/internal/domain"
	"localagent/internal/policy"
)

var ErrNotFound = errors.New("not found")

// ValidationError is a client error detected before anything is dispatched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Tool is the typed input of one delegation. The set of variants is closed:
// FileScan, Summarize and RunCommand.
type Tool interface {
	Name() string
	isTool()
}

type FileScan struct {
	Patterns []string
	RootDir  string
}

type Summarize struct {
	// Exactly one of Content or Hash is set. Hash names cached content.
	Content string
	Hash    string
}

type RunCommand struct {
	Command    string
	WorkDir    string
	Timeout    time.Duration
	UseSandbox *bool
}

func (FileScan) Name() string   { return policy.ToolFileScanner }
func (Summarize) Name() string  { return policy.ToolSummarizer }
func (RunCommand) Name() string { return policy.ToolBashRunner }

func (FileScan) isTool()   {}
func (Summarize) isTool()  {}
func (RunCommand) isTool() {}

// ParseTool maps a wire tool name and its input refs onto a Tool variant.
func ParseTool(name string, refs []domain.InputRef, rootDir string) (Tool, error) {
	switch name {
	case policy.ToolFileScanner:
		t := FileScan{RootDir: rootDir}
		for _, ref := range refs {
			if ref.Type != domain.InputGlob {
				return nil, invalid("input_refs", "file_scanner accepts glob refs, got %q", ref.Type)
			}
			if strings.TrimSpace(ref.Value) == "" {
				return nil, invalid("input_refs", "empty glob pattern")
			}
			t.Patterns = append(t.Patterns, ref.Value)
		}
		return t, nil
	case policy.ToolSummarizer:
		for _, ref := range refs {
			switch ref.Type {
			case domain.InputContent:
				return Summarize{Content: ref.Value}, nil
			case domain.InputHash:
				if !contenthash.Valid(ref.Value) {
					return nil, invalid("input_refs", "malformed content hash %q", ref.Value)
				}
				return Summarize{Hash: ref.Value}, nil
			}
		}
		return nil, invalid("input_refs", "summarizer requires a content or hash ref")
	case policy.ToolBashRunner:
		var cmds []string
		for _, ref := range refs {
			if ref.Type == domain.InputCommand {
				cmds = append(cmds, ref.Value)
			}
		}
		if len(cmds) != 1 {
			return nil, invalid("input_refs", "bash_runner requires exactly one command ref, got %d", len(cmds))
		}
		return RunCommand{Command: cmds[0], WorkDir: rootDir}, nil
	case "":
		return nil, invalid("tool_name", "tool_name is required")
	}
	return nil, invalid("tool_name", "unknown tool: %s", name)
}
