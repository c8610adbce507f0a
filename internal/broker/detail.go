package broker

import (
	"context"
	"fmt"
	"strings"

	"localagent/internal/cache"
	"localagent/internal/contenthash"
	"localagent/internal/domain"
	"localagent/internal/sandbox"
	"localagent/internal/subagent"
)

// Payload kinds stored in the cache.
const (
	kindSummary = "summary"
	kindScan    = "scan"
	kindCommand = "command_output"
)

// summaryKey addresses the summary of content whose own hash is taken by
// an artifact of another kind.
func summaryKey(content string) string {
	return contenthash.String("summary:" + content)
}

const (
	FormatRaw     = "raw"
	FormatSummary = "summary"
)

// commandPreviewChars bounds the stdout excerpt carried in a command summary.
const commandPreviewChars = 1200

// FetchDetail returns the cached artifact behind hash. The raw format prefers
// the full content and falls back to the summary.
func (b *Broker) FetchDetail(ctx context.Context, taskID, hash, format string) (domain.FetchDetailResponse, error) {
	if !taskIDPattern.MatchString(taskID) {
		return domain.FetchDetailResponse{}, invalid("task_id", "task_id must match %s", taskIDPattern.String())
	}
	if !contenthash.Valid(hash) {
		return domain.FetchDetailResponse{}, invalid("hash", "malformed content hash %q", hash)
	}
	if format == "" {
		format = FormatRaw
	}
	if format != FormatRaw && format != FormatSummary {
		return domain.FetchDetailResponse{}, invalid("format", "format must be raw or summary")
	}
	payload, ok, err := b.cache.Get(ctx, hash)
	if err != nil {
		return domain.FetchDetailResponse{}, err
	}
	if !ok {
		return domain.FetchDetailResponse{}, fmt.Errorf("%w: content for hash %s", ErrNotFound, hash)
	}
	content := payloadString(payload, "summary")
	if format == FormatRaw {
		if raw, ok := payload["content"].(string); ok {
			content = raw
		}
	}
	return domain.FetchDetailResponse{
		TaskID:      taskID,
		Status:      domain.StatusCompleted,
		Content:     content,
		ContentType: "text/plain",
		SizeBytes:   int64(len(content)),
		Hash:        hash,
	}, nil
}

func payloadString(p cache.Payload, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadFloat(p cache.Payload, key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func commandOutput(res sandbox.Result) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return "[stderr]\n" + res.Stderr
	}
	return res.Stdout + "\n[stderr]\n" + res.Stderr
}

func commandSummary(command string, res sandbox.Result) string {
	var b strings.Builder
	switch res.Outcome {
	case sandbox.OutcomeTimedOut:
		fmt.Fprintf(&b, "Command timed out: %s\n", command)
	case sandbox.OutcomeError:
		fmt.Fprintf(&b, "Command failed to run: %s\n", command)
	default:
		fmt.Fprintf(&b, "Command exited with code %d: %s\n", res.ExitCode, command)
	}
	if res.WasSandboxed {
		b.WriteString("(sandboxed)\n")
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		b.WriteString(subagent.TruncateToChars(out, commandPreviewChars))
		b.WriteString("\n")
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		b.WriteString("stderr: ")
		b.WriteString(subagent.TruncateToChars(errOut, commandPreviewChars/4))
	}
	return strings.TrimRight(b.String(), "\n")
}
