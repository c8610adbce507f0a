// Package summarizer compresses content to a token budget through the
// downstream generator. Short content is returned verbatim without a
// downstream call; very large content is summarized chunk by chunk and the
// chunk summaries merged.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"localagent/internal/domain"
	"localagent/internal/llm"
	"localagent/internal/subagent"
)

const (
	LargeContentThreshold = 50 * 1024
	MaxChunkTokens        = 4000
	chunkSummaryTokens    = 300
	defaultConfidence     = 0.8
)

var chunkBoundaries = []*regexp.Regexp{
	regexp.MustCompile(`\n\nclass `),
	regexp.MustCompile(`\n\ndef `),
	regexp.MustCompile(`\n## `),
	regexp.MustCompile(`\n\n---\n`),
	regexp.MustCompile(`\n\n`),
	regexp.MustCompile(`\n`),
}

var (
	summaryRe    = regexp.MustCompile(`(?s)SUMMARY:\s*(.+?)(?:CONFIDENCE:|$)`)
	confidenceRe = regexp.MustCompile(`CONFIDENCE:\s*([\d.]+)`)
)

type Result struct {
	Summary       string  `json:"summary"`
	TokenCount    int     `json:"token_count"`
	WasCompressed bool    `json:"was_compressed"`
	ModelUsed     string  `json:"model_used"`
	Confidence    float64 `json:"confidence"`
	Chunks        int     `json:"chunks,omitempty"`
}

type Summarizer struct {
	gen llm.Generator
	log *slog.Logger
}

func New(gen llm.Generator, log *slog.Logger) *Summarizer {
	if log == nil {
		log = slog.Default()
	}
	return &Summarizer{gen: gen, log: log}
}

func (s *Summarizer) model() string {
	if s.gen == nil {
		return ""
	}
	return s.gen.Model()
}

// NeedsDownstream reports whether content would be sent to the generator.
func NeedsDownstream(content string, maxTokens int) bool {
	return subagent.EstimateTokens(content) > maxTokens || utf8.RuneCountInString(content) > domain.MaxSummaryChars
}

// Summarize returns a summary of at most maxTokens tokens and
// domain.MaxSummaryChars characters. Generator failures, including
// llm.ErrUnavailable, are returned unchanged.
func (s *Summarizer) Summarize(ctx context.Context, content string, maxTokens int, hint string) (Result, error) {
	if maxTokens <= 0 {
		maxTokens = domain.DefaultMaxSummaryTokens
	}
	if !NeedsDownstream(content, maxTokens) {
		return Result{
			Summary:    content,
			TokenCount: subagent.EstimateTokens(content),
			ModelUsed:  s.model(),
			Confidence: 1.0,
		}, nil
	}
	if s.gen == nil {
		return Result{}, fmt.Errorf("%w: no generator configured", llm.ErrUnavailable)
	}
	if len(content) > LargeContentThreshold {
		return s.summarizeLarge(ctx, content, maxTokens, hint)
	}

	text, err := s.gen.Generate(ctx, buildPrompt(content, maxTokens, hint))
	if err != nil {
		return Result{}, err
	}
	summary, confidence := parseResponse(text)
	return s.finish(summary, maxTokens, confidence, 1), nil
}

func (s *Summarizer) summarizeLarge(ctx context.Context, content string, maxTokens int, hint string) (Result, error) {
	chunks := Chunk(content, MaxChunkTokens)
	s.log.Info("summarizing large content in chunks", "chunks", len(chunks), "bytes", len(content))

	summaries := make([]string, 0, len(chunks))
	var total float64
	for i, chunk := range chunks {
		chunkHint := strings.TrimSpace(fmt.Sprintf("Chunk %d of %d. %s", i+1, len(chunks), hint))
		text, err := s.gen.Generate(ctx, buildPrompt(chunk, chunkSummaryTokens, chunkHint))
		if err != nil {
			return Result{}, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		summary, confidence := parseResponse(text)
		summaries = append(summaries, summary)
		total += confidence
	}

	text, err := s.gen.Generate(ctx, buildMergePrompt(summaries, maxTokens))
	if err != nil {
		return Result{}, fmt.Errorf("merge: %w", err)
	}
	summary, mergeConfidence := parseResponse(text)
	confidence := (total/float64(len(chunks)) + mergeConfidence) / 2
	return s.finish(summary, maxTokens, confidence, len(chunks)), nil
}

func (s *Summarizer) finish(summary string, maxTokens int, confidence float64, chunks int) Result {
	summary = subagent.TruncateToTokens(summary, maxTokens)
	summary = subagent.TruncateToChars(summary, domain.MaxSummaryChars)
	res := Result{
		Summary:       summary,
		TokenCount:    subagent.EstimateTokens(summary),
		WasCompressed: true,
		ModelUsed:     s.model(),
		Confidence:    confidence,
	}
	if chunks > 1 {
		res.Chunks = chunks
	}
	return res
}

func buildPrompt(content string, maxTokens int, hint string) string {
	maxChars := min(maxTokens*4, domain.MaxSummaryChars-100)
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following content. STRICT LIMITS: under %d tokens AND under %d characters. Be extremely concise.\n\n", maxTokens, maxChars)
	b.WriteString("Format your response EXACTLY as:\nSUMMARY: <your concise summary here>\nCONFIDENCE: <0.0-1.0>\n\n")
	b.WriteString("Confidence guide: 0.9-1.0=captured all key points, 0.7-0.9=good coverage, 0.5-0.7=partial, <0.5=uncertain.\n\n")
	if hint != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", hint)
	}
	b.WriteString("Content to summarize:\n")
	b.WriteString(content)
	return b.String()
}

func buildMergePrompt(summaries []string, maxTokens int) string {
	return fmt.Sprintf("Synthesize these section summaries into a coherent overview of under %d tokens.\n\n"+
		"Format your response as:\nSUMMARY: <your summary>\nCONFIDENCE: <0.0-1.0>\n\n"+
		"Section summaries:\n%s", maxTokens, strings.Join(summaries, "\n---\n"))
}

// parseResponse extracts the SUMMARY and CONFIDENCE fields. Unstructured
// output is used whole with a default confidence.
func parseResponse(text string) (string, float64) {
	summary := text
	confidence := defaultConfidence
	if m := summaryRe.FindStringSubmatch(text); m != nil {
		summary = strings.TrimSpace(m[1])
	}
	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			confidence = max(0, min(1, v))
		}
	}
	return summary, confidence
}

// Chunk splits content into pieces of roughly maxTokens tokens, preferring
// structural boundaries (class and function definitions, headings, section
// rules, paragraphs, lines) near the end of each window.
func Chunk(content string, maxTokens int) []string {
	maxBytes := maxTokens * 4
	var chunks []string
	remaining := content
	for remaining != "" {
		if subagent.EstimateTokens(remaining) <= maxTokens {
			chunks = append(chunks, remaining)
			break
		}
		region := remaining
		if len(region) > maxBytes {
			region = region[:maxBytes]
		}
		split := -1
		for _, re := range chunkBoundaries {
			locs := re.FindAllStringIndex(region, -1)
			if len(locs) > 0 {
				split = locs[len(locs)-1][0]
				break
			}
		}
		if split <= 0 {
			split = min(maxBytes, len(remaining))
			for split > 0 && split < len(remaining) && !utf8.RuneStart(remaining[split]) {
				split--
			}
			if split == 0 {
				split = len(remaining)
			}
		}
		chunks = append(chunks, remaining[:split])
		remaining = strings.TrimLeftFunc(remaining[split:], unicode.IsSpace)
	}
	return chunks
}
