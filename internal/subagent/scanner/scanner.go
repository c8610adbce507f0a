// Package scanner walks a directory tree, matches files against glob
// patterns and produces a compact summary plus hashed file references.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"localagent/internal/contenthash"
	"localagent/internal/domain"
	"localagent/internal/subagent"
)

const binaryProbeSize = 8192

// DefaultExcludes are directory names never descended into.
var DefaultExcludes = []string{".venv", "node_modules", "__pycache__", ".git", ".tox", "dist", "build"}

type File struct {
	Path      string
	Hash      string
	SizeBytes int64
	Lines     int
}

type Result struct {
	Summary           string
	SummaryTokens     int
	Files             []File
	Confidence        float64
	TotalBytes        int64
	SkippedBinary     int
	SkippedPermission int
}

// Refs converts matched files into file result references.
func (r Result) Refs() []domain.ResultRef {
	refs := make([]domain.ResultRef, 0, len(r.Files))
	for _, f := range r.Files {
		refs = append(refs, domain.ResultRef{Type: domain.RefFile, Path: f.Path, Hash: f.Hash, SizeBytes: f.SizeBytes})
	}
	return refs
}

type Scanner struct {
	Excludes []string
	Log      *slog.Logger
}

func New(log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{Excludes: DefaultExcludes, Log: log}
}

// Scan matches patterns relative to root. An empty pattern list means "*".
// A missing root is not an error: the summary says so.
func (s *Scanner) Scan(ctx context.Context, patterns []string, root string, maxTokens int) (Result, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return Result{}, fmt.Errorf("bad pattern %q: %w", p, doublestar.ErrBadPattern)
		}
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		s.Log.Warn("scan root does not exist", "root", root)
		summary := "Directory not found: " + root
		return Result{Summary: summary, SummaryTokens: subagent.EstimateTokens(summary), Confidence: 1.0}, nil
	}

	excluded := make(map[string]bool, len(s.Excludes))
	for _, e := range s.Excludes {
		excluded[e] = true
	}

	var res Result
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				res.SkippedPermission++
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != root && excluded[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(patterns, rel) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				res.SkippedPermission++
				s.Log.Warn("permission denied", "path", p)
				return nil
			}
			s.Log.Error("read file", "path", p, "err", err)
			return nil
		}
		if isBinary(data) {
			res.SkippedBinary++
			return nil
		}
		res.Files = append(res.Files, File{
			Path:      rel,
			Hash:      contenthash.Bytes(data),
			SizeBytes: int64(len(data)),
			Lines:     bytes.Count(data, []byte{'\n'}),
		})
		res.TotalBytes += int64(len(data))
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	summary := s.summarize(res, patterns, root)
	if maxTokens > 0 {
		summary = subagent.TruncateToTokens(summary, maxTokens)
	}
	res.Summary = summary
	res.SummaryTokens = subagent.EstimateTokens(summary)
	res.Confidence = 1.0
	if len(res.Files) == 0 {
		res.Confidence = 0.8
	}
	return res, nil
}

func (s *Scanner) summarize(res Result, patterns []string, root string) string {
	if len(res.Files) == 0 {
		summary := fmt.Sprintf("No files matched patterns [%s] in %s", strings.Join(patterns, ", "), root)
		if res.SkippedBinary > 0 {
			summary += fmt.Sprintf(". Skipped %d binary files.", res.SkippedBinary)
		}
		if res.SkippedPermission > 0 {
			summary += fmt.Sprintf(". %d files had permission errors.", res.SkippedPermission)
		}
		return summary
	}

	type extStat struct {
		ext   string
		files int
		lines int
	}
	byExt := map[string]*extStat{}
	for _, f := range res.Files {
		ext := path.Ext(f.Path)
		if ext == "" {
			ext = "no-ext"
		}
		st, ok := byExt[ext]
		if !ok {
			st = &extStat{ext: ext}
			byExt[ext] = st
		}
		st.files++
		st.lines += f.Lines
	}
	stats := make([]*extStat, 0, len(byExt))
	for _, st := range byExt {
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].files != stats[j].files {
			return stats[i].files > stats[j].files
		}
		return stats[i].ext < stats[j].ext
	})
	if len(stats) > 5 {
		stats = stats[:5]
	}

	parts := []string{fmt.Sprintf("Scanned %d files in %s", len(res.Files), root)}
	breakdown := make([]string, 0, len(stats))
	for _, st := range stats {
		breakdown = append(breakdown, fmt.Sprintf("%s: %d files, %d LOC", st.ext, st.files, st.lines))
	}
	parts = append(parts, "Breakdown: "+strings.Join(breakdown, "; "))

	largest := append([]File(nil), res.Files...)
	sort.SliceStable(largest, func(i, j int) bool { return largest[i].SizeBytes > largest[j].SizeBytes })
	if len(largest) > 3 {
		largest = largest[:3]
	}
	names := make([]string, len(largest))
	for i, f := range largest {
		names[i] = f.Path
	}
	parts = append(parts, "Largest files: "+strings.Join(names, ", "))
	if res.SkippedBinary > 0 {
		parts = append(parts, fmt.Sprintf("Skipped %d binary files", res.SkippedBinary))
	}
	return strings.Join(parts, ". ") + "."
}

func isBinary(data []byte) bool {
	if len(data) > binaryProbeSize {
		data = data[:binaryProbeSize]
	}
	return bytes.IndexByte(data, 0) >= 0
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if Match(p, rel) {
			return true
		}
	}
	return false
}

// Match reports whether the slash-separated relative path matches pattern.
// A "**" segment matches zero or more directories.
func Match(pattern, rel string) bool {
	ok, err := doublestar.Match(strings.Trim(pattern, "/"), rel)
	return err == nil && ok
}
