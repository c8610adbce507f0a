package broker_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localagent/internal/broker"
	"localagent/internal/cache"
	"localagent/internal/contenthash"
	"localagent/internal/db"
	"localagent/internal/domain"
	"localagent/internal/events"
	"localagent/internal/llm"
	"localagent/internal/migrate"
	"localagent/internal/sandbox"
)

type fakeGen struct {
	mu      sync.Mutex
	calls   int
	healthy bool
	err     error
	reply   string
}

func (f *fakeGen) Generate(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGen) Healthy(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeGen) Provider() string { return "fake" }
func (f *fakeGen) Model() string    { return "fake-model" }

func (f *fakeGen) set(healthy bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
	f.err = err
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errDown = fmt.Errorf("%w: connection refused", llm.ErrUnavailable)

type testEnv struct {
	Broker *broker.Broker
	Gen    *fakeGen
	Root   string
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	gen := &fakeGen{healthy: true, reply: "SUMMARY: A fox keeps jumping.\nCONFIDENCE: 0.9"}
	b, err := broker.New(broker.Options{
		Cache:      cache.New(conn, cache.Options{MaxEntries: 100}),
		Events:     events.Writer{DB: conn},
		Executor:   sandbox.New(sandbox.Options{Prober: &sandbox.PathProber{Name: "no-such-bwrap-binary"}}),
		Downstream: gen,
		Workspace:  dir,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	return testEnv{Broker: b, Gen: gen, Root: dir, Ctx: ctx}
}

func summarizeReq(taskID, content string) domain.DelegationRequest {
	return domain.DelegationRequest{
		TaskID:    taskID,
		ToolName:  "summarizer",
		InputRefs: []domain.InputRef{{Type: domain.InputContent, Value: content}},
	}
}

func commandReq(taskID, command, policyID string) domain.DelegationRequest {
	off := false
	return domain.DelegationRequest{
		TaskID:     taskID,
		ToolName:   "bash_runner",
		InputRefs:  []domain.InputRef{{Type: domain.InputCommand, Value: command}},
		PolicyID:   policyID,
		UseSandbox: &off,
	}
}

var longContent = strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60)

func TestSummarizeShortContentIsVerbatim(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", "Two short sentences. Nothing more."))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, resp.Status)
	require.Equal(t, "Two short sentences. Nothing more.", resp.Summary)
	require.Equal(t, 1.0, resp.Confidence)
	require.Equal(t, 0, env.Gen.callCount())
	require.True(t, strings.HasPrefix(resp.SessionID, "sess-"))
	require.Len(t, resp.AuditLogHashes, 1)
	require.True(t, contenthash.Valid(resp.AuditLogHashes[0]))

	require.Len(t, resp.ResultRefs, 1)
	payload, ok, err := env.Broker.Cache().Get(env.Ctx, resp.ResultRefs[0].Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, false, payload["was_compressed"])
}

func TestSummarizeCacheHitCallsDownstreamOnce(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", longContent))
	require.NoError(t, err)
	require.Equal(t, "A fox keeps jumping.", first.Summary)

	second, err := env.Broker.Delegate(env.Ctx, summarizeReq("t2", longContent))
	require.NoError(t, err)
	require.Equal(t, first.Summary, second.Summary)
	require.Equal(t, first.ResultRefs, second.ResultRefs)
	require.InDelta(t, 0.9, second.Confidence, 1e-9)
	require.Equal(t, 1, env.Gen.callCount())
}

func TestSummarizeByHashRef(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", longContent))
	require.NoError(t, err)

	resp, err := env.Broker.Delegate(env.Ctx, domain.DelegationRequest{
		TaskID:    "t2",
		ToolName:  "summarizer",
		InputRefs: []domain.InputRef{{Type: domain.InputHash, Value: first.ResultRefs[0].Hash}},
	})
	require.NoError(t, err)
	require.Equal(t, first.Summary, resp.Summary)
	require.Equal(t, 1, env.Gen.callCount())

	missing, err := env.Broker.Delegate(env.Ctx, domain.DelegationRequest{
		TaskID:    "t3",
		ToolName:  "summarizer",
		InputRefs: []domain.InputRef{{Type: domain.InputHash, Value: contenthash.String("never stored")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, missing.Status)
}

func TestSummarizeByHashRefCountsOneLookup(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", longContent))
	require.NoError(t, err)
	before, err := env.Broker.Cache().Stats(env.Ctx)
	require.NoError(t, err)

	_, err = env.Broker.Delegate(env.Ctx, domain.DelegationRequest{
		TaskID:    "t2",
		ToolName:  "summarizer",
		InputRefs: []domain.InputRef{{Type: domain.InputHash, Value: first.ResultRefs[0].Hash}},
	})
	require.NoError(t, err)
	after, err := env.Broker.Cache().Stats(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, before.HitCount+1, after.HitCount)
	require.Equal(t, before.MissCount, after.MissCount)
}

func TestSummarizingCommandOutputKeepsCommandEntry(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Broker.Delegate(env.Ctx, commandReq("cmd-1", "echo hello world", "readonly"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, run.Status)
	cmdHash := run.ResultRefs[0].Hash

	sum, err := env.Broker.Delegate(env.Ctx, domain.DelegationRequest{
		TaskID:    "sum-1",
		ToolName:  "summarizer",
		InputRefs: []domain.InputRef{{Type: domain.InputHash, Value: cmdHash}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, sum.Status)
	require.Equal(t, "hello world\n", sum.Summary)
	require.Len(t, sum.ResultRefs, 1)
	require.NotEqual(t, cmdHash, sum.ResultRefs[0].Hash)

	payload, ok, err := env.Broker.Cache().Get(env.Ctx, cmdHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "command_output", payload["kind"])
	require.EqualValues(t, 0, payload["exit_code"])
	require.Equal(t, "hello world\n", payload["stdout"])

	detail, err := env.Broker.FetchDetail(env.Ctx, "sum-1", sum.ResultRefs[0].Hash, broker.FormatRaw)
	require.NoError(t, err)
	require.Equal(t, "hello world\n", detail.Content)

	again, err := env.Broker.Delegate(env.Ctx, domain.DelegationRequest{
		TaskID:    "sum-2",
		ToolName:  "summarizer",
		InputRefs: []domain.InputRef{{Type: domain.InputHash, Value: cmdHash}},
	})
	require.NoError(t, err)
	require.Equal(t, sum.ResultRefs, again.ResultRefs)
	require.Equal(t, 0, env.Gen.callCount())
}

func TestUnavailableDownstreamQueuesThenRetries(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.set(false, errDown)

	resp, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", longContent))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, resp.Status)
	require.Equal(t, 1, resp.QueuePosition)
	require.Len(t, resp.AuditLogHashes, 1)
	require.Equal(t, 1, env.Broker.Queue().Len())

	queued := env.Broker.QueuedTasks()
	require.Len(t, queued, 1)
	require.Equal(t, "t1", queued[0].TaskID)
	require.Equal(t, resp.SessionID, queued[0].SessionID)

	rep, err := env.Broker.ProcessQueue(env.Ctx)
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.Equal(t, 1, env.Broker.Queue().Len())

	env.Gen.set(true, nil)
	rep, err = env.Broker.ProcessQueue(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Completed)
	require.Equal(t, 0, env.Broker.Queue().Len())

	sess, ok := env.Broker.Sessions().Get(resp.SessionID)
	require.True(t, ok)
	require.Len(t, sess.History, 2)
	require.Equal(t, "A fox keeps jumping.", sess.History[1].SummaryPreview)

	_, ok, err = env.Broker.Cache().Get(env.Ctx, contenthash.String(longContent))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.set(true, errDown)
	_, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", longContent))
	require.NoError(t, err)

	var dropped, requeued int
	for i := 0; i < 3; i++ {
		rep, err := env.Broker.ProcessQueue(env.Ctx)
		require.NoError(t, err)
		dropped += rep.Dropped
		requeued += rep.Requeued
	}
	require.Equal(t, 2, requeued)
	require.Equal(t, 1, dropped)
	require.Equal(t, 0, env.Broker.Queue().Len())

	audit, err := env.Broker.Events().List(env.Ctx, "t1", 10)
	require.NoError(t, err)
	require.Equal(t, "queue.dropped", audit[0].Operation)
}

func TestHealthReportsRecovering(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.set(false, errDown)

	h, err := env.Broker.HealthCheck(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Broker)
	require.Equal(t, domain.Unhealthy, h.Downstream)
	require.False(t, h.SandboxAvailable)
	require.NotNil(t, h.Cache)
	require.Equal(t, 100, h.Cache.MaxEntries)

	_, err = env.Broker.Delegate(env.Ctx, summarizeReq("t1", longContent))
	require.NoError(t, err)

	h, err = env.Broker.HealthCheck(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Recovering, h.Downstream)
	require.Equal(t, 1, h.QueueDepth)

	env.Gen.set(true, nil)
	h, err = env.Broker.HealthCheck(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Healthy, h.Downstream)
	require.Equal(t, "fake-model", h.DownstreamModel)
	_, err = time.Parse(time.RFC3339Nano, h.LastCheckTime)
	require.NoError(t, err)
}

func TestDeniedCommandNeverRuns(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Broker.Delegate(env.Ctx, commandReq("t1", "touch marker", "readonly"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, resp.Status)
	require.Contains(t, resp.Summary, "not in allowlist for policy 'readonly'")
	require.Empty(t, resp.ResultRefs)
	_, err = os.Stat(filepath.Join(env.Root, "marker"))
	require.True(t, os.IsNotExist(err))

	resp, err = env.Broker.Delegate(env.Ctx, commandReq("t2", "rm -rf /", "build"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, resp.Status)
	require.Contains(t, resp.Summary, "blocked:")
}

func TestCommandOutputIsCached(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Broker.Delegate(env.Ctx, commandReq("t1", "echo hello", ""))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, resp.Status)
	require.Contains(t, resp.Summary, "hello")
	require.Equal(t, 1.0, resp.Confidence)
	require.Len(t, resp.ResultRefs, 1)
	require.Equal(t, domain.RefCache, resp.ResultRefs[0].Type)

	detail, err := env.Broker.FetchDetail(env.Ctx, "t1", resp.ResultRefs[0].Hash, broker.FormatRaw)
	require.NoError(t, err)
	require.Equal(t, "hello\n", detail.Content)
	require.Equal(t, "text/plain", detail.ContentType)
	require.Equal(t, int64(6), detail.SizeBytes)

	summary, err := env.Broker.FetchDetail(env.Ctx, "t1", resp.ResultRefs[0].Hash, broker.FormatSummary)
	require.NoError(t, err)
	require.Equal(t, resp.Summary, summary.Content)
}

func TestFailingCommandIsPartial(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Broker.Delegate(env.Ctx, commandReq("t1", "ls /definitely/not/here", ""))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartial, resp.Status)
	require.Contains(t, resp.Summary, "stderr:")
}

func TestFileScan(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("package b\n\nfunc B() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("notes\n"), 0o644))

	resp, err := env.Broker.Delegate(env.Ctx, domain.DelegationRequest{
		TaskID:    "scan-1",
		ToolName:  "file_scanner",
		RootDir:   root,
		InputRefs: []domain.InputRef{{Type: domain.InputGlob, Value: "*.go"}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, resp.Status)
	require.Equal(t, 1.0, resp.Confidence)
	require.Len(t, resp.ResultRefs, 3)
	require.Equal(t, domain.RefFile, resp.ResultRefs[0].Type)
	require.Equal(t, domain.RefCache, resp.ResultRefs[2].Type)

	detail, err := env.Broker.FetchDetail(env.Ctx, "scan-1", resp.ResultRefs[2].Hash, "")
	require.NoError(t, err)
	require.Equal(t, resp.Summary, detail.Content)
}

func TestValidationErrorsAreNotDispatched(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]domain.DelegationRequest{
		"task_id":            summarizeReq("bad id!", "x"),
		"tool_name":          {TaskID: "t1", ToolName: "smart_searcher"},
		"policy_id":          {TaskID: "t1", ToolName: "summarizer", PolicyID: "root", InputRefs: []domain.InputRef{{Type: domain.InputContent, Value: "x"}}},
		"max_summary_tokens": {TaskID: "t1", ToolName: "summarizer", MaxSummaryTokens: 10, InputRefs: []domain.InputRef{{Type: domain.InputContent, Value: "x"}}},
		"input_refs":         {TaskID: "t1", ToolName: "bash_runner"},
	}
	for field, req := range cases {
		_, err := env.Broker.Delegate(env.Ctx, req)
		var verr *broker.ValidationError
		require.True(t, errors.As(err, &verr), field)
		require.Equal(t, field, verr.Field)
	}
	stats, err := env.Broker.Cache().Stats(env.Ctx)
	require.NoError(t, err)
	require.Zero(t, stats.MissCount+stats.HitCount)
	require.Zero(t, env.Broker.Sessions().Len())
}

func TestFetchDetailNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Broker.FetchDetail(env.Ctx, "t1", contenthash.String("nothing"), broker.FormatRaw)
	require.ErrorIs(t, err, broker.ErrNotFound)

	_, err = env.Broker.FetchDetail(env.Ctx, "t1", "sha256:nope", broker.FormatRaw)
	var verr *broker.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "hash", verr.Field)

	_, err = env.Broker.FetchDetail(env.Ctx, "bad id; rm", contenthash.String("nothing"), broker.FormatRaw)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "task_id", verr.Field)
}

func TestSessionHistoryFollowsRequests(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Broker.Delegate(env.Ctx, summarizeReq("t1", "alpha"))
	require.NoError(t, err)
	req := summarizeReq("t2", "beta")
	req.SessionID = first.SessionID
	second, err := env.Broker.Delegate(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)

	sess, ok := env.Broker.Sessions().Get(first.SessionID)
	require.True(t, ok)
	require.Len(t, sess.History, 2)
	require.Equal(t, "t1", sess.History[0].TaskID)
	require.Equal(t, "summarizer", sess.History[1].ToolName)
}

func TestParseTool(t *testing.T) {
	tool, err := broker.ParseTool("file_scanner", nil, "/src")
	require.NoError(t, err)
	require.Equal(t, broker.FileScan{RootDir: "/src"}, tool)

	tool, err = broker.ParseTool("bash_runner", []domain.InputRef{{Type: domain.InputCommand, Value: "ls"}}, "/src")
	require.NoError(t, err)
	require.Equal(t, broker.RunCommand{Command: "ls", WorkDir: "/src"}, tool)

	_, err = broker.ParseTool("summarizer", []domain.InputRef{{Type: domain.InputHash, Value: "abc"}}, "")
	require.Error(t, err)
	_, err = broker.ParseTool("file_scanner", []domain.InputRef{{Type: domain.InputCommand, Value: "ls"}}, "")
	require.Error(t, err)
}
