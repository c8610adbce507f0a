package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localagent/internal/broker"
	"localagent/internal/cache"
	"localagent/internal/config"
	"localagent/internal/contenthash"
	"localagent/internal/db"
	"localagent/internal/domain"
	"localagent/internal/events"
	"localagent/internal/migrate"
	"localagent/internal/sandbox"
)

type testServer struct {
	URL    string
	Broker *broker.Broker
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b, err := broker.New(broker.Options{
		Cache:     cache.New(conn, cache.Options{MaxEntries: 50}),
		Events:    events.Writer{DB: conn},
		Executor:  sandbox.New(sandbox.Options{Prober: &sandbox.PathProber{Name: "no-such-bwrap-binary"}}),
		Workspace: workspace,
	})
	if err != nil {
		t.Fatalf("build broker: %v", err)
	}
	handler, err := New(Config{Broker: b})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Broker: b,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestDelegateSummarizeAndFetchDetail(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/delegate", map[string]any{
		"task_id":    "task-1",
		"tool_name":  "summarizer",
		"input_refs": []map[string]string{{"type": "content", "value": "Short enough to keep verbatim."}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resp domain.DelegationResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, domain.StatusCompleted, resp.Status)
	require.Equal(t, "Short enough to keep verbatim.", resp.Summary)
	require.Equal(t, 1.0, resp.Confidence)
	require.Len(t, resp.AuditLogHashes, 1)
	require.Len(t, resp.ResultRefs, 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/fetch_detail", map[string]any{
		"task_id": "task-1",
		"hash":    resp.ResultRefs[0].Hash,
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var detail domain.FetchDetailResponse
	require.NoError(t, json.Unmarshal(data, &detail))
	require.Equal(t, "Short enough to keep verbatim.", detail.Content)
	require.Equal(t, "text/plain", detail.ContentType)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/sessions/"+resp.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sess SessionResponse
	require.NoError(t, json.Unmarshal(data, &sess))
	require.Len(t, sess.History, 1)
	require.Equal(t, "task-1", sess.History[0].TaskID)
}

func TestDelegateValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/delegate", map[string]any{
		"task_id":   "bad id!",
		"tool_name": "summarizer",
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.Equal(t, "bad_request", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/delegate", map[string]any{
		"task_id":   "task-2",
		"tool_name": "smart_searcher",
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	body := decodeError(t, data)
	require.Equal(t, "bad_request", body.Code)
	require.Equal(t, "tool_name", body.Details["field"])
}

func TestDeniedCommandIsNormalResponse(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/delegate", map[string]any{
		"task_id":    "cmd-1",
		"tool_name":  "bash_runner",
		"policy_id":  "readonly",
		"input_refs": []map[string]string{{"type": "command", "value": "sudo ls"}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resp domain.DelegationResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, domain.StatusFailed, resp.Status)
	require.True(t, strings.Contains(resp.Summary, "blocked:"), resp.Summary)
}

func TestQueuedWhenDownstreamMissing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	long := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/delegate", map[string]any{
		"task_id":    "long-1",
		"tool_name":  "summarizer",
		"input_refs": []map[string]string{{"type": "content", "value": long}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resp domain.DelegationResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, domain.StatusQueued, resp.Status)
	require.Equal(t, 1, resp.QueuePosition)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/queue", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var q QueueResponse
	require.NoError(t, json.Unmarshal(data, &q))
	require.Len(t, q.Items, 1)
	require.Equal(t, "long-1", q.Items[0].TaskID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/queue/process", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rep broker.QueueReport
	require.NoError(t, json.Unmarshal(data, &rep))
	require.True(t, rep.Skipped)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var h domain.Health
	require.NoError(t, json.Unmarshal(data, &h))
	require.Equal(t, "healthy", h.Broker)
	require.Equal(t, domain.Recovering, h.Downstream)
	require.Equal(t, 1, h.QueueDepth)
}

func TestFetchDetailNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/fetch_detail", map[string]any{
		"task_id": "task-1",
		"hash":    contenthash.String("missing"),
	}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	require.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestFetchDetailRejectsMalformedTaskID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/fetch_detail", map[string]any{
		"task_id": "bad id; rm",
		"hash":    contenthash.String("missing"),
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.Equal(t, "bad_request", decodeError(t, data).Code)
}

func TestCacheEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	hash := contenthash.String("payload")
	require.NoError(t, srv.Broker.Cache().Store(ctx, hash, cache.Payload{"kind": "summary", "summary": "s"}))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/cache/entries/"+hash, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var entry CacheEntryResponse
	require.NoError(t, json.Unmarshal(data, &entry))
	require.Equal(t, "summary", entry.Kind)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/cache/entries", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var entries []CacheEntryResponse
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats domain.CacheStats
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Equal(t, int64(1), stats.EntryCount)
	require.Equal(t, 50, stats.MaxEntries)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/cache/entries/"+hash, nil, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/cache/entries/"+hash, nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/cache", nil, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestPolicyEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/policies", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list PoliciesResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 3)
	require.NotEmpty(t, list.SharedBlock)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/policies/build/check", map[string]any{"command": "npm install lodash"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var check PolicyCheckResponse
	require.NoError(t, json.Unmarshal(data, &check))
	require.False(t, check.Allowed)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/policies/build/check", map[string]any{"command": "go test ./..."}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &check))
	require.True(t, check.Allowed)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/policies/root/check", map[string]any{"command": "ls"}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestAuditAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/delegate", map[string]any{
		"task_id":    "audit-1",
		"tool_name":  "summarizer",
		"input_refs": []map[string]string{{"type": "content", "value": "x"}},
	}, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/audit?task_id=audit-1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var items []domain.AuditEvent
	require.NoError(t, json.Unmarshal(data, &items))
	require.Len(t, items, 1)
	require.Equal(t, "summarizer", items[0].Operation)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "/delegate")
}

func TestOpenAPIConcurrentRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	const n = 8
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			errs[i] = err
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Contains(t, bodies[i], "/delegate")
		require.Equal(t, bodies[0], bodies[i])
	}
}

func TestWebhookForwardsAuditEvents(t *testing.T) {
	conn, err := db.Open(db.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, migrate.Migrate(ctx, conn))
	w := events.Writer{DB: conn}

	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			mu.Lock()
			received = append(received, evt)
			mu.Unlock()
		}
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer hookSrv.Close()

	_, err = w.Append(ctx, events.Event{TaskID: "before", Operation: "queue.dropped"})
	require.NoError(t, err)

	d := &webhookDispatcher{
		events:   w,
		webhooks: []config.WebhookConfig{{URL: hookSrv.URL, Operations: []string{"queue.dropped"}}},
		client:   hookSrv.Client(),
		interval: 10 * time.Millisecond,
		log:      slog.Default(),
		cursors:  map[int]int64{},
	}
	d.dispatchAll(ctx) // pins the cursor at the current end

	_, err = w.Append(ctx, events.Event{TaskID: "t1", Operation: "summarizer"})
	require.NoError(t, err)
	_, err = w.Append(ctx, events.Event{TaskID: "t2", Operation: "queue.dropped"})
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, "t2", received[0].TaskID)
	require.Equal(t, "queue.dropped", received[0].Operation)
}
