package localagentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal LocalAgent broker HTTP client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Delegations that run commands can
// take up to the executor cap, so the default timeout leaves room for that.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 330 * time.Second,
	}
}

// InputRef points a subagent at its input.
type InputRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Glob, Hash, Content and Command build input references.
func Glob(pattern string) InputRef { return InputRef{Type: "glob", Value: pattern} }
func Hash(hash string) InputRef { return InputRef{Type: "hash", Value: hash} }
func Content(text string) InputRef { return InputRef{Type: "content", Value: text} }
func Command(command string) InputRef { return InputRef{Type: "command", Value: command} }

// DelegationRequest is the body of POST /delegate.
type DelegationRequest struct {
	TaskID           string     `json:"task_id"`
	ToolName         string     `json:"tool_name"`
	InputRefs        []InputRef `json:"input_refs,omitempty"`
	RootDir          string     `json:"root_dir,omitempty"`
	MaxSummaryTokens int        `json:"max_summary_tokens,omitempty"`
	PolicyID         string     `json:"policy_id,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	TimeoutSeconds   float64    `json:"timeout_seconds,omitempty"`
	UseSandbox       *bool      `json:"use_sandbox,omitempty"`
}

// ResultRef points at an artifact produced by a delegation.
type ResultRef struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Delegation is the broker's answer to a delegation.
type Delegation struct {
	SessionID      string      `json:"session_id"`
	TaskID         string      `json:"task_id"`
	Status         string      `json:"status"`
	QueuePosition  int         `json:"queue_position,omitempty"`
	Summary        string      `json:"summary"`
	ResultRefs     []ResultRef `json:"result_refs"`
	Confidence     float64     `json:"confidence"`
	AuditLogHashes []string    `json:"audit_log_hashes"`
}

// Detail is a cached artifact returned by POST /fetch_detail.
type Detail struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Hash        string `json:"hash"`
}

// CacheStats reports artifact cache counters.
type CacheStats struct {
	HitCount   int64 `json:"hit_count"`
	MissCount  int64 `json:"miss_count"`
	EntryCount int64 `json:"entry_count"`
	TotalBytes int64 `json:"total_bytes"`
	MaxEntries int   `json:"max_entries"`
}

// Health reports broker and downstream state.
type Health struct {
	Broker           string      `json:"broker"`
	Downstream       string      `json:"downstream"`
	DownstreamModel  string      `json:"downstream_model,omitempty"`
	QueueDepth       int         `json:"queue_depth"`
	LastCheckTime    string      `json:"last_check_time"`
	SandboxAvailable bool        `json:"sandbox_available"`
	Cache            *CacheStats `json:"cache,omitempty"`
}

// CacheEntry describes one cached artifact.
type CacheEntry struct {
	Hash         string         `json:"content_hash"`
	SizeBytes    int64          `json:"size_bytes"`
	CreatedAt    string         `json:"created_at"`
	LastAccessed string         `json:"last_accessed"`
	Kind         string         `json:"kind,omitempty"`
	Payload      map[string]any `json:"result_payload,omitempty"`
}

// HistoryEntry is one delegation recorded in a session.
type HistoryEntry struct {
	TaskID         string `json:"task_id"`
	ToolName       string `json:"tool_name"`
	SummaryPreview string `json:"summary_preview"`
	Timestamp      string `json:"timestamp"`
}

// Session is a conversation's delegation history.
type Session struct {
	SessionID    string         `json:"session_id"`
	CreatedAt    string         `json:"created_at"`
	LastActivity string         `json:"last_activity"`
	History      []HistoryEntry `json:"history"`
}

// QueuedTask is a delegation waiting for the downstream to come back.
type QueuedTask struct {
	TaskID              string  `json:"task_id"`
	SessionID           string  `json:"session_id,omitempty"`
	ToolName            string  `json:"tool_name"`
	QueuedAt            string  `json:"queued_at"`
	RetryCount          int     `json:"retry_count"`
	MaxRetries          int     `json:"max_retries"`
	RetryTimeoutSeconds float64 `json:"retry_timeout_seconds"`
}

// Queue lists the retry queue.
type Queue struct {
	Capacity int          `json:"capacity"`
	Dropped  int          `json:"dropped"`
	Items    []QueuedTask `json:"items"`
}

// QueueReport summarizes one retry pass.
type QueueReport struct {
	Expired   int  `json:"expired"`
	Skipped   bool `json:"skipped"`
	Retried   int  `json:"retried"`
	Completed int  `json:"completed"`
	Requeued  int  `json:"requeued"`
	Dropped   int  `json:"dropped"`
}

// CommandCheck is the policy verdict for a command.
type CommandCheck struct {
	PolicyID string `json:"policy_id"`
	Command  string `json:"command"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Rule     string `json:"rule,omitempty"`
}

// AuditEvent is one entry of the audit log.
type AuditEvent struct {
	ID          int64  `json:"id"`
	AuditHash   string `json:"audit_hash"`
	TS          string `json:"ts"`
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id,omitempty"`
	Operation   string `json:"operation"`
	ResultHash  string `json:"result_hash,omitempty"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Delegate submits a task to the broker.
func (c *Client) Delegate(ctx context.Context, req DelegationRequest) (Delegation, error) {
	var resp Delegation
	err := c.do(ctx, http.MethodPost, "delegate", req, &resp)
	return resp, err
}

// FetchDetail retrieves a cached artifact. format is "raw" or "summary";
// empty means raw.
func (c *Client) FetchDetail(ctx context.Context, taskID, hash, format string) (Detail, error) {
	body := map[string]any{"task_id": taskID, "hash": hash}
	if format != "" {
		body["format"] = format
	}
	var resp Detail
	err := c.do(ctx, http.MethodPost, "fetch_detail", body, &resp)
	return resp, err
}

// Health probes the broker and its downstream model.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// CacheStats returns artifact cache counters.
func (c *Client) CacheStats(ctx context.Context) (CacheStats, error) {
	var resp CacheStats
	err := c.do(ctx, http.MethodGet, "cache/stats", nil, &resp)
	return resp, err
}

// CacheEntries lists cached artifacts, most recently used first.
func (c *Client) CacheEntries(ctx context.Context, limit int) ([]CacheEntry, error) {
	endpoint := "cache/entries"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []CacheEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CacheEntry fetches one cached artifact including its payload.
func (c *Client) CacheEntry(ctx context.Context, hash string) (CacheEntry, error) {
	var resp CacheEntry
	err := c.do(ctx, http.MethodGet, "cache/entries/"+url.PathEscape(hash), nil, &resp)
	return resp, err
}

// InvalidateCache removes a single cached artifact.
func (c *Client) InvalidateCache(ctx context.Context, hash string) error {
	return c.do(ctx, http.MethodDelete, "cache/entries/"+url.PathEscape(hash), nil, nil)
}

// ClearCache removes every cached artifact.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "cache", nil, nil)
}

// Session returns the delegation history of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// Queue lists tasks waiting for the downstream model.
func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var resp Queue
	err := c.do(ctx, http.MethodGet, "queue", nil, &resp)
	return resp, err
}

// ProcessQueue runs one retry pass immediately.
func (c *Client) ProcessQueue(ctx context.Context) (QueueReport, error) {
	var resp QueueReport
	err := c.do(ctx, http.MethodPost, "queue/process", nil, &resp)
	return resp, err
}

// CheckCommand asks whether a policy would let a command run.
func (c *Client) CheckCommand(ctx context.Context, policyID, command string) (CommandCheck, error) {
	var resp CommandCheck
	endpoint := fmt.Sprintf("policies/%s/check", url.PathEscape(policyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"command": command}, &resp)
	return resp, err
}

// Audit returns recent audit events, optionally for a single task.
func (c *Client) Audit(ctx context.Context, taskID string, limit int) ([]AuditEvent, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "audit"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []AuditEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
