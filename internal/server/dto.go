package server

import (
	"time"

	"localagent/internal/cache"
	"localagent/internal/domain"
	"localagent/internal/policy"
	"localagent/internal/session"
)

// Request payloads

type FetchDetailRequest struct {
	TaskID string `json:"task_id" pattern:"^[a-zA-Z0-9_-]+$"`
	Hash   string `json:"hash" pattern:"^sha256:[a-f0-9]{64}$"`
	Format string `json:"format,omitempty" enum:"raw,summary" default:"raw"`
}

type PolicyCheckRequest struct {
	Command string `json:"command"`
}

// Response payloads

type CacheEntryResponse struct {
	Hash         string         `json:"content_hash"`
	SizeBytes    int64          `json:"size_bytes"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	LastAccessed string         `json:"last_accessed" format:"date-time"`
	Kind         string         `json:"kind,omitempty"`
	Payload      map[string]any `json:"result_payload,omitempty"`
}

type HistoryEntryResponse struct {
	TaskID         string `json:"task_id"`
	ToolName       string `json:"tool_name"`
	SummaryPreview string `json:"summary_preview"`
	Timestamp      string `json:"timestamp" format:"date-time"`
}

type SessionResponse struct {
	SessionID    string                 `json:"session_id"`
	CreatedAt    string                 `json:"created_at" format:"date-time"`
	LastActivity string                 `json:"last_activity" format:"date-time"`
	History      []HistoryEntryResponse `json:"history"`
}

type QueueResponse struct {
	Capacity int                 `json:"capacity"`
	Dropped  int                 `json:"dropped"`
	Items    []domain.QueuedTask `json:"items"`
}

type PoliciesResponse struct {
	SharedBlock []string        `json:"shared_block"`
	Items       []policy.Policy `json:"items"`
}

type PolicyCheckResponse struct {
	PolicyID string `json:"policy_id"`
	Command  string `json:"command"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Rule     string `json:"rule,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func cacheEntryResponse(e cache.Entry, withPayload bool) CacheEntryResponse {
	resp := CacheEntryResponse{
		Hash:         e.Hash,
		SizeBytes:    e.SizeBytes,
		CreatedAt:    formatTime(e.CreatedAt),
		LastAccessed: formatTime(e.LastAccessed),
	}
	if kind, ok := e.Payload["kind"].(string); ok {
		resp.Kind = kind
	}
	if withPayload {
		resp.Payload = e.Payload
	}
	return resp
}

func mapEntries(items []cache.Entry, withPayload bool) []CacheEntryResponse {
	out := make([]CacheEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, cacheEntryResponse(e, withPayload))
	}
	return out
}

func sessionResponse(s *session.Session) SessionResponse {
	resp := SessionResponse{
		SessionID:    s.ID,
		CreatedAt:    formatTime(s.CreatedAt),
		LastActivity: formatTime(s.LastActivity),
		History:      make([]HistoryEntryResponse, 0, len(s.History)),
	}
	for _, h := range s.History {
		resp.History = append(resp.History, HistoryEntryResponse{
			TaskID:         h.TaskID,
			ToolName:       h.ToolName,
			SummaryPreview: h.SummaryPreview,
			Timestamp:      formatTime(h.Timestamp),
		})
	}
	return resp
}
