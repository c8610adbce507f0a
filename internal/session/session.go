// Package session tracks per-conversation task history in memory.
package session

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	IDPrefix       = "sess-"
	MaxHistory     = 20
	PreviewLength  = 100
	idRandomLength = 12
)

type HistoryEntry struct {
	TaskID         string    `json:"task_id"`
	ToolName       string    `json:"tool_name"`
	SummaryPreview string    `json:"summary_preview"`
	Timestamp      time.Time `json:"timestamp"`
}

type Session struct {
	ID           string         `json:"session_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	History      []HistoryEntry `json:"history"`
}

func (s *Session) clone() *Session {
	c := *s
	c.History = append([]HistoryEntry(nil), s.History...)
	return &c
}

type Store struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, sessions: make(map[string]*Session)}
}

// NewID mints a session id.
func NewID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:idRandomLength]
}

// GetOrCreate returns a copy of the session with id, creating it when the id
// is empty or unknown.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = NewID()
	}
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session{ID: id, CreatedAt: now, LastActivity: now}
		s.sessions[id] = sess
	}
	return sess.clone()
}

// AddTask appends a history entry, creating the session if needed, and keeps
// only the newest MaxHistory entries.
func (s *Store) AddTask(sessionID, taskID, toolName, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}
	sess.History = append(sess.History, HistoryEntry{
		TaskID:         taskID,
		ToolName:       toolName,
		SummaryPreview: preview(summary),
		Timestamp:      now,
	})
	if n := len(sess.History); n > MaxHistory {
		sess.History = append([]HistoryEntry(nil), sess.History[n-MaxHistory:]...)
	}
	sess.LastActivity = now
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle removes sessions whose last activity is older than maxIdle and
// returns how many were removed.
func (s *Store) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	n := 0
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func preview(summary string) string {
	if utf8.RuneCountInString(summary) <= PreviewLength {
		return summary
	}
	r := []rune(summary)
	return string(r[:PreviewLength])
}
