// Package events persists the broker's audit trail next to the cache.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"localagent/internal/contenthash"
	"localagent/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type Event struct {
	TaskID     string
	SessionID  string
	Operation  string
	ResultHash string
	Payload    EventPayload
}

// seq separates events that share task, operation, result and timestamp.
var seq atomic.Uint64

// AuditHash fingerprints one operation: sha256 over
// "task:operation:result_hash:timestamp:seq".
func AuditHash(taskID, operation, resultHash string, ts time.Time, n uint64) string {
	stamp := fmt.Sprintf("%d.%09d", ts.Unix(), ts.Nanosecond())
	return contenthash.String(fmt.Sprintf("%s:%s:%s:%s:%d", taskID, operation, resultHash, stamp, n))
}

// Append records evt and returns its audit hash.
func (w Writer) Append(ctx context.Context, evt Event) (string, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now()
	hash := AuditHash(evt.TaskID, evt.Operation, evt.ResultHash, now, seq.Add(1))
	if evt.Payload == nil {
		evt.Payload = EventPayload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_events(audit_hash,ts,task_id,session_id,operation,result_hash,payload_json) VALUES (?,?,?,?,?,?,?)`,
		hash, now.UnixMicro(), evt.TaskID, nullable(evt.SessionID), evt.Operation, nullable(evt.ResultHash), string(data))
	if err != nil {
		return "", fmt.Errorf("append audit event: %w", err)
	}
	return hash, nil
}

// List returns the newest events first, optionally filtered by task.
func (w Writer) List(ctx context.Context, taskID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,audit_hash,ts,task_id,COALESCE(session_id,''),operation,COALESCE(result_hash,''),payload_json FROM audit_events`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// After returns up to limit events with an id above cursor, oldest first.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,audit_hash,ts,task_id,COALESCE(session_id,''),operation,COALESCE(result_hash,''),payload_json FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestID returns the highest event id, or 0 for an empty log.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events`).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.AuditEvent, error) {
	var res []domain.AuditEvent
	for rows.Next() {
		var (
			e  domain.AuditEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.AuditHash, &ts, &e.TaskID, &e.SessionID, &e.Operation, &e.ResultHash, &e.PayloadJSON); err != nil {
			return nil, err
		}
		e.TS = time.UnixMicro(ts).UTC().Format(time.RFC3339Nano)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
