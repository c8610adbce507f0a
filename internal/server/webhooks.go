package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"localagent/internal/config"
	"localagent/internal/domain"
	"localagent/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	events   events.Writer
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	log      *slog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks forwards new audit events to the configured hooks until ctx
// is done. Each hook starts at the current end of the log.
func StartWebhooks(ctx context.Context, w events.Writer, hooks []config.WebhookConfig, log *slog.Logger) {
	if len(hooks) == 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	d := &webhookDispatcher{
		events:   w,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		log:      log,
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	batch, err := d.events.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Error("webhook: fetch audit events", "err", err)
		return
	}
	filter := newOperationFilter(hook.Operations)
	for _, evt := range batch {
		if !filter.match(evt.Operation) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.events.LatestID(ctx)
	if err != nil {
		d.log.Error("webhook: init cursor", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	AuditHash  string          `json:"audit_hash"`
	Operation  string          `json:"operation"`
	TaskID     string          `json:"task_id"`
	SessionID  string          `json:"session_id,omitempty"`
	ResultHash string          `json:"result_hash,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.AuditEvent) error {
	payload := json.RawMessage("{}")
	if evt.PayloadJSON != "" && json.Valid([]byte(evt.PayloadJSON)) {
		payload = json.RawMessage(evt.PayloadJSON)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		AuditHash:  evt.AuditHash,
		Operation:  evt.Operation,
		TaskID:     evt.TaskID,
		SessionID:  evt.SessionID,
		ResultHash: evt.ResultHash,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LocalAgent-Operation", evt.Operation)
	req.Header.Set("X-LocalAgent-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-LocalAgent-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type operationFilter struct {
	all bool
	set map[string]struct{}
}

func newOperationFilter(ops []string) operationFilter {
	set := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if key := strings.TrimSpace(op); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return operationFilter{all: true}
	}
	return operationFilter{set: set}
}

func (f operationFilter) match(op string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[op]
	return ok
}
