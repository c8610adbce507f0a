package broker

import (
	"context"
	"errors"
	"time"

	"localagent/internal/domain"
	"localagent/internal/events"
	"localagent/internal/llm"
	"localagent/internal/retryqueue"
)

// QueueReport summarizes one ProcessQueue pass.
type QueueReport struct {
	Expired   int  `json:"expired"`
	Skipped   bool `json:"skipped"`
	Retried   int  `json:"retried"`
	Completed int  `json:"completed"`
	Requeued  int  `json:"requeued"`
	Dropped   int  `json:"dropped"`
}

// ProcessQueue expires stale tasks and, when the downstream answers its
// health probe, re-dispatches every task that was queued when the pass began.
// Tasks that hit the outage again go back to the tail until they run out of
// retries.
func (b *Broker) ProcessQueue(ctx context.Context) (QueueReport, error) {
	var rep QueueReport
	for _, task := range b.queue.SweepExpired() {
		rep.Expired++
		b.log.Warn("queued task expired", "task_id", task.ID, "retries", task.RetryCount, "queued_at", task.QueuedAt)
		if err := b.auditQueue(ctx, task, "queue.expired"); err != nil {
			return rep, err
		}
	}
	pending := b.queue.Len()
	if pending == 0 {
		return rep, nil
	}
	if state, _ := b.probe(ctx); state != domain.Healthy {
		rep.Skipped = true
		b.log.Info("downstream still unavailable, retry skipped", "queue_depth", pending)
		return rep, nil
	}

	for i := 0; i < pending; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		task, ok := b.queue.Dequeue()
		if !ok {
			break
		}
		rep.Retried++
		c, err := b.validate(task.Request)
		if err != nil {
			rep.Dropped++
			b.log.Error("dropping invalid queued task", "task_id", task.ID, "err", err)
			continue
		}
		out, err := b.dispatch(ctx, c)
		if errors.Is(err, llm.ErrUnavailable) {
			if pos, ok := b.queue.Requeue(task); ok {
				rep.Requeued++
				b.log.Warn("retry failed, task requeued", "task_id", task.ID, "retry", task.RetryCount+1, "position", pos)
				continue
			}
			rep.Dropped++
			b.log.Error("task out of retries", "task_id", task.ID, "max_retries", task.MaxRetries)
			if err := b.auditQueue(ctx, task, "queue.dropped"); err != nil {
				return rep, err
			}
			continue
		}
		if err != nil {
			return rep, err
		}
		out.details = merge(out.details, events.EventPayload{"retry_count": task.RetryCount, "from_queue": true})
		resp, err := b.finish(ctx, c, out)
		if err != nil {
			return rep, err
		}
		rep.Completed++
		b.log.Info("queued task completed", "task_id", resp.TaskID, "status", resp.Status)
	}
	return rep, nil
}

func (b *Broker) auditQueue(ctx context.Context, task retryqueue.Task[domain.DelegationRequest], op string) error {
	_, err := b.events.Append(ctx, events.Event{
		TaskID:    task.ID,
		SessionID: task.Request.SessionID,
		Operation: op,
		Payload: events.EventPayload{
			"tool_name":   task.Request.ToolName,
			"retry_count": task.RetryCount,
			"queued_at":   task.QueuedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	return err
}

// RunMaintenance drives ProcessQueue and idle session eviction every interval
// until ctx is done.
func (b *Broker) RunMaintenance(ctx context.Context, interval, sessionMaxIdle time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := b.ProcessQueue(ctx)
			if err != nil && ctx.Err() == nil {
				b.log.Error("process retry queue", "err", err)
			} else if rep.Retried > 0 || rep.Expired > 0 {
				b.log.Info("retry queue processed", "retried", rep.Retried, "completed", rep.Completed, "requeued", rep.Requeued, "expired", rep.Expired, "dropped", rep.Dropped)
			}
			if n := b.sessions.EvictIdle(sessionMaxIdle); n > 0 {
				b.log.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

// QueuedTasks lists the retry queue, oldest first.
func (b *Broker) QueuedTasks() []domain.QueuedTask {
	snap := b.queue.Snapshot()
	out := make([]domain.QueuedTask, 0, len(snap))
	for _, t := range snap {
		out = append(out, domain.QueuedTask{
			TaskID:              t.ID,
			SessionID:           t.Request.SessionID,
			ToolName:            t.Request.ToolName,
			QueuedAt:            t.QueuedAt.UTC().Format(time.RFC3339Nano),
			RetryCount:          t.RetryCount,
			MaxRetries:          t.MaxRetries,
			RetryTimeoutSeconds: t.RetryTimeout.Seconds(),
		})
	}
	return out
}

func merge(dst, src events.EventPayload) events.EventPayload {
	if dst == nil {
		dst = events.EventPayload{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
