// Package retryqueue holds delegation requests that could not reach the
// downstream backend. It is a bounded FIFO: at capacity the oldest task is
// dropped to make room. It never retries anything itself.
package retryqueue

import (
	"sync"
	"time"
)

const (
	DefaultCapacity     = 100
	DefaultMaxRetries   = 3
	DefaultRetryTimeout = 300 * time.Second
)

type Task[T any] struct {
	ID           string        `json:"task_id"`
	Request      T             `json:"request"`
	QueuedAt     time.Time     `json:"queued_at"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	RetryTimeout time.Duration `json:"retry_timeout_ns"`
}

// Expired reports whether the task has outlived its own retry timeout.
func (t Task[T]) Expired(now time.Time) bool {
	return now.Sub(t.QueuedAt) > t.RetryTimeout
}

type Options struct {
	Capacity int
	Now      func() time.Time
}

// Queue is safe for concurrent use; every operation is one critical section.
type Queue[T any] struct {
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	tasks   []Task[T]
	dropped int
}

func New[T any](opts Options) *Queue[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue[T]{capacity: opts.Capacity, now: opts.Now}
}

func (q *Queue[T]) Capacity() int { return q.capacity }

// Enqueue appends task and returns its 1-based position. A zero QueuedAt is
// stamped with the current time.
func (q *Queue[T]) Enqueue(task Task[T]) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.QueuedAt.IsZero() {
		task.QueuedAt = q.now()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	if task.RetryTimeout < 0 {
		task.RetryTimeout = DefaultRetryTimeout
	}
	for len(q.tasks) >= q.capacity {
		q.tasks[0] = Task[T]{}
		q.tasks = q.tasks[1:]
		q.dropped++
	}
	q.tasks = append(q.tasks, task)
	return len(q.tasks)
}

// Dequeue removes and returns the oldest task.
func (q *Queue[T]) Dequeue() (Task[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task[T]{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = Task[T]{}
	q.tasks = q.tasks[1:]
	return t, true
}

// Requeue appends task again with its retry count bumped. It returns false,
// and drops the task, once the task has used up its retries.
func (q *Queue[T]) Requeue(task Task[T]) (int, bool) {
	task.RetryCount++
	if task.MaxRetries > 0 && task.RetryCount >= task.MaxRetries {
		return 0, false
	}
	return q.Enqueue(task), true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Dropped counts tasks discarded to make room since the queue was created.
func (q *Queue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// SweepExpired removes and returns every expired task. Survivors keep their
// order.
func (q *Queue[T]) SweepExpired() []Task[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var expired []Task[T]
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Expired(now) {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = Task[T]{}
	}
	q.tasks = kept
	return expired
}

// Snapshot returns a copy of the queued tasks, oldest first.
func (q *Queue[T]) Snapshot() []Task[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task[T], len(q.tasks))
	copy(out, q.tasks)
	return out
}
