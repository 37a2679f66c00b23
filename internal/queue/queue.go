// Package queue implements the in-memory work queue between the webhook
// receivers and the single ingestion consumer.
package queue

import (
	"context"
	"sync"

	"github.com/hireloop/mailwatch/internal/subscription"
)

// Job is one unit of ingestion work. Gmail jobs carry no message id;
// the relevant messages are discovered during delta retrieval. Outlook
// notifications already name the message.
type Job struct {
	Provider       subscription.Provider
	SubscriptionID string
	ResourceID     string
	MessageID      string
}

// Queue is an unbounded FIFO safe for many concurrent producers and one
// consumer. Enqueue never blocks; Dequeue suspends the caller while the
// queue is empty. Contents do not survive the process.
type Queue struct {
	mu     sync.Mutex
	items  []Job
	notify chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends a job. Safe to call from concurrent request handlers.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest job, blocking while the queue
// is empty. Returns false when ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = Job{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				// Drop the backing array so drained jobs are not
				// pinned while the queue idles.
				q.items = nil
			}
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-q.notify:
		}
	}
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
