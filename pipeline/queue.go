package pipeline

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
// Submission maps it to a SUBMIT_FAILED error envelope.
var ErrQueueFull = errors.New("job queue is full")

// JobQueue hands job keys from submitters to workers. Dequeue blocks until a
// key is available or ctx ends.
type JobQueue interface {
	Enqueue(ctx context.Context, sessionID, jobID string) error
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

// MemoryQueue is the single-process queue used when no broker is configured.
type MemoryQueue struct {
	keys chan string
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{keys: make(chan string, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, sessionID, jobID string) error {
	select {
	case q.keys <- JobKey(sessionID, jobID):
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case key := <-q.keys:
		return key, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	return nil
}
