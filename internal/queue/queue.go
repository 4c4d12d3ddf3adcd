package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one dequeued unit of work.
type Message struct {
	JobID       uuid.UUID `json:"job_id"`
	ClientJobID string    `json:"client_job_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Gateway is the work-queue interface the managers and worker loop share.
//
// Enqueue dedupes on the client job id: a second enqueue with the same id
// while an instance is queued or running returns (true, nil) and does
// nothing. Defer delays visibility by at least the given duration.
type Gateway interface {
	Enqueue(ctx context.Context, function string, jobID uuid.UUID, opts ...EnqueueOption) (bool, error)
	// Dequeue pops the earliest ready message for the function, or nil when
	// nothing is due.
	Dequeue(ctx context.Context, function string) (*Message, error)
	// Release clears the dedup reservation once the job has reached a
	// terminal state, so a later retry enqueue is not suppressed.
	Release(ctx context.Context, clientJobID string) error
	Close() error
}

type enqueueConfig struct {
	deferBy     time.Duration
	clientJobID string
}

type EnqueueOption func(*enqueueConfig)

// WithDefer delays execution by at least d.
func WithDefer(d time.Duration) EnqueueOption {
	return func(c *enqueueConfig) {
		if d > 0 {
			c.deferBy = d
		}
	}
}

// WithClientJobID sets the dedup key. Callers pass the job's urn so repeat
// enqueues for the same job coalesce.
func WithClientJobID(id string) EnqueueOption {
	return func(c *enqueueConfig) { c.clientJobID = id }
}
