package jobs

import (
	"context"
	"time"
)

// Store is the durable job record store. Transition is the single
// serialization point for concurrent writers: it applies mutate to the
// current record only when the Expect guard still matches, bumps the
// revision, and commits atomically. A losing writer gets ErrConflict.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, id string, expect Expect, mutate func(*Job)) (*Job, error)

	// StaleOlderThan lists jobs in the given state that have not
	// progressed since the cutoff. The reaper uses it to re-enqueue
	// pending jobs whose queue publish was lost and to recover
	// processing jobs orphaned by a worker crash.
	StaleOlderThan(ctx context.Context, state State, cutoff time.Time) ([]*Job, error)
}
