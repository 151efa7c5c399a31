// Package reap recovers jobs that stopped making progress: pending jobs
// whose queue publish was lost, and processing jobs orphaned by a worker
// crash.
package reap

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"ladle/internal/jobs"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, msg jobs.QueueMessage) error
}

// Publisher carries recovery transitions to live observers. The reaper
// runs inside the server process, so it publishes straight to the event
// bus rather than going through the webhook hop.
type Publisher interface {
	Publish(ctx context.Context, ev jobs.StatusEvent) error
}

type Reaper struct {
	store       jobs.Store
	enqueuer    Enqueuer
	publisher   Publisher
	maxAttempts int

	// olderThan is how long a job may sit without progress before it is
	// considered stuck. Must exceed the inference timeout, or the reaper
	// would race healthy workers.
	olderThan time.Duration
}

func New(store jobs.Store, enqueuer Enqueuer, publisher Publisher, maxAttempts int, olderThan time.Duration) *Reaper {
	return &Reaper{store: store, enqueuer: enqueuer, publisher: publisher, maxAttempts: maxAttempts, olderThan: olderThan}
}

// Watch polls for stuck jobs until the context is cancelled.
func (r *Reaper) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("failed to sweep stuck jobs")
			}
		}
	}
}

// Sweep runs one pass. Individual job errors are logged and left for the
// next pass; races with live workers resolve as no-op conflicts.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.olderThan)

	stale, err := r.store.StaleOlderThan(ctx, jobs.StatePending, cutoff)
	if err != nil {
		return err
	}
	for _, job := range stale {
		msg := jobs.QueueMessage{JobID: job.ID, ImageKey: job.ImageKey}
		if err := r.enqueuer.Enqueue(ctx, msg); err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to re-enqueue a stale pending job")
			continue
		}
		log.Info().Str("jobId", job.ID).Msg("re-enqueued a stale pending job")
	}

	orphaned, err := r.store.StaleOlderThan(ctx, jobs.StateProcessing, cutoff)
	if err != nil {
		return err
	}
	for _, job := range orphaned {
		r.recover(ctx, job)
	}
	return nil
}

// recover puts an orphaned processing job back in pending when attempts
// remain, otherwise fails it terminally.
func (r *Reaper) recover(ctx context.Context, job *jobs.Job) {
	expect := jobs.Expect{State: jobs.StateProcessing, AttemptCount: job.AttemptCount}

	if job.AttemptCount < r.maxAttempts {
		updated, err := r.store.Transition(ctx, job.ID, expect, func(j *jobs.Job) {
			j.State = jobs.StatePending
			j.Message = "Recovered after a worker stall, retrying..."
		})
		if errors.Is(err, jobs.ErrConflict) {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to recover a stuck job")
			return
		}
		log.Warn().Str("jobId", job.ID).Int("attempt", job.AttemptCount).Msg("recovered a stuck job")

		// Observers see the stalled attempt as a non-terminal failure,
		// the same shape the worker emits for an attempt it will retry.
		ev := updated.Event(true)
		ev.State = jobs.StateFailed
		r.publish(ctx, ev)

		msg := jobs.QueueMessage{JobID: updated.ID, ImageKey: updated.ImageKey}
		if err := r.enqueuer.Enqueue(ctx, msg); err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to re-enqueue a recovered job")
		}
		return
	}

	failed, err := r.store.Transition(ctx, job.ID, expect, func(j *jobs.Job) {
		j.State = jobs.StateFailed
		j.ErrorReason = "worker stalled and the retry budget is exhausted"
		j.Message = "Failed: worker stalled"
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	if err != nil {
		if !errors.Is(err, jobs.ErrConflict) {
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to fail a stuck job")
		}
		return
	}
	log.Warn().Str("jobId", job.ID).Msg("found a stuck job and marked it as failed")
	r.publish(ctx, failed.Event(false))
}

func (r *Reaper) publish(ctx context.Context, ev jobs.StatusEvent) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("jobId", ev.JobID).Int64("revision", ev.Revision).
			Msg("failed to publish the recovery event")
	}
}
