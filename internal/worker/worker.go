// Package worker pulls transcription jobs off the work queue, runs the
// inference call, and drives the job record through its lifecycle.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"ladle/internal/jobs"
	"ladle/internal/vision"
)

// Notifier bridges committed state transitions back to the serving tier.
type Notifier interface {
	NotifyStatus(ctx context.Context, ev jobs.StatusEvent) error
	RecordRecipe(ctx context.Context, jobID string, recipe *vision.Recipe) error
}

// Enqueuer re-queues a job after a retryable failure.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg jobs.QueueMessage) error
}

// ImageFetcher loads the uploaded image bytes for a job.
type ImageFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type Worker struct {
	store       jobs.Store
	images      ImageFetcher
	transcriber vision.Transcriber
	notifier    Notifier
	enqueuer    Enqueuer
	maxAttempts int
	timeout     time.Duration
}

func New(store jobs.Store, images ImageFetcher, transcriber vision.Transcriber, notifier Notifier, enqueuer Enqueuer, maxAttempts int, timeout time.Duration) *Worker {
	return &Worker{
		store:       store,
		images:      images,
		transcriber: transcriber,
		notifier:    notifier,
		enqueuer:    enqueuer,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// Run consumes deliveries until the channel closes. A processing error is
// treated as transient: the delivery is nacked back onto the queue.
// Malformed messages are dropped; requeueing them would loop forever.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for message := range deliveries {
		var msg jobs.QueueMessage
		if err := json.Unmarshal(message.Body, &msg); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal the message")
			message.Nack(false, false)
			continue
		}
		if err := w.Process(ctx, msg); err != nil {
			log.Error().Err(err).Str("jobId", msg.JobID).Msg("failed to process the job")
			message.Nack(false, true)
			continue
		}
		if err := message.Ack(false); err != nil {
			log.Error().Err(err).Str("jobId", msg.JobID).Msg("failed to ack the delivery")
		}
	}
}

// Process handles one delivery end to end. A nil return means the
// delivery is settled (including duplicate deliveries settled as no-ops);
// an error means the delivery should be redelivered.
func (w *Worker) Process(ctx context.Context, msg jobs.QueueMessage) error {
	job, err := w.store.Get(ctx, msg.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		log.Warn().Str("jobId", msg.JobID).Msg("dropping delivery for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if job.State != jobs.StatePending {
		log.Info().Str("jobId", job.ID).Str("state", string(job.State)).
			Msg("dropping duplicate delivery")
		return nil
	}

	claimed, err := w.store.Transition(ctx, job.ID, jobs.Expect{State: jobs.StatePending, AttemptCount: job.AttemptCount}, func(j *jobs.Job) {
		j.State = jobs.StateProcessing
		j.AttemptCount++
		now := time.Now().UTC()
		j.StartedAt = &now
		j.Message = "Starting transcription..."
	})
	if errors.Is(err, jobs.ErrConflict) {
		log.Info().Str("jobId", job.ID).Msg("another worker claimed the job first")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("jobId", claimed.ID).Int("attempt", claimed.AttemptCount).Msg("claimed the job")
	w.notifier.NotifyStatus(ctx, claimed.Event(false))

	recipe, inferErr := w.transcribe(ctx, claimed)
	if inferErr != nil {
		return w.fail(ctx, claimed, msg, inferErr)
	}
	return w.complete(ctx, claimed, recipe)
}

// transcribe fetches the image and runs the inference call under the
// configured hard timeout. On expiry the in-flight call is abandoned and
// reported as a failure.
func (w *Worker) transcribe(ctx context.Context, job *jobs.Job) (*vision.Recipe, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	image, err := w.images.Fetch(ctx, job.ImageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	recipe, err := w.transcriber.Transcribe(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("transcribe image: %w", err)
	}
	return recipe, nil
}

func (w *Worker) complete(ctx context.Context, job *jobs.Job, recipe *vision.Recipe) error {
	parsed, err := w.store.Transition(ctx, job.ID, jobs.Expect{State: jobs.StateProcessing, AttemptCount: job.AttemptCount}, func(j *jobs.Job) {
		j.Message = "Parsing response from model..."
	})
	if errors.Is(err, jobs.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	w.notifier.NotifyStatus(ctx, parsed.Event(false))

	if err := w.notifier.RecordRecipe(ctx, job.ID, recipe); err != nil {
		// The recipe payload also rides on the completed event, so the
		// serving tier can still reconcile from there.
		log.Error().Err(err).Str("jobId", job.ID).Msg("failed to record the recipe")
	}

	result, err := json.Marshal(recipe)
	if err != nil {
		return w.fail(ctx, parsed, jobs.QueueMessage{JobID: job.ID, ImageKey: job.ImageKey}, err)
	}
	completed, err := w.store.Transition(ctx, job.ID, jobs.Expect{State: jobs.StateProcessing, AttemptCount: job.AttemptCount}, func(j *jobs.Job) {
		j.State = jobs.StateCompleted
		j.Result = result
		j.Message = "Completed"
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	if errors.Is(err, jobs.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("jobId", completed.ID).Msg("job completed")
	w.notifier.NotifyStatus(ctx, completed.Event(false))
	return nil
}

func (w *Worker) fail(ctx context.Context, job *jobs.Job, msg jobs.QueueMessage, cause error) error {
	if job.AttemptCount < w.maxAttempts {
		updated, err := w.store.Transition(ctx, job.ID, jobs.Expect{State: jobs.StateProcessing, AttemptCount: job.AttemptCount}, func(j *jobs.Job) {
			j.State = jobs.StatePending
			j.Message = fmt.Sprintf("Attempt %d failed, retrying: %v", job.AttemptCount, cause)
		})
		if errors.Is(err, jobs.ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		log.Warn().Err(cause).Str("jobId", job.ID).Int("attempt", job.AttemptCount).Msg("attempt failed, requeueing")

		// Observers see the attempt failure even though the record is
		// already back in pending for the next attempt.
		ev := updated.Event(true)
		ev.State = jobs.StateFailed
		w.notifier.NotifyStatus(ctx, ev)

		if err := w.enqueuer.Enqueue(ctx, msg); err != nil {
			// The record is pending; the reaper re-enqueues it.
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to re-enqueue the job")
		}
		return nil
	}

	failed, err := w.store.Transition(ctx, job.ID, jobs.Expect{State: jobs.StateProcessing, AttemptCount: job.AttemptCount}, func(j *jobs.Job) {
		j.State = jobs.StateFailed
		j.ErrorReason = cause.Error()
		j.Message = "Failed: " + cause.Error()
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	if errors.Is(err, jobs.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Error().Err(cause).Str("jobId", failed.ID).Int("attempt", failed.AttemptCount).Msg("job failed")
	w.notifier.NotifyStatus(ctx, failed.Event(false))
	return nil
}
