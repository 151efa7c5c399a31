// Package notify delivers status events and completed recipes from the
// worker process back to the serving tier over HTTP.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"ladle/internal/jobs"
	"ladle/internal/vision"
)

// Notifier POSTs to fixed callback endpoints with full-jitter exponential
// backoff. Retried deliveries carry the same revision, so duplicates are
// safe by construction; the receiver de-duplicates on revision.
type Notifier struct {
	statusURL   string
	recipeURL   string
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
	client      *http.Client
}

func New(statusURL, recipeURL string, maxAttempts int, retryBase, retryCap time.Duration) *Notifier {
	return &Notifier{
		statusURL:   statusURL,
		recipeURL:   recipeURL,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		retryCap:    retryCap,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// NotifyStatus delivers a status event to the serving tier. Exhausting
// every retry is logged but never reverts the job record: the committed
// state is the source of truth and a fresh snapshot read reconciles any
// observer that missed the event.
func (n *Notifier) NotifyStatus(ctx context.Context, ev jobs.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.deliver(ctx, n.statusURL, payload); err != nil {
		log.Error().Err(err).Str("jobId", ev.JobID).Int64("revision", ev.Revision).
			Msg("failed to deliver the status event")
		return err
	}
	return nil
}

// RecipePayload is the record-recipe callback body.
type RecipePayload struct {
	JobID string `json:"job_id"`
	vision.Recipe
}

// RecordRecipe hands the completed recipe to the serving tier for the
// catalog. Safe to deliver twice: the receiver replaces by job id.
func (n *Notifier) RecordRecipe(ctx context.Context, jobID string, recipe *vision.Recipe) error {
	payload, err := json.Marshal(RecipePayload{JobID: jobID, Recipe: *recipe})
	if err != nil {
		return err
	}
	if err := n.deliver(ctx, n.recipeURL, payload); err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("failed to deliver the recipe")
		return err
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, url string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = n.post(ctx, url, payload)
		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Str("url", url).Int("attempt", attempt).Msg("webhook attempt failed")
		if attempt < n.maxAttempts {
			select {
			case <-time.After(n.jitter(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

// jitter returns a random duration between 0 and min(retryCap,
// retryBase * 2^attempt). Full jitter keeps simultaneous failures from
// retrying in lockstep.
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.retryBase * (1 << attempt)
	if exp > n.retryCap || exp <= 0 {
		exp = n.retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
