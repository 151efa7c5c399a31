// Package bus fans status events out to serving-tier instances over Redis
// pub/sub, one channel per job id.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ladle/internal/jobs"
)

const channelPrefix = "job-events:"

type Bus struct {
	client *redis.Client
}

func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func channel(jobID string) string { return channelPrefix + jobID }

// Publish sends the event to every instance currently subscribed to the
// job's channel. Delivery is fire-and-forget; a missed event is recovered
// by the snapshot read on (re)connect.
func (b *Bus) Publish(ctx context.Context, ev jobs.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel(ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish event for job %s: %w", ev.JobID, err)
	}
	return nil
}

// Subscribe opens the job's channel and decodes incoming events onto the
// returned channel until cancel is called. Malformed messages are dropped.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan jobs.StatusEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	out := make(chan jobs.StatusEvent)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev jobs.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Error().Err(err).Str("jobId", jobID).Msg("failed to decode a bus message")
				continue
			}
			out <- ev
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}
