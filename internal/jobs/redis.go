package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "job:"

// casRetries bounds the optimistic retry loop when another writer touches
// the watched key between read and commit.
const casRetries = 5

// RedisStore keeps job records as JSON values in Redis, one key per job.
// Compare-and-set transitions run under WATCH so concurrent writers for
// the same job serialize on the record.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(id string) string { return keyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key(job.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job := &Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, expect Expect, mutate func(*Job)) (*Job, error) {
	var updated *Job

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job := &Job{}
		if err := json.Unmarshal(raw, job); err != nil {
			return err
		}
		if job.State != expect.State || job.AttemptCount != expect.AttemptCount {
			return ErrConflict
		}

		prev := job.State
		mutate(job)
		if job.State != prev && !CanTransition(prev, job.State) {
			return ErrConflict
		}
		job.Revision++
		job.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(id), out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, key(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict
}

func (s *RedisStore) StaleOlderThan(ctx context.Context, state State, cutoff time.Time) ([]*Job, error) {
	var stale []*Job
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job := &Job{}
		if err := json.Unmarshal(raw, job); err != nil {
			continue
		}
		if job.State == state && job.UpdatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending jobs: %w", err)
	}
	return stale, nil
}
