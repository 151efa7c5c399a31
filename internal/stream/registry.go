// Package stream maps live client connections to job ids and forwards
// event-bus messages to them.
package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"ladle/internal/jobs"
)

// Bus is the subscribe side of the event bus.
type Bus interface {
	Subscribe(ctx context.Context, jobID string) (<-chan jobs.StatusEvent, func(), error)
}

// Subscriber is one live client connection scoped to a single job.
type Subscriber struct {
	events  chan jobs.StatusEvent
	lastRev int64
	closed  bool
}

// Events yields status events with strictly increasing revisions. The
// channel closes after a terminal event or when the subscription is
// cancelled.
func (s *Subscriber) Events() <-chan jobs.StatusEvent { return s.events }

type jobEntry struct {
	subs map[*Subscriber]struct{}
	stop func()
}

// Registry tracks this instance's subscribers per job id. The instance
// only holds a bus subscription for jobs that currently have at least one
// connection, so fan-in work stays bounded to instances that need it.
type Registry struct {
	bus Bus

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

func NewRegistry(bus Bus) *Registry {
	return &Registry{bus: bus, jobs: make(map[string]*jobEntry)}
}

// Subscribe registers a connection for the job. Events at or below
// afterRevision are discarded, so a caller that just read a snapshot only
// sees strictly newer updates. The returned cancel is safe to call after
// the subscriber was already closed by a terminal event.
func (r *Registry) Subscribe(ctx context.Context, jobID string, afterRevision int64) (*Subscriber, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.jobs[jobID]
	if entry == nil {
		ch, stop, err := r.bus.Subscribe(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		entry = &jobEntry{subs: make(map[*Subscriber]struct{}), stop: stop}
		r.jobs[jobID] = entry
		go r.pump(jobID, ch)
	}

	sub := &Subscriber{events: make(chan jobs.StatusEvent, 16), lastRev: afterRevision}
	entry.subs[sub] = struct{}{}
	cancel := func() { r.remove(jobID, sub) }
	return sub, cancel, nil
}

func (r *Registry) pump(jobID string, ch <-chan jobs.StatusEvent) {
	for ev := range ch {
		r.dispatch(jobID, ev)
	}
}

func (r *Registry) dispatch(jobID string, ev jobs.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.jobs[jobID]
	if entry == nil {
		return
	}
	for sub := range entry.subs {
		// The bus may redeliver or reorder; the revision gate keeps each
		// connection's view monotonic.
		if ev.Revision <= sub.lastRev {
			continue
		}
		sub.lastRev = ev.Revision
		select {
		case sub.events <- ev:
		default:
			log.Warn().Str("jobId", jobID).Msg("dropping event for a slow subscriber")
		}
	}

	if ev.State.Terminal() && !ev.Retrying {
		for sub := range entry.subs {
			if !sub.closed {
				close(sub.events)
				sub.closed = true
			}
		}
		delete(r.jobs, jobID)
		entry.stop()
	}
}

func (r *Registry) remove(jobID string, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !sub.closed {
		close(sub.events)
		sub.closed = true
	}
	entry := r.jobs[jobID]
	if entry == nil {
		return
	}
	delete(entry.subs, sub)
	if len(entry.subs) == 0 {
		delete(r.jobs, jobID)
		entry.stop()
	}
}
