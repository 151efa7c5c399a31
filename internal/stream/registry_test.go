package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"ladle/internal/jobs"
)

type fakeBus struct {
	mu       sync.Mutex
	channels map[string]chan jobs.StatusEvent
	stops    map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		channels: make(map[string]chan jobs.StatusEvent),
		stops:    make(map[string]int),
	}
}

func (b *fakeBus) Subscribe(_ context.Context, jobID string) (<-chan jobs.StatusEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan jobs.StatusEvent, 16)
	b.channels[jobID] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.stops[jobID]++
	}, nil
}

func (b *fakeBus) publish(jobID string, ev jobs.StatusEvent) {
	b.mu.Lock()
	ch := b.channels[jobID]
	b.mu.Unlock()
	ch <- ev
}

func (b *fakeBus) stopCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops[jobID]
}

func recv(t *testing.T, sub *Subscriber) (jobs.StatusEvent, bool) {
	t.Helper()
	select {
	case ev, open := <-sub.Events():
		return ev, open
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return jobs.StatusEvent{}, false
	}
}

func expectSilence(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case ev, open := <-sub.Events():
		if open {
			t.Fatalf("unexpected event %+v", ev)
		}
		t.Fatal("channel closed unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeGatesOnRevision(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)

	sub, cancel, err := r.Subscribe(context.Background(), "j1", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	// At or below the snapshot revision: already seen, discarded.
	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateProcessing, Revision: 1})
	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateProcessing, Revision: 2})
	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateProcessing, Revision: 3})

	ev, open := recv(t, sub)
	if !open || ev.Revision != 3 {
		t.Fatalf("got %+v (open=%v), want revision 3", ev, open)
	}

	// A redelivered revision never reaches the connection twice.
	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateProcessing, Revision: 3})
	expectSilence(t, sub)
}

func TestTerminalEventClosesSubscribers(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)

	sub1, cancel1, _ := r.Subscribe(context.Background(), "j1", 0)
	sub2, cancel2, _ := r.Subscribe(context.Background(), "j1", 0)
	defer cancel1()
	defer cancel2()

	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateCompleted, Revision: 4})

	for _, sub := range []*Subscriber{sub1, sub2} {
		ev, open := recv(t, sub)
		if !open || ev.State != jobs.StateCompleted {
			t.Fatalf("got %+v (open=%v), want the terminal event", ev, open)
		}
		if _, open := recv(t, sub); open {
			t.Fatal("channel still open after the terminal event")
		}
	}
	if bus.stopCount("j1") != 1 {
		t.Errorf("bus subscription stops = %d, want 1", bus.stopCount("j1"))
	}
}

func TestRetryingFailureKeepsStreamOpen(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)

	sub, cancel, _ := r.Subscribe(context.Background(), "j1", 0)
	defer cancel()

	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateFailed, Retrying: true, Revision: 3})
	ev, open := recv(t, sub)
	if !open || !ev.Retrying {
		t.Fatalf("got %+v (open=%v)", ev, open)
	}

	// The stream survives the attempt failure and sees the next attempt.
	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateProcessing, Revision: 4})
	if ev, open := recv(t, sub); !open || ev.Revision != 4 {
		t.Fatalf("got %+v (open=%v), want revision 4", ev, open)
	}
}

func TestLastCancelStopsBusSubscription(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)

	_, cancel1, _ := r.Subscribe(context.Background(), "j1", 0)
	_, cancel2, _ := r.Subscribe(context.Background(), "j1", 0)

	cancel1()
	if bus.stopCount("j1") != 0 {
		t.Fatal("bus subscription stopped while a connection remained")
	}
	cancel2()
	if bus.stopCount("j1") != 1 {
		t.Errorf("bus subscription stops = %d, want 1", bus.stopCount("j1"))
	}
}

func TestCancelAfterTerminalIsSafe(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)

	sub, cancel, _ := r.Subscribe(context.Background(), "j1", 0)
	bus.publish("j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateFailed, Revision: 2})

	if ev, open := recv(t, sub); !open || ev.State != jobs.StateFailed {
		t.Fatalf("got %+v (open=%v)", ev, open)
	}
	if _, open := recv(t, sub); open {
		t.Fatal("channel still open after the terminal event")
	}
	cancel()
	if bus.stopCount("j1") != 1 {
		t.Errorf("bus subscription stops = %d, want 1", bus.stopCount("j1"))
	}
}
