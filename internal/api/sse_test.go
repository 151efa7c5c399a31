package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ladle/internal/jobs"
)

type sseFrame struct {
	event string
	data  []byte
}

// readFrame parses one "event: ...\ndata: ...\n\n" block from the stream.
func readFrame(t *testing.T, r *bufio.Reader) (sseFrame, bool) {
	t.Helper()
	frame := sseFrame{}
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return frame, false
		}
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && frame.event != "":
			return frame, true
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

func decodeEvent(t *testing.T, frame sseFrame) jobs.StatusEvent {
	t.Helper()
	var ev jobs.StatusEvent
	if err := json.Unmarshal(frame.data, &ev); err != nil {
		t.Fatalf("decode frame %s: %v", frame.data, err)
	}
	return ev
}

func TestJobEventsTerminalSnapshotCloses(t *testing.T) {
	ts := newTestServer(t)
	ts.seedJob(t, &jobs.Job{
		ID: "j1", State: jobs.StateCompleted, AttemptCount: 1, Revision: 5,
		Result: json.RawMessage(`{"title":"Pho"}`),
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1/events", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(rec.Body)
	frame, ok := readFrame(t, r)
	if !ok || frame.event != "snapshot" {
		t.Fatalf("first frame = %+v (ok=%v)", frame, ok)
	}
	ev := decodeEvent(t, frame)
	if ev.State != jobs.StateCompleted || ev.Revision != 5 || ev.Payload == nil {
		t.Errorf("snapshot = %+v", ev)
	}
	if _, ok := readFrame(t, r); ok {
		t.Error("stream continued past the terminal snapshot")
	}
}

func TestJobEventsUnknownJob(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/nope/events", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// hookStore runs a callback on the first snapshot read, so tests can
// commit an event inside the subscribe-then-snapshot window.
type hookStore struct {
	jobs.Store
	once  sync.Once
	onGet func()
}

func (h *hookStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	h.once.Do(h.onGet)
	return h.Store.Get(ctx, id)
}

func TestJobEventsCatchesEventDuringSnapshotRead(t *testing.T) {
	ts := newTestServer(t)
	ts.seedJob(t, &jobs.Job{ID: "j1", State: jobs.StateProcessing, AttemptCount: 1, Revision: 1, ImageKey: "uploads/j1.jpg"})

	// The terminal event lands while the handler is reading its snapshot.
	// The subscription must already exist, or the event is dropped and the
	// stream hangs until client disconnect.
	hooked := &hookStore{Store: ts.store}
	hooked.onGet = func() {
		ts.stream.publish(t, "j1", jobs.StatusEvent{
			JobID: "j1", State: jobs.StateCompleted, AttemptCount: 1, Revision: 2,
			Payload: json.RawMessage(`{"title":"Pho"}`),
		})
	}
	ts.Server.Store = hooked

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/j1/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)

	frame, ok := readFrame(t, r)
	if !ok || frame.event != "snapshot" {
		t.Fatalf("first frame = %+v (ok=%v)", frame, ok)
	}
	if ev := decodeEvent(t, frame); ev.State != jobs.StateProcessing || ev.Revision != 1 {
		t.Fatalf("snapshot = %+v", ev)
	}

	frame, ok = readFrame(t, r)
	if !ok {
		t.Fatal("stream closed without the terminal event")
	}
	if ev := decodeEvent(t, frame); ev.State != jobs.StateCompleted || ev.Revision != 2 {
		t.Fatalf("got %+v, want the terminal event committed during the snapshot read", ev)
	}
	if _, ok := readFrame(t, r); ok {
		t.Error("stream continued past the terminal event")
	}
}

func TestJobEventsStreamsUntilTerminal(t *testing.T) {
	ts := newTestServer(t)
	ts.seedJob(t, &jobs.Job{ID: "j1", State: jobs.StatePending, Revision: 1, ImageKey: "uploads/j1.jpg"})

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/j1/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)

	frame, ok := readFrame(t, r)
	if !ok || frame.event != "snapshot" {
		t.Fatalf("first frame = %+v (ok=%v)", frame, ok)
	}
	if ev := decodeEvent(t, frame); ev.State != jobs.StatePending || ev.Revision != 1 {
		t.Fatalf("snapshot = %+v", ev)
	}

	// Already seen by the snapshot: must not be repeated.
	ts.stream.publish(t, "j1", jobs.StatusEvent{JobID: "j1", State: jobs.StatePending, Revision: 1})
	ts.stream.publish(t, "j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateProcessing, AttemptCount: 1, Revision: 2})
	ts.stream.publish(t, "j1", jobs.StatusEvent{JobID: "j1", State: jobs.StateCompleted, AttemptCount: 1, Revision: 3,
		Payload: json.RawMessage(`{"title":"Pho"}`)})

	frame, ok = readFrame(t, r)
	if !ok || frame.event != "status" {
		t.Fatalf("second frame = %+v (ok=%v)", frame, ok)
	}
	if ev := decodeEvent(t, frame); ev.State != jobs.StateProcessing || ev.Revision != 2 {
		t.Fatalf("got %+v, want the processing update", ev)
	}

	frame, ok = readFrame(t, r)
	if !ok {
		t.Fatal("stream closed before the terminal event")
	}
	if ev := decodeEvent(t, frame); ev.State != jobs.StateCompleted || ev.Revision != 3 {
		t.Fatalf("got %+v, want the terminal event", ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := readFrame(t, r); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream did not close after the terminal event")
		}
	}
}
