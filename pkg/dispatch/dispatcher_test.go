package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"responder/pkg/classify"
	"responder/pkg/events"
	"responder/pkg/generate/llmerrors"
	"responder/pkg/persistence"
)

type fakeGenerator struct {
	mu       sync.Mutex
	failures int // fail this many Generate calls before succeeding
	err      error
	calls    int
}

func (f *fakeGenerator) Generate(_ context.Context, msg *persistence.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.err != nil {
			return "", f.err
		}
		return "", llmerrors.NewError(llmerrors.ErrorTypeTransient, "simulated failure")
	}
	return "generated reply for " + msg.Subject, nil
}

func (f *fakeGenerator) Fallback(msg *persistence.Email, _ error) string {
	return "fallback reply for " + msg.Subject
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertMessage(t *testing.T, store *persistence.Store, subject, priority string) int64 {
	t.Helper()
	id, err := store.InsertEmail(&persistence.Email{
		Sender:     "user@example.com",
		Subject:    subject,
		Body:       "please help",
		ReceivedAt: time.Now().UTC(),
		Sentiment:  classify.SentimentNeutral,
		Priority:   priority,
		Source:     "demo",
	})
	if err != nil {
		t.Fatalf("InsertEmail failed: %v", err)
	}
	return id
}

func waitForReply(t *testing.T, store *persistence.Store, id int64) *persistence.Email {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		msg, err := store.GetEmail(id)
		if err == nil && msg.AutoResponse != nil && *msg.AutoResponse != "" {
			return msg
		}
		select {
		case <-deadline:
			t.Fatalf("message %d never got a reply", id)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWorkerRespondsAndBroadcasts(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}
	broadcaster := events.NewBroadcaster(nil)
	sub := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(sub)

	d := NewDispatcher(store, gen, broadcaster, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = d.Stop(context.Background()) }()

	id := insertMessage(t, store, "Login issue", classify.PriorityNotUrgent)
	d.Enqueue(id, classify.PriorityNotUrgent)

	msg := waitForReply(t, store, id)
	if msg.Status != persistence.StatusResponded {
		t.Errorf("status = %q", msg.Status)
	}
	if !strings.Contains(*msg.AutoResponse, "generated reply") {
		t.Errorf("reply = %q", *msg.AutoResponse)
	}

	select {
	case ev := <-sub.C:
		if ev.Name != events.EventEmailUpdated {
			t.Errorf("event = %q", ev.Name)
		}
		if !strings.Contains(string(ev.Data), `"status":"responded"`) {
			t.Errorf("event data = %s", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("no event broadcast")
	}
}

func TestWorkerSkipsAlreadyResponded(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}

	d := NewDispatcher(store, gen, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = d.Start(ctx)
	defer func() { _ = d.Stop(context.Background()) }()

	id := insertMessage(t, store, "Old ticket", classify.PriorityNotUrgent)
	if err := store.SetAutoResponse(id, "existing reply"); err != nil {
		t.Fatal(err)
	}
	d.Enqueue(id, classify.PriorityNotUrgent)

	// give the worker a moment to drain the queue
	deadline := time.After(3 * time.Second)
	for d.QueueLen() > 0 {
		select {
		case <-deadline:
			t.Fatal("queue never drained")
		case <-time.After(20 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)

	if gen.callCount() != 0 {
		t.Errorf("generator called %d times for an answered message", gen.callCount())
	}
	msg, _ := store.GetEmail(id)
	if *msg.AutoResponse != "existing reply" {
		t.Errorf("reply overwritten: %q", *msg.AutoResponse)
	}
}

func TestWorkerFallsBackAfterAttemptCeiling(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{failures: 10} // never succeeds within the ceiling

	d := NewDispatcher(store, gen, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = d.Start(ctx)
	defer func() { _ = d.Stop(context.Background()) }()

	id := insertMessage(t, store, "Flaky provider", classify.PriorityUrgent)
	d.Enqueue(id, classify.PriorityUrgent)

	msg := waitForReply(t, store, id)
	if !strings.Contains(*msg.AutoResponse, "fallback reply") {
		t.Errorf("reply = %q, want terminal fallback", *msg.AutoResponse)
	}
	if got := gen.callCount(); got != maxAttempts {
		t.Errorf("generator called %d times, want %d", got, maxAttempts)
	}
}

func TestWorkerNonRetryableGoesTerminalImmediately(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{failures: 10, err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")}

	d := NewDispatcher(store, gen, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = d.Start(ctx)
	defer func() { _ = d.Stop(context.Background()) }()

	id := insertMessage(t, store, "Bad credentials", classify.PriorityNotUrgent)
	d.Enqueue(id, classify.PriorityNotUrgent)

	msg := waitForReply(t, store, id)
	if !strings.Contains(*msg.AutoResponse, "fallback reply") {
		t.Errorf("reply = %q", *msg.AutoResponse)
	}
	if got := gen.callCount(); got != 1 {
		t.Errorf("generator called %d times, want 1 for non-retryable error", got)
	}
}

func TestUnloadableJobCountsTowardCeiling(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}
	d := NewDispatcher(store, gen, nil, nil)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	item := QueuedItem{EmailID: 42, Priority: classify.PriorityUrgent}

	// a failed load consumes an attempt and requeues the job
	d.process(ctx, item)
	if got := d.queue.Len(); got != 1 {
		t.Fatalf("queue len = %d after failed load, want 1", got)
	}
	d.mu.Lock()
	attempt := d.attempts[item.EmailID]
	d.mu.Unlock()
	if attempt != 1 {
		t.Errorf("attempt record = %d, want 1", attempt)
	}
	d.queue.Pop()

	// at the ceiling the job is dropped instead of requeued forever
	d.mu.Lock()
	d.attempts[item.EmailID] = maxAttempts - 1
	d.mu.Unlock()
	d.process(ctx, item)
	if got := d.queue.Len(); got != 0 {
		t.Errorf("queue len = %d at ceiling, want 0 (job dropped)", got)
	}
	d.mu.Lock()
	_, tracked := d.attempts[item.EmailID]
	d.mu.Unlock()
	if tracked {
		t.Error("attempt record should be cleared once the job is dropped")
	}
	if gen.callCount() != 0 {
		t.Errorf("generator called %d times for an unloadable message", gen.callCount())
	}
}

func TestRetryDelayFor(t *testing.T) {
	if got := retryDelayFor(llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content")); got != emptyDelay {
		t.Errorf("empty-result delay = %v, want %v", got, emptyDelay)
	}
	if got := retryDelayFor(llmerrors.NewError(llmerrors.ErrorTypeTransient, "boom")); got != errorDelay {
		t.Errorf("error delay = %v, want %v", got, errorDelay)
	}
	if got := retryDelayFor(nil); got != errorDelay {
		t.Errorf("nil cause delay = %v, want %v", got, errorDelay)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, &fakeGenerator{}, nil, nil)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	if !d.Running() {
		t.Error("Running should be true")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if d.Running() {
		t.Error("Running should be false after Stop")
	}
	// Stop again is a no-op
	if err := d.Stop(stopCtx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestRequeuePending(t *testing.T) {
	store := newTestStore(t)
	id1 := insertMessage(t, store, "Unanswered", classify.PriorityNotUrgent)
	id2 := insertMessage(t, store, "Answered", classify.PriorityNotUrgent)
	_ = store.SetAutoResponse(id2, "done")

	d := NewDispatcher(store, &fakeGenerator{}, nil, nil)
	n, err := d.RequeuePending(0)
	if err != nil {
		t.Fatalf("RequeuePending failed: %v", err)
	}
	if n != 1 || d.QueueLen() != 1 {
		t.Errorf("requeued %d (queue %d), want 1", n, d.QueueLen())
	}
	item, _ := d.queue.Pop()
	if item.EmailID != id1 {
		t.Errorf("queued id = %d, want %d", item.EmailID, id1)
	}
}
