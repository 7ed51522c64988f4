// Package dispatch owns the response pipeline's priority queue and its
// single consumer worker: pop a message, draft a reply, persist it, and
// broadcast the update.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"responder/pkg/classify"
	"responder/pkg/events"
	"responder/pkg/generate/llmerrors"
	"responder/pkg/logx"
	"responder/pkg/metrics"
	"responder/pkg/persistence"
)

const (
	// maxAttempts caps generation attempts per message before the
	// deterministic fallback becomes the stored reply.
	maxAttempts = 3
	// errorDelay is the pause after a retryable generation failure.
	errorDelay = 3 * time.Second
	// emptyDelay is the shorter pause after the provider returned no text.
	emptyDelay = 2 * time.Second
	// idleDelay is the pause when the queue is empty.
	idleDelay = 2 * time.Second
)

// Dispatch outcomes recorded in metrics.
const (
	outcomeResponded = "responded"
	outcomeFallback  = "fallback"
	outcomeSkipped   = "skipped"
	outcomeRetried   = "retried"
	outcomeMissing   = "missing"
)

// ReplyGenerator drafts replies. *generate.Generator satisfies it.
type ReplyGenerator interface {
	// Generate drafts a reply; a returned error is retryable unless
	// classified otherwise.
	Generate(ctx context.Context, msg *persistence.Email) (string, error)
	// Fallback produces the terminal reply. It never fails.
	Fallback(msg *persistence.Email, lastErr error) string
}

// Dispatcher runs the single consumer worker over the priority queue.
type Dispatcher struct {
	queue       *Queue
	store       *persistence.Store
	generator   ReplyGenerator
	broadcaster *events.Broadcaster
	recorder    *metrics.Recorder
	logger      *logx.Logger
	attempts    map[int64]int
	shutdown    chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewDispatcher wires the worker to its queue, store, generator, and
// broadcaster. recorder may be nil.
func NewDispatcher(store *persistence.Store, generator ReplyGenerator, broadcaster *events.Broadcaster, recorder *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		queue:       NewQueue(),
		store:       store,
		generator:   generator,
		broadcaster: broadcaster,
		recorder:    recorder,
		logger:      logx.NewLogger("dispatch"),
		attempts:    make(map[int64]int),
		shutdown:    make(chan struct{}),
	}
}

// Enqueue queues a message for response generation.
func (d *Dispatcher) Enqueue(emailID int64, priority string) {
	d.queue.Push(emailID, priority)
	d.updateDepthMetrics()
	d.logger.Debug("Enqueued message %d (%s)", emailID, priority)
}

// QueueLen returns the total queue depth.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Depths returns the per-class queue depths.
func (d *Dispatcher) Depths() (urgent, normal int) {
	return d.queue.Depths()
}

// Snapshot returns the queued items in pop order.
func (d *Dispatcher) Snapshot() []QueuedItem {
	return d.queue.Snapshot()
}

// Running reports whether the worker is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.shutdown = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("Starting dispatch worker")
	d.wg.Add(1)
	go d.workerLoop(ctx)
	return nil
}

// Stop signals the worker and waits for it to finish, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("Stopping dispatch worker")
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch worker did not stop in time: %w", ctx.Err())
	}
}

// RequeuePending reloads unanswered pending messages from the store into the
// queue. Called at startup so a restart does not strand messages.
func (d *Dispatcher) RequeuePending(limit int) (int, error) {
	pending, err := d.store.PendingWithoutResponse(limit)
	if err != nil {
		return 0, err
	}
	for _, msg := range pending {
		d.Enqueue(msg.ID, msg.Priority)
	}
	if len(pending) > 0 {
		d.logger.Info("Requeued %d pending messages", len(pending))
	}
	return len(pending), nil
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}

		item, ok := d.queue.Pop()
		if !ok {
			if !d.sleep(ctx, idleDelay) {
				return
			}
			continue
		}
		d.updateDepthMetrics()
		d.process(ctx, item)
	}
}

func (d *Dispatcher) process(ctx context.Context, item QueuedItem) {
	msg, err := d.store.GetEmail(item.EmailID)
	if errors.Is(err, persistence.ErrNotFound) {
		d.logger.Warn("Queued message %d no longer exists", item.EmailID)
		d.finish(item.EmailID, outcomeMissing)
		return
	}
	if err != nil {
		d.logger.Error("Failed to load message %d: %v", item.EmailID, err)
		d.bumpAttempt(item.EmailID)
		d.retryOrFallback(ctx, item, nil, err)
		return
	}

	if msg.AutoResponse != nil && *msg.AutoResponse != "" {
		d.logger.Debug("Message %d already has a reply, skipping", msg.ID)
		d.finish(msg.ID, outcomeSkipped)
		return
	}

	attempt := d.bumpAttempt(msg.ID)

	text, err := d.generator.Generate(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("Generation attempt %d/%d for message %d failed: %v", attempt, maxAttempts, msg.ID, err)
		d.retryOrFallback(ctx, item, msg, err)
		return
	}

	d.storeReply(msg.ID, text, outcomeResponded)
}

// retryOrFallback requeues a failed message with the error delay, or stores
// the terminal fallback once attempts are exhausted or the error is not
// retryable. A message that could not even be loaded (msg == nil) has no
// reply to store; its job is dropped once the ceiling is hit.
func (d *Dispatcher) retryOrFallback(ctx context.Context, item QueuedItem, msg *persistence.Email, cause error) {
	d.mu.Lock()
	attempt := d.attempts[item.EmailID]
	d.mu.Unlock()

	retryable := true
	var provErr *llmerrors.Error
	if errors.As(cause, &provErr) {
		retryable = provErr.IsRetryable()
	}

	if msg == nil && (!retryable || attempt >= maxAttempts) {
		d.logger.Warn("Dropping job for message %d after %d failed load(s)", item.EmailID, attempt)
		d.finish(item.EmailID, outcomeMissing)
		return
	}

	if msg != nil && (!retryable || attempt >= maxAttempts) {
		text := d.generator.Fallback(msg, cause)
		d.logger.Info("Message %d going terminal after %d attempt(s)", msg.ID, attempt)
		d.storeReply(msg.ID, text, outcomeFallback)
		return
	}

	if d.recorder != nil {
		d.recorder.IncDispatch(outcomeRetried)
	}
	if !d.sleep(ctx, retryDelayFor(cause)) {
		return
	}
	priority := item.Priority
	if priority == "" {
		priority = classify.PriorityNotUrgent
	}
	d.queue.Push(item.EmailID, priority)
	d.updateDepthMetrics()
}

func (d *Dispatcher) storeReply(emailID int64, text, outcome string) {
	if err := d.store.SetAutoResponse(emailID, text); err != nil {
		d.logger.Error("Failed to store reply for message %d: %v", emailID, err)
		d.finish(emailID, outcomeMissing)
		return
	}
	d.finish(emailID, outcome)

	if d.broadcaster != nil {
		d.broadcaster.Publish(events.EventEmailUpdated, map[string]any{
			"id":     emailID,
			"status": persistence.StatusResponded,
		})
	}
	d.logger.Info("Message %d responded (%s)", emailID, outcome)
}

func (d *Dispatcher) bumpAttempt(emailID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[emailID]++
	return d.attempts[emailID]
}

func (d *Dispatcher) finish(emailID int64, outcome string) {
	d.mu.Lock()
	delete(d.attempts, emailID)
	d.mu.Unlock()
	if d.recorder != nil {
		d.recorder.IncDispatch(outcome)
	}
}

// retryDelayFor picks the pause before a re-push: empty completions come
// back faster than hard provider errors.
func retryDelayFor(cause error) time.Duration {
	if llmerrors.TypeOf(cause) == llmerrors.ErrorTypeEmptyResponse {
		return emptyDelay
	}
	return errorDelay
}

// sleep waits for the duration, returning false when the worker should exit.
func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.shutdown:
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) updateDepthMetrics() {
	if d.recorder == nil {
		return
	}
	urgent, normal := d.queue.Depths()
	d.recorder.SetQueueDepth("urgent", urgent)
	d.recorder.SetQueueDepth("normal", normal)
}
