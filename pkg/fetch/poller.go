package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"responder/pkg/classify"
	"responder/pkg/config"
	"responder/pkg/events"
	"responder/pkg/logx"
	"responder/pkg/metrics"
	"responder/pkg/persistence"
)

// Enqueuer hands a persisted message to the dispatch worker.
// *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(emailID int64, priority string)
}

// CycleSummary records the outcome of the most recent fetch cycle.
type CycleSummary struct {
	At       time.Time `json:"at"`
	Source   string    `json:"source"`
	Error    string    `json:"error,omitempty"`
	Fetched  int       `json:"fetched"`
	Ingested int       `json:"ingested"`
}

// Poller runs the configured source on an interval and feeds new messages
// into persistence and the dispatch queue. Generation is never done inline
// here; the dispatch worker serializes provider calls.
type Poller struct {
	store       *persistence.Store
	enqueuer    Enqueuer
	broadcaster *events.Broadcaster
	recorder    *metrics.Recorder
	logger      *logx.Logger

	// source overrides config-driven selection when set; tests use this.
	source Source

	shutdown chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   bool
	lastCycle CycleSummary
}

func NewPoller(store *persistence.Store, enqueuer Enqueuer, broadcaster *events.Broadcaster, recorder *metrics.Recorder) *Poller {
	return &Poller{
		store:       store,
		enqueuer:    enqueuer,
		broadcaster: broadcaster,
		recorder:    recorder,
		logger:      logx.NewLogger("poller"),
	}
}

// Running reports whether the background loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastCycle returns a copy of the most recent cycle summary.
func (p *Poller) LastCycle() CycleSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCycle
}

// Start launches the background poll loop. Starting a running poller is an
// error; stop it first.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.shutdown = make(chan struct{})
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("Poller started")
	return nil
}

// Stop signals the loop to exit and waits for it, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.shutdown)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Poller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller stop: %w", ctx.Err())
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		summary := p.runCycle(ctx)
		if summary.Error != "" {
			p.logger.Warn("Fetch cycle failed (source=%s): %s", summary.Source, summary.Error)
		} else if summary.Fetched > 0 {
			p.logger.Info("Fetch cycle: source=%s fetched=%d ingested=%d",
				summary.Source, summary.Fetched, summary.Ingested)
		} else {
			p.logger.Debug("Fetch cycle empty (source=%s)", summary.Source)
		}

		interval := 2 * time.Minute
		if cfg, err := config.GetConfig(); err == nil {
			interval = cfg.Poller.Interval
		}
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce executes a single fetch cycle immediately, outside the interval
// schedule. Safe to call whether or not the loop is running.
func (p *Poller) RunOnce(ctx context.Context) CycleSummary {
	return p.runCycle(ctx)
}

func (p *Poller) runCycle(ctx context.Context) CycleSummary {
	summary := CycleSummary{At: time.Now().UTC()}

	cfg, err := config.GetConfig()
	if err != nil {
		summary.Error = err.Error()
		return summary
	}

	source := p.source
	if source == nil {
		source = selectSource(cfg)
	}
	summary.Source = source.Name()

	messages, err := source.Fetch(ctx, cfg.Poller.FetchLimit)
	p.recorder.IncFetchCycle(summary.Source, err)
	if err != nil {
		summary.Error = err.Error()
		p.finishCycle(summary)
		return summary
	}
	summary.Fetched = len(messages)

	for _, msg := range messages {
		inserted, err := p.ingest(msg, summary.Source)
		if err != nil {
			p.logger.Warn("Ingest failed (sender=%s): %v", msg.Sender, err)
			p.recorder.IncIngested(summary.Source, "error")
			continue
		}
		if inserted {
			summary.Ingested++
		}
	}

	p.finishCycle(summary)
	return summary
}

func (p *Poller) finishCycle(summary CycleSummary) {
	p.mu.Lock()
	p.lastCycle = summary
	p.mu.Unlock()
	p.broadcaster.Publish(events.EventFetchCycle, summary)
}

// ingest dedupes, classifies, persists, and enqueues one raw message.
// Returns false when the message was already known.
func (p *Poller) ingest(msg Inbound, source string) (bool, error) {
	if msg.ExternalID != "" {
		known, err := p.store.ExistsExternal(source, msg.ExternalID)
		if err != nil {
			return false, err
		}
		if known {
			p.recorder.IncIngested(source, "duplicate")
			return false, nil
		}
	} else {
		known, err := p.store.Exists(msg.Sender, msg.Subject, msg.ReceivedAt)
		if err != nil {
			return false, err
		}
		if known {
			p.recorder.IncIngested(source, "duplicate")
			return false, nil
		}
	}

	email := &persistence.Email{
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
		Sentiment:  classify.Sentiment(msg.Body),
		Priority:   classify.Priority(msg.Body),
		Status:     persistence.StatusPending,
		Source:     source,
	}
	if msg.ExternalID != "" {
		extID := msg.ExternalID
		email.ExternalID = &extID
	}

	id, err := p.store.InsertEmail(email)
	if err != nil {
		return false, err
	}

	p.enqueuer.Enqueue(id, email.Priority)
	p.recorder.IncIngested(source, "inserted")
	p.broadcaster.Publish(events.EventEmailCreated, map[string]any{
		"id":        id,
		"subject":   email.Subject,
		"sender":    email.Sender,
		"priority":  email.Priority,
		"sentiment": email.Sentiment,
		"source":    source,
	})
	return true, nil
}

func selectSource(cfg config.Config) Source {
	switch cfg.Poller.Source {
	case config.SourceMaildir:
		return NewMaildirSource(cfg.Poller.MaildirDir)
	default:
		return DemoSource{}
	}
}
