// Package events provides a lossy fan-out broadcaster for pipeline events
// and their SSE wire framing.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"responder/pkg/logx"
	"responder/pkg/metrics"
)

// Event names published by the pipeline.
const (
	EventEmailCreated = "email_created"
	EventEmailUpdated = "email_updated"
	EventFetchCycle   = "fetch_cycle"
)

// KeepaliveInterval is how often SSE streams emit a comment frame so proxies
// keep the connection open.
const KeepaliveInterval = 15 * time.Second

// DefaultBufferSize bounds each subscriber channel. A subscriber that falls
// this far behind starts losing events rather than blocking publishers.
const DefaultBufferSize = 64

// Event is one broadcast message.
type Event struct {
	Name string
	Data json.RawMessage
}

// Frame renders the event in SSE wire format.
func (e Event) Frame() []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, e.Data))
}

// KeepaliveFrame is the SSE comment frame sent on idle streams.
func KeepaliveFrame() []byte {
	return []byte(": keepalive\n\n")
}

// Subscription is one receiver's bounded event channel.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// Broadcaster fans events out to subscribers without ever blocking the
// publisher: full subscriber channels drop the event.
type Broadcaster struct {
	subscribers map[*Subscription]struct{}
	recorder    *metrics.Recorder
	logger      *logx.Logger
	bufferSize  int
	mu          sync.RWMutex
}

// NewBroadcaster creates a broadcaster with the default subscriber buffer.
// recorder may be nil.
func NewBroadcaster(recorder *metrics.Recorder) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
		recorder:    recorder,
		logger:      logx.NewLogger("events"),
		bufferSize:  DefaultBufferSize,
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()

	if b.recorder != nil {
		b.recorder.SetSubscribers(n)
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
	if b.recorder != nil {
		b.recorder.SetSubscribers(n)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish marshals data to JSON and delivers the event to every subscriber
// that has room. Slow subscribers lose the event; the publisher never waits.
func (b *Broadcaster) Publish(name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("Failed to marshal %s event: %v", name, err)
		return
	}
	event := Event{Name: name, Data: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			if b.recorder != nil {
				b.recorder.IncEventDropped(name)
			}
			b.logger.Debug("Dropped %s event for slow subscriber", name)
		}
	}
}
