// Package limiter paces outbound provider calls and tracks backoff windows
// after quota or rate-limit responses.
package limiter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Block reasons recorded on a gate.
const (
	ReasonQuota     = "quota"
	ReasonRateLimit = "rate_limit"
)

var (
	// ErrBackoff is returned by Wait while a gate's block window is open.
	ErrBackoff = fmt.Errorf("provider in backoff window")
	// ErrUnknownProvider is returned for gates that were never registered.
	ErrUnknownProvider = fmt.Errorf("provider not configured")
)

const maxJitter = 250 * time.Millisecond

// Gate serializes calls to one provider: a minimum interval between calls
// plus 0-250ms of jitter, and a block window opened after quota or
// rate-limit errors.
type Gate struct {
	lastCall     time.Time
	blockedUntil time.Time
	now          func() time.Time
	name         string
	reason       string
	minInterval  time.Duration
	mu           sync.Mutex
}

// NewGate creates a gate for one provider.
func NewGate(name string, minInterval time.Duration) *Gate {
	return &Gate{
		name:        name,
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Wait blocks until the gate's pacing interval has elapsed, then records the
// call. Returns ErrBackoff immediately when a block window is open, and the
// context error if ctx is cancelled while pacing.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := g.now()
	if now.Before(g.blockedUntil) {
		remaining := g.blockedUntil.Sub(now)
		reason := g.reason
		g.mu.Unlock()
		return fmt.Errorf("%s blocked for %s (%s): %w", g.name, remaining.Round(time.Second), reason, ErrBackoff)
	}

	var wait time.Duration
	if g.minInterval > 0 && !g.lastCall.IsZero() {
		elapsed := now.Sub(g.lastCall)
		if elapsed < g.minInterval {
			wait = g.minInterval - elapsed
		}
	}
	if wait > 0 {
		wait += time.Duration(rand.Int63n(int64(maxJitter)))
	}
	g.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	g.mu.Lock()
	g.lastCall = g.now()
	g.mu.Unlock()
	return nil
}

// Block opens a block window for the given duration, replacing any shorter
// window already open.
func (g *Gate) Block(d time.Duration, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(d)
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
		g.reason = reason
	}
}

// Clear closes any open block window.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedUntil = time.Time{}
	g.reason = ""
}

// Blocked reports whether a block window is open, with the remaining duration
// and the recorded reason.
func (g *Gate) Blocked() (bool, time.Duration, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Before(g.blockedUntil) {
		return true, g.blockedUntil.Sub(now), g.reason
	}
	return false, 0, ""
}

// Registry holds one gate per provider.
type Registry struct {
	gates map[string]*Gate
	mu    sync.RWMutex
}

// NewRegistry creates an empty gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

// Register adds a gate for a provider, replacing any existing one.
func (r *Registry) Register(name string, minInterval time.Duration) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := NewGate(name, minInterval)
	r.gates[name] = g
	return g
}

// Gate returns the gate for a provider.
func (r *Registry) Gate(name string) (*Gate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownProvider)
	}
	return g, nil
}

// GateStatus is a point-in-time view of one gate, for status endpoints.
type GateStatus struct {
	Provider         string  `json:"provider"`
	Blocked          bool    `json:"blocked"`
	BlockReason      string  `json:"block_reason,omitempty"`
	RemainingSeconds float64 `json:"remaining_seconds,omitempty"`
}

// Status snapshots every registered gate.
func (r *Registry) Status() []GateStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]GateStatus, 0, len(r.gates))
	for name, g := range r.gates {
		blocked, remaining, reason := g.Blocked()
		statuses = append(statuses, GateStatus{
			Provider:         name,
			Blocked:          blocked,
			BlockReason:      reason,
			RemainingSeconds: remaining.Seconds(),
		})
	}
	return statuses
}
