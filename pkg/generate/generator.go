// Package generate produces reply drafts for support messages. A closed set
// of remote providers sits behind one policy: pacing and backoff via gates,
// a hard per-call timeout, a single in-call retry on throttling, quota, and
// empty output, optional secondary-provider chaining, and a deterministic
// local template as the terminal fallback.
package generate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"responder/pkg/config"
	"responder/pkg/generate/llm"
	"responder/pkg/generate/llmerrors"
	"responder/pkg/limiter"
	"responder/pkg/logx"
	"responder/pkg/metrics"
	"responder/pkg/persistence"
)

// Sentinel replies stored when local fallback is disabled. They make
// provider trouble visible in the stored data instead of silently swallowing
// it.
const (
	SentinelUnavailable  = "[PROVIDER_UNAVAILABLE]"
	SentinelTimeout      = "[PROVIDER_TIMEOUT]"
	SentinelQuotaBackoff = "[PROVIDER_QUOTA_BACKOFF]"
	SentinelEmpty        = "[PROVIDER_EMPTY]"
	SentinelError        = "[PROVIDER_ERROR]"
)

const (
	defaultTemperature = 0.7
	// strictTemperature is used on the empty-output retry: lower variance
	// makes a blank completion much less likely.
	strictTemperature = 0.2
	// quotaRetryPromptTokens caps the salvage prompt after a quota error.
	quotaRetryPromptTokens = 1500
	minOutputTokens        = 64
)

// LastError is a diagnostic snapshot of the most recent provider failure.
type LastError struct {
	At       time.Time `json:"ts"`
	Type     string    `json:"error_type"`
	Message  string    `json:"error_message"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
}

// Generator drafts replies for messages using the configured provider chain.
type Generator struct {
	cfg       config.GeneratorConfig
	primary   llm.Client
	secondary llm.Client
	gates     *limiter.Registry
	retriever Retriever
	counter   *TokenCounter
	recorder  *metrics.Recorder
	logger    *logx.Logger
	lastErr   *LastError
	mu        sync.Mutex
}

// New builds a generator from config. Providers whose credential is missing
// come up nil; Generate then degrades to the terminal fallback. The registry
// gains one gate per remote provider in the chain.
func New(cfg config.GeneratorConfig, gates *limiter.Registry, retriever Retriever, recorder *metrics.Recorder) (*Generator, error) {
	counter, err := NewTokenCounter()
	if err != nil {
		return nil, err
	}

	g := &Generator{
		cfg:       cfg,
		gates:     gates,
		retriever: retriever,
		counter:   counter,
		recorder:  recorder,
		logger:    logx.NewLogger("generate"),
	}

	g.primary = g.buildClient(cfg.Provider)
	if cfg.SecondaryProvider != "" && cfg.SecondaryProvider != cfg.Provider {
		g.secondary = g.buildClient(cfg.SecondaryProvider)
	}

	for _, client := range []llm.Client{g.primary, g.secondary} {
		if client != nil {
			gates.Register(client.Name(), cfg.MinCallInterval)
		}
	}

	if g.primary == nil && cfg.Provider != config.ProviderTemplate {
		g.logger.Warn("Provider %s not usable (missing credential?); replies fall back to the local template", cfg.Provider)
	}
	return g, nil
}

func (g *Generator) buildClient(provider string) llm.Client {
	switch provider {
	case config.ProviderGemini:
		if key := config.APIKey(provider); key != "" {
			return llm.NewGeminiClient(key, g.cfg.GeminiModel)
		}
	case config.ProviderOpenAI:
		if key := config.APIKey(provider); key != "" {
			return llm.NewOpenAIClient(key, g.cfg.OpenAIModel)
		}
	case config.ProviderAnthropic:
		if key := config.APIKey(provider); key != "" {
			return llm.NewAnthropicClient(key, g.cfg.AnthropicModel)
		}
	case config.ProviderOllama:
		return llm.NewOllamaClient(g.cfg.OllamaHost, g.cfg.OllamaModel)
	}
	return nil
}

// Generate drafts a reply for msg. A returned error is a classified
// llmerrors.Error: the caller decides between retrying and going terminal via
// Fallback. A nil error with text means a usable reply (possibly the terminal
// fallback when providers are disabled or in backoff).
func (g *Generator) Generate(ctx context.Context, msg *persistence.Email) (string, error) {
	if g.cfg.ForceDisable {
		return g.terminal(msg, SentinelUnavailable), nil
	}
	if g.primary == nil {
		return g.terminal(msg, SentinelUnavailable), nil
	}

	gate, err := g.gates.Gate(g.primary.Name())
	if err != nil {
		return "", err
	}
	if blocked, remaining, reason := gate.Blocked(); blocked {
		g.logger.Info("Provider %s backoff active (%s, %s remaining); using terminal reply",
			g.primary.Name(), reason, remaining.Round(time.Second))
		return g.terminal(msg, SentinelQuotaBackoff), nil
	}

	if err := gate.Wait(ctx); err != nil {
		if errors.Is(err, limiter.ErrBackoff) {
			return g.terminal(msg, SentinelQuotaBackoff), nil
		}
		return "", err
	}

	prompt := buildPrompt(msg, g.retriever, g.counter)

	text, err := g.call(ctx, g.primary, prompt, defaultTemperature, g.cfg.MaxOutputTokens)
	if err != nil {
		provErr := llmerrors.Classify(g.primary.Name(), err)
		g.recordFailure(g.primary, provErr)

		switch {
		case provErr.Type == llmerrors.ErrorTypeRateLimit && provErr.StatusCode == 429:
			if text, ok := g.retryRateLimited(ctx, gate, prompt, provErr); ok {
				return text, nil
			}
		case provErr.Type == llmerrors.ErrorTypeRateLimit:
			if text, ok := g.retryTruncated(ctx, prompt); ok {
				return text, nil
			}
			g.blockGate(g.primary.Name(), gate, provErr)
		case provErr.Type == llmerrors.ErrorTypeEmptyResponse:
			if text, ok := g.retryStrict(ctx, prompt); ok {
				return text, nil
			}
			if g.secondary != nil {
				if text, secErr := g.trySecondary(ctx, prompt); secErr == nil {
					return text, nil
				}
			}
		}
		return "", provErr
	}

	g.logger.Info("Reply generated by %s (%s)", g.primary.Name(), g.primary.ModelName())
	return text, nil
}

// retryRateLimited waits out the server-suggested delay (or the configured
// default) and retries the call once. A second rate limit within the same
// Generate opens the extended cooldown window; calls made while it is open
// short-circuit at the gate without touching the network.
func (g *Generator) retryRateLimited(ctx context.Context, gate *limiter.Gate, prompt string, first *llmerrors.Error) (string, bool) {
	delay := first.RetryAfter
	if delay <= 0 {
		delay = g.cfg.RateLimitRetry
	}
	if err := sleepCtx(ctx, delay); err != nil {
		g.blockGate(g.primary.Name(), gate, first)
		return "", false
	}

	text, err := g.call(ctx, g.primary, prompt, defaultTemperature, g.cfg.MaxOutputTokens)
	if err == nil {
		g.logger.Info("Reply generated by %s after rate-limit retry", g.primary.Name())
		return text, true
	}
	provErr := llmerrors.Classify(g.primary.Name(), err)
	g.recordFailure(g.primary, provErr)
	if provErr.Type == llmerrors.ErrorTypeRateLimit {
		g.blockGate(g.primary.Name(), gate, provErr)
	}
	return "", false
}

// retryTruncated retries a quota-failed call once with an aggressively
// truncated prompt and a halved output cap, salvaging a smaller reply when
// the quota error was size-related.
func (g *Generator) retryTruncated(ctx context.Context, prompt string) (string, bool) {
	small := g.counter.TruncateToTokenLimit(prompt, quotaRetryPromptTokens)
	maxTokens := g.cfg.MaxOutputTokens / 2
	if maxTokens < minOutputTokens {
		maxTokens = minOutputTokens
	}

	text, err := g.call(ctx, g.primary, small, defaultTemperature, maxTokens)
	if err != nil {
		g.recordFailure(g.primary, llmerrors.Classify(g.primary.Name(), err))
		return "", false
	}
	g.logger.Info("Reply generated by %s with truncated prompt after quota error", g.primary.Name())
	return text, true
}

// retryStrict retries an empty completion once with a lower-variance prompt.
func (g *Generator) retryStrict(ctx context.Context, prompt string) (string, bool) {
	strict := prompt + "\n\nRespond with a short plain-text reply. Do not return an empty message."

	text, err := g.call(ctx, g.primary, strict, strictTemperature, g.cfg.MaxOutputTokens)
	if err != nil {
		g.recordFailure(g.primary, llmerrors.Classify(g.primary.Name(), err))
		return "", false
	}
	g.logger.Info("Reply generated by %s on strict retry", g.primary.Name())
	return text, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fallback produces the terminal reply after retries are exhausted or a
// non-retryable error occurred. It never fails.
func (g *Generator) Fallback(msg *persistence.Email, lastErr error) string {
	return g.terminal(msg, sentinelFor(lastErr))
}

// LocalFallbackEnabled reports whether terminal replies use the local
// template rather than sentinels.
func (g *Generator) LocalFallbackEnabled() bool {
	return g.cfg.LocalFallback
}

// Ping sends a tiny test prompt to the primary provider to validate
// configuration. Used by the diagnostics endpoint.
func (g *Generator) Ping(ctx context.Context) (string, error) {
	if g.primary == nil {
		return "", fmt.Errorf("no remote provider configured")
	}
	return g.call(ctx, g.primary, "Ping", defaultTemperature, minOutputTokens)
}

// Diagnostics reports the generator's configuration and most recent failure.
func (g *Generator) Diagnostics() map[string]any {
	g.mu.Lock()
	lastErr := g.lastErr
	g.mu.Unlock()

	diag := map[string]any{
		"provider":             g.cfg.Provider,
		"provider_usable":      g.primary != nil,
		"force_disabled":       g.cfg.ForceDisable,
		"using_local_fallback": g.cfg.LocalFallback,
		"timeout_seconds":      g.cfg.Timeout.Seconds(),
		"backoff_seconds":      g.cfg.QuotaBackoff.Seconds(),
	}
	if g.primary != nil {
		diag["model"] = g.primary.ModelName()
	}
	if g.secondary != nil {
		diag["secondary_provider"] = g.secondary.Name()
	}
	if lastErr != nil {
		diag["last_error"] = lastErr
	}
	return diag
}

func (g *Generator) call(ctx context.Context, client llm.Client, prompt string, temperature float32, maxTokens int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	text, err := client.Complete(callCtx, llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	duration := time.Since(start)

	if g.recorder != nil {
		errType := ""
		if err != nil {
			errType = llmerrors.TypeOf(err).String()
		}
		g.recorder.ObserveGeneration(client.Name(), err == nil, errType, duration)
	}
	return text, err
}

func (g *Generator) trySecondary(ctx context.Context, prompt string) (string, error) {
	gate, err := g.gates.Gate(g.secondary.Name())
	if err != nil {
		return "", err
	}
	if blocked, _, _ := gate.Blocked(); blocked {
		return "", limiter.ErrBackoff
	}
	if err := gate.Wait(ctx); err != nil {
		return "", err
	}

	text, err := g.call(ctx, g.secondary, prompt, defaultTemperature, g.cfg.MaxOutputTokens)
	if err != nil {
		provErr := llmerrors.Classify(g.secondary.Name(), err)
		g.recordFailure(g.secondary, provErr)
		return "", provErr
	}
	g.logger.Info("Reply generated by secondary provider %s", g.secondary.Name())
	return text, nil
}

// blockGate opens a backoff window sized by the failure: a plain 429 gets the
// short cooldown, quota exhaustion the long backoff.
func (g *Generator) blockGate(provider string, gate *limiter.Gate, provErr *llmerrors.Error) {
	reason := limiter.ReasonQuota
	window := g.cfg.QuotaBackoff
	if provErr.StatusCode == 429 {
		reason = limiter.ReasonRateLimit
		window = g.cfg.RateLimitCooldown
	}
	gate.Block(window, reason)
	if g.recorder != nil {
		g.recorder.IncThrottle(provider, reason)
	}
	g.logger.Warn("Provider %s throttled (%s): %s", provider, reason, provErr.Message)
}

func (g *Generator) recordFailure(client llm.Client, provErr *llmerrors.Error) {
	g.mu.Lock()
	g.lastErr = &LastError{
		At:       time.Now().UTC(),
		Type:     provErr.Type.String(),
		Message:  provErr.Error(),
		Provider: client.Name(),
		Model:    client.ModelName(),
	}
	g.mu.Unlock()
	g.logger.Error("Generation via %s failed: %v", client.Name(), provErr)
}

func (g *Generator) terminal(msg *persistence.Email, sentinel string) string {
	if g.cfg.LocalFallback {
		return LocalReply(msg)
	}
	return sentinel
}

func sentinelFor(err error) string {
	if err == nil {
		return SentinelUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SentinelTimeout
	}
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeRateLimit:
		return SentinelQuotaBackoff
	case llmerrors.ErrorTypeEmptyResponse:
		return SentinelEmpty
	default:
		return SentinelError
	}
}
