package generate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"responder/pkg/config"
	"responder/pkg/generate/llm"
	"responder/pkg/generate/llmerrors"
	"responder/pkg/limiter"
	"responder/pkg/metrics"
	"responder/pkg/persistence"
)

type stubClient struct {
	reply string
	err   error
	calls int
}

func (s *stubClient) Complete(_ context.Context, _ llm.Request) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubClient) Name() string      { return "stub" }
func (s *stubClient) ModelName() string { return "stub-model" }

func testMessage() *persistence.Email {
	return &persistence.Email{
		ID:         1,
		Sender:     "user@example.com",
		Subject:    "Cannot log in",
		Body:       "I forgot my password and now I am locked out.",
		Sentiment:  "Negative",
		Priority:   "Urgent",
		ReceivedAt: time.Now().UTC(),
	}
}

func testConfig() config.GeneratorConfig {
	return config.GeneratorConfig{
		Provider:          config.ProviderTemplate,
		Timeout:           2 * time.Second,
		QuotaBackoff:      600 * time.Second,
		RateLimitCooldown: 60 * time.Second,
		MaxOutputTokens:   256,
		LocalFallback:     false,
	}
}

func newTestGenerator(t *testing.T, cfg config.GeneratorConfig, primary llm.Client) (*Generator, *limiter.Registry) {
	t.Helper()
	gates := limiter.NewRegistry()
	g, err := New(cfg, gates, nil, metrics.NewRecorderForTesting())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if primary != nil {
		g.primary = primary
		gates.Register(primary.Name(), cfg.MinCallInterval)
	}
	return g, gates
}

func TestGenerateSuccess(t *testing.T) {
	g, _ := newTestGenerator(t, testConfig(), &stubClient{reply: "Here is how to reset it."})

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "Here is how to reset it." {
		t.Errorf("text = %q", text)
	}
}

func TestGenerateNoProviderReturnsSentinel(t *testing.T) {
	g, _ := newTestGenerator(t, testConfig(), nil)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != SentinelUnavailable {
		t.Errorf("text = %q, want unavailable sentinel", text)
	}
}

func TestGenerateNoProviderLocalFallback(t *testing.T) {
	cfg := testConfig()
	cfg.LocalFallback = true
	g, _ := newTestGenerator(t, cfg, nil)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(text, "Thanks for reaching out about your password issue.") {
		t.Errorf("expected password intro, got %q", text)
	}
	if !strings.Contains(text, "high priority") {
		t.Errorf("expected urgent action line, got %q", text)
	}
}

func TestGenerateForceDisable(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDisable = true
	stub := &stubClient{reply: "should not be called"}
	g, _ := newTestGenerator(t, cfg, stub)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != SentinelUnavailable {
		t.Errorf("text = %q", text)
	}
	if stub.calls != 0 {
		t.Errorf("provider called %d times despite force disable", stub.calls)
	}
}

func TestGenerateRateLimitBlocksGate(t *testing.T) {
	stub := &stubClient{err: llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "quota exceeded")}
	g, gates := newTestGenerator(t, testConfig(), stub)

	_, err := g.Generate(context.Background(), testMessage())
	if !llmerrors.Is(err, llmerrors.ErrorTypeRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	gate, _ := gates.Gate("stub")
	blocked, remaining, reason := gate.Blocked()
	if !blocked || reason != limiter.ReasonQuota {
		t.Errorf("gate = %v/%q, want quota block", blocked, reason)
	}
	if remaining < 9*time.Minute {
		t.Errorf("quota block remaining = %v, want ~600s", remaining)
	}

	// next attempt short-circuits to the terminal reply without a call
	before := stub.calls
	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate during backoff failed: %v", err)
	}
	if text != SentinelQuotaBackoff {
		t.Errorf("text = %q, want quota backoff sentinel", text)
	}
	if stub.calls != before {
		t.Error("provider called during backoff window")
	}
}

func TestGenerate429UsesShortCooldown(t *testing.T) {
	stub := &stubClient{err: llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, 429, "too many requests")}
	g, gates := newTestGenerator(t, testConfig(), stub)

	_, _ = g.Generate(context.Background(), testMessage())

	// one in-call retry before the cooldown opens
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
	gate, _ := gates.Gate("stub")
	_, remaining, reason := gate.Blocked()
	if reason != limiter.ReasonRateLimit {
		t.Errorf("reason = %q, want rate_limit", reason)
	}
	if remaining > time.Minute {
		t.Errorf("remaining = %v, want <= 60s", remaining)
	}

	// during the cooldown the provider is never contacted
	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate during cooldown failed: %v", err)
	}
	if text != SentinelQuotaBackoff {
		t.Errorf("text = %q, want quota backoff sentinel", text)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d after cooldown short-circuit, want 2", stub.calls)
	}
}

// flakyClient fails its first n calls, then succeeds, recording every request.
type flakyClient struct {
	failures int
	err      error
	reply    string
	calls    int
	reqs     []llm.Request
}

func (f *flakyClient) Complete(_ context.Context, req llm.Request) (string, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.calls <= f.failures {
		return "", f.err
	}
	return f.reply, nil
}

func (f *flakyClient) Name() string      { return "flaky" }
func (f *flakyClient) ModelName() string { return "flaky-model" }

func TestGenerate429RetrySucceeds(t *testing.T) {
	stub := &flakyClient{
		failures: 1,
		err:      llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, 429, "too many requests"),
		reply:    "made it on the second try",
	}
	g, gates := newTestGenerator(t, testConfig(), stub)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "made it on the second try" {
		t.Errorf("text = %q", text)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}

	gate, _ := gates.Gate("flaky")
	if blocked, _, _ := gate.Blocked(); blocked {
		t.Error("gate blocked after a successful retry")
	}
}

func TestGenerateQuotaRetryShrinksCall(t *testing.T) {
	stub := &flakyClient{
		failures: 1,
		err:      llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, 402, "payment required - quota exhausted"),
		reply:    "smaller reply",
	}
	g, gates := newTestGenerator(t, testConfig(), stub)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "smaller reply" {
		t.Errorf("text = %q", text)
	}
	if stub.calls != 2 {
		t.Fatalf("calls = %d, want 2", stub.calls)
	}
	if got, want := stub.reqs[1].MaxTokens, 128; got != want {
		t.Errorf("retry MaxTokens = %d, want %d", got, want)
	}
	if len(stub.reqs[1].Prompt) > len(stub.reqs[0].Prompt) {
		t.Error("retry prompt grew instead of shrinking")
	}

	gate, _ := gates.Gate("flaky")
	if blocked, _, _ := gate.Blocked(); blocked {
		t.Error("gate blocked after salvaged quota retry")
	}
}

func TestGenerateEmptyRetryLowersVariance(t *testing.T) {
	stub := &flakyClient{
		failures: 1,
		err:      llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content"),
		reply:    "strict reply",
	}
	g, _ := newTestGenerator(t, testConfig(), stub)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "strict reply" {
		t.Errorf("text = %q", text)
	}
	if stub.calls != 2 {
		t.Fatalf("calls = %d, want 2", stub.calls)
	}
	if stub.reqs[1].Temperature >= stub.reqs[0].Temperature {
		t.Errorf("retry temperature = %v, want below %v", stub.reqs[1].Temperature, stub.reqs[0].Temperature)
	}
	if !strings.Contains(stub.reqs[1].Prompt, "Do not return an empty message") {
		t.Error("retry prompt missing the strict instruction")
	}
}

func TestGenerateEmptyChainsSecondary(t *testing.T) {
	primary := &stubClient{err: llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content")}
	g, gates := newTestGenerator(t, testConfig(), primary)

	secondary := &secondaryStub{reply: "secondary reply"}
	g.secondary = secondary
	gates.Register(secondary.Name(), 0)

	text, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "secondary reply" {
		t.Errorf("text = %q", text)
	}
}

type secondaryStub struct {
	reply string
}

func (s *secondaryStub) Complete(_ context.Context, _ llm.Request) (string, error) {
	return s.reply, nil
}
func (s *secondaryStub) Name() string      { return "secondary" }
func (s *secondaryStub) ModelName() string { return "secondary-model" }

func TestGenerateTransientReturnsRetryableError(t *testing.T) {
	stub := &stubClient{err: errors.New("connection reset by peer")}
	g, _ := newTestGenerator(t, testConfig(), stub)

	_, err := g.Generate(context.Background(), testMessage())
	var provErr *llmerrors.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if provErr.Type != llmerrors.ErrorTypeTransient || !provErr.IsRetryable() {
		t.Errorf("error = %+v", provErr)
	}
}

func TestFallbackSentinels(t *testing.T) {
	g, _ := newTestGenerator(t, testConfig(), nil)
	msg := testMessage()

	cases := []struct {
		err  error
		want string
	}{
		{nil, SentinelUnavailable},
		{context.DeadlineExceeded, SentinelTimeout},
		{llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "x"), SentinelQuotaBackoff},
		{llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "x"), SentinelEmpty},
		{llmerrors.NewError(llmerrors.ErrorTypeAuth, "x"), SentinelError},
	}
	for _, tc := range cases {
		if got := g.Fallback(msg, tc.err); got != tc.want {
			t.Errorf("Fallback(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestLocalReplyExcerptCap(t *testing.T) {
	msg := testMessage()
	msg.Body = strings.Repeat("a", 500)
	msg.Priority = "Not urgent"

	text := LocalReply(msg)
	if !strings.Contains(text, strings.Repeat("a", 240)+"...") {
		t.Error("body excerpt should be capped at 240 chars")
	}
	if strings.Contains(text, strings.Repeat("a", 241)) {
		t.Error("excerpt exceeds cap")
	}
	if !strings.Contains(text, "We'll investigate and get back to you shortly.") {
		t.Error("expected default action line")
	}
	if !strings.Contains(text, "Kind regards,\nSupport Team") {
		t.Error("expected closing")
	}
}

func TestLocalReplyExcerptKeepsRunesIntact(t *testing.T) {
	msg := testMessage()
	msg.Body = strings.Repeat("é", 300)

	text := LocalReply(msg)
	if !utf8.ValidString(text) {
		t.Fatal("excerpt truncation produced invalid UTF-8")
	}
	if !strings.Contains(text, strings.Repeat("é", 240)+"...") {
		t.Error("excerpt should be capped at 240 runes")
	}
	if strings.Contains(text, strings.Repeat("é", 241)) {
		t.Error("excerpt exceeds rune cap")
	}
}

func TestDiagnostics(t *testing.T) {
	stub := &stubClient{err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")}
	g, _ := newTestGenerator(t, testConfig(), stub)

	_, _ = g.Generate(context.Background(), testMessage())

	diag := g.Diagnostics()
	if diag["provider_usable"] != true {
		t.Error("provider_usable should be true with a client set")
	}
	lastErr, ok := diag["last_error"].(*LastError)
	if !ok || lastErr.Type != "auth" {
		t.Errorf("last_error = %#v", diag["last_error"])
	}
}
