// Package config provides configuration loading and management for the responder.
//
// Configuration comes from three layers, lowest precedence first:
//
//  1. Built-in defaults.
//  2. An optional responder.yaml file in the working directory.
//  3. Environment variables.
//
// A single Config instance is held in memory behind a mutex. GetConfig
// returns it BY VALUE so callers cannot mutate shared state; runtime
// changes go through the Update* functions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"responder/pkg/logx"
)

// Provider names form a closed set selected once at startup.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderTemplate  = "template" // local deterministic replies only
)

// Source names for the discovery poller.
const (
	SourceMaildir = "maildir"
	SourceDemo    = "demo"
)

// GeneratorConfig controls the response generator and its provider policy.
type GeneratorConfig struct {
	Provider          string        `yaml:"provider"`           // one of the Provider* constants
	SecondaryProvider string        `yaml:"secondary_provider"` // chained on empty output, may be ""
	GeminiModel       string        `yaml:"gemini_model"`
	OpenAIModel       string        `yaml:"openai_model"`
	AnthropicModel    string        `yaml:"anthropic_model"`
	OllamaModel       string        `yaml:"ollama_model"`
	OllamaHost        string        `yaml:"ollama_host"`
	Timeout           time.Duration `yaml:"timeout"`
	MinCallInterval   time.Duration `yaml:"min_call_interval"`
	QuotaBackoff      time.Duration `yaml:"quota_backoff"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	RateLimitRetry    time.Duration `yaml:"rate_limit_retry"` // in-call retry delay when the server gives no hint
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	ForceDisable      bool          `yaml:"force_disable"`
	LocalFallback     bool          `yaml:"local_fallback"`
}

// PollerConfig controls the discovery poller.
type PollerConfig struct {
	Source     string        `yaml:"source"`
	Interval   time.Duration `yaml:"interval"`
	FetchLimit int           `yaml:"fetch_limit"`
	MaildirDir string        `yaml:"maildir_dir"`
	AutoStart  bool          `yaml:"auto_start"`
}

// ServerConfig controls the HTTP API surface.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	APIKeyHash string `yaml:"api_key_hash"` // bcrypt hash; empty disables auth
}

// Config is the full responder configuration.
type Config struct {
	Generator GeneratorConfig `yaml:"generator"`
	Poller    PollerConfig    `yaml:"poller"`
	Server    ServerConfig    `yaml:"server"`
	DBPath    string          `yaml:"db_path"`
	KBDir     string          `yaml:"kb_dir"`
	EventLog  string          `yaml:"event_log_dir"`
}

//nolint:gochecknoglobals // intentional singleton, guarded by mu
var (
	config *Config
	mu     sync.RWMutex
	logger *logx.Logger
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

func defaults() Config {
	return Config{
		Generator: GeneratorConfig{
			Provider:          ProviderGemini,
			GeminiModel:       "gemini-1.5-flash",
			OpenAIModel:       "gpt-4o",
			AnthropicModel:    "claude-sonnet-4-5",
			OllamaModel:       "llama3.1",
			OllamaHost:        "http://localhost:11434",
			Timeout:           8 * time.Second,
			MinCallInterval:   0,
			QuotaBackoff:      600 * time.Second,
			RateLimitCooldown: 60 * time.Second,
			RateLimitRetry:    2 * time.Second,
			MaxOutputTokens:   1024,
			LocalFallback:     true,
		},
		Poller: PollerConfig{
			Source:     SourceDemo,
			Interval:   120 * time.Second,
			FetchLimit: 20,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		DBPath:   "responder.db",
		KBDir:    "",
		EventLog: "logs",
	}
}

// Load initializes the singleton from defaults, an optional YAML file, and
// environment variables. Call once at startup.
func Load(yamlPath string) error {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse %s: %w", yamlPath, err)
			}
			getLogger().Info("Loaded config overlay from %s", yamlPath)
		case os.IsNotExist(err):
			getLogger().Debug("No config file at %s, using defaults + env", yamlPath)
		default:
			return fmt.Errorf("failed to read %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	mu.Lock()
	config = &cfg
	mu.Unlock()
	return nil
}

func applyEnv(cfg *Config) {
	envString("RESPONDER_PROVIDER", &cfg.Generator.Provider)
	envString("RESPONDER_SECONDARY_PROVIDER", &cfg.Generator.SecondaryProvider)
	envString("GEMINI_MODEL", &cfg.Generator.GeminiModel)
	envString("OPENAI_MODEL", &cfg.Generator.OpenAIModel)
	envString("ANTHROPIC_MODEL", &cfg.Generator.AnthropicModel)
	envString("OLLAMA_MODEL", &cfg.Generator.OllamaModel)
	envString("OLLAMA_HOST", &cfg.Generator.OllamaHost)
	envSeconds("RESPONDER_TIMEOUT", &cfg.Generator.Timeout)
	envSeconds("RESPONDER_MIN_CALL_INTERVAL", &cfg.Generator.MinCallInterval)
	envSeconds("RESPONDER_QUOTA_BACKOFF", &cfg.Generator.QuotaBackoff)
	envSeconds("RESPONDER_RATE_LIMIT_COOLDOWN", &cfg.Generator.RateLimitCooldown)
	envSeconds("RESPONDER_RATE_LIMIT_RETRY", &cfg.Generator.RateLimitRetry)
	envInt("RESPONDER_MAX_OUTPUT_TOKENS", &cfg.Generator.MaxOutputTokens)
	envBool("RESPONDER_FORCE_DISABLE", &cfg.Generator.ForceDisable)
	envBool("RESPONDER_LOCAL_FALLBACK", &cfg.Generator.LocalFallback)

	envString("RESPONDER_SOURCE", &cfg.Poller.Source)
	envSeconds("RESPONDER_POLL_INTERVAL", &cfg.Poller.Interval)
	envInt("RESPONDER_FETCH_LIMIT", &cfg.Poller.FetchLimit)
	envString("RESPONDER_MAILDIR", &cfg.Poller.MaildirDir)
	envBool("RESPONDER_AUTO_START_FETCH", &cfg.Poller.AutoStart)

	envString("RESPONDER_ADDR", &cfg.Server.Addr)
	envString("RESPONDER_API_KEY_HASH", &cfg.Server.APIKeyHash)
	envString("RESPONDER_DB", &cfg.DBPath)
	envString("RESPONDER_KB_DIR", &cfg.KBDir)
	envString("RESPONDER_EVENT_LOG_DIR", &cfg.EventLog)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true")
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			*dst = time.Duration(secs * float64(time.Second))
		}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	switch c.Generator.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderTemplate:
	default:
		return fmt.Errorf("unknown generator provider %q", c.Generator.Provider)
	}
	switch c.Generator.SecondaryProvider {
	case "", ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		return fmt.Errorf("unknown secondary provider %q", c.Generator.SecondaryProvider)
	}
	switch c.Poller.Source {
	case SourceMaildir, SourceDemo:
	default:
		return fmt.Errorf("unknown poller source %q", c.Poller.Source)
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("generator timeout must be positive")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Poller.FetchLimit <= 0 {
		return fmt.Errorf("fetch limit must be positive")
	}
	return nil
}

// GetConfig returns a copy of the current configuration.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config.Load must be called before GetConfig")
	}
	return *config, nil
}

// UpdateSource switches the poller's source at runtime. Used by the
// /api/fetch/mode endpoint.
func UpdateSource(source string) error {
	switch source {
	case SourceMaildir, SourceDemo:
	default:
		return fmt.Errorf("unknown poller source %q", source)
	}

	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return fmt.Errorf("config not loaded")
	}
	config.Poller.Source = source
	getLogger().Info("Poller source set to %s", source)
	return nil
}

// APIKey returns the provider credential for the named provider, consulting
// decrypted secrets first and then the conventional environment variable.
// Returns "" when no credential is configured.
func APIKey(provider string) string {
	var envKey string
	switch provider {
	case ProviderGemini:
		envKey = "GOOGLE_API_KEY"
	case ProviderOpenAI:
		envKey = "OPENAI_API_KEY"
	case ProviderAnthropic:
		envKey = "ANTHROPIC_API_KEY"
	default:
		return "" // ollama and template need no credential
	}
	if v := getSecret(envKey); v != "" {
		return v
	}
	return os.Getenv(envKey)
}

// Reset clears the singleton. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
}
