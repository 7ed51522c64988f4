package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Setenv("RESPONDER_PROVIDER", "")

	if err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}

	if cfg.Generator.Provider != ProviderGemini {
		t.Errorf("default provider = %q, want %q", cfg.Generator.Provider, ProviderGemini)
	}
	if cfg.Generator.Timeout != 8*time.Second {
		t.Errorf("default timeout = %v, want 8s", cfg.Generator.Timeout)
	}
	if cfg.Generator.QuotaBackoff != 600*time.Second {
		t.Errorf("default quota backoff = %v, want 600s", cfg.Generator.QuotaBackoff)
	}
	if cfg.Poller.Interval != 120*time.Second {
		t.Errorf("default poll interval = %v, want 120s", cfg.Poller.Interval)
	}
	if cfg.Poller.FetchLimit != 20 {
		t.Errorf("default fetch limit = %d, want 20", cfg.Poller.FetchLimit)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	Reset()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "responder.yaml")
	yamlBody := "generator:\n  provider: openai\n  timeout: 4s\npoller:\n  fetch_limit: 5\n"
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RESPONDER_PROVIDER", "anthropic")

	if err := Load(yamlPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, _ := GetConfig()

	if cfg.Generator.Provider != ProviderAnthropic {
		t.Errorf("provider = %q, want env value anthropic", cfg.Generator.Provider)
	}
	if cfg.Generator.Timeout != 4*time.Second {
		t.Errorf("timeout = %v, want yaml value 4s", cfg.Generator.Timeout)
	}
	if cfg.Poller.FetchLimit != 5 {
		t.Errorf("fetch limit = %d, want yaml value 5", cfg.Poller.FetchLimit)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	Reset()
	t.Setenv("RESPONDER_PROVIDER", "cohere")
	if err := Load(""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestUpdateSource(t *testing.T) {
	Reset()
	t.Setenv("RESPONDER_PROVIDER", "")
	if err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := UpdateSource(SourceMaildir); err != nil {
		t.Fatalf("UpdateSource failed: %v", err)
	}
	cfg, _ := GetConfig()
	if cfg.Poller.Source != SourceMaildir {
		t.Errorf("source = %q, want maildir", cfg.Poller.Source)
	}

	if err := UpdateSource("imap"); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := map[string]string{
		"GOOGLE_API_KEY": "test-google-key",
		"OPENAI_API_KEY": "test-openai-key",
	}

	if err := EncryptSecretsFile(dir, "correct horse", in); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}
	if !SecretsFileExists(dir) {
		t.Fatal("secrets file should exist after encryption")
	}

	out, err := DecryptSecretsFile(dir, "correct horse")
	if err != nil {
		t.Fatalf("DecryptSecretsFile failed: %v", err)
	}
	if out["GOOGLE_API_KEY"] != "test-google-key" {
		t.Errorf("GOOGLE_API_KEY = %q", out["GOOGLE_API_KEY"])
	}

	if _, err := DecryptSecretsFile(dir, "wrong password"); err == nil {
		t.Fatal("expected decryption failure with wrong password")
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "env-key")
	SetDecryptedSecrets(map[string]string{"GOOGLE_API_KEY": "secret-key"})
	defer SetDecryptedSecrets(nil)

	if got := APIKey(ProviderGemini); got != "secret-key" {
		t.Errorf("APIKey = %q, want secrets file to win", got)
	}

	SetDecryptedSecrets(nil)
	if got := APIKey(ProviderGemini); got != "env-key" {
		t.Errorf("APIKey = %q, want env fallback", got)
	}

	if got := APIKey(ProviderOllama); got != "" {
		t.Errorf("APIKey(ollama) = %q, want empty", got)
	}
}
