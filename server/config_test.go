package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:8080
  dev_mode: true
upstream:
  issuer: https://idp.example.com
  client_id: proxy-app
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SMARTPROXY_SERVER_PUBLIC_URL", "https://proxy.example.com")
	t.Setenv("SMARTPROXY_UPSTREAM_CLIENT_ID", "override-app")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://proxy.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Upstream.ClientID != "override-app" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.Upstream.ClientID)
	}
}

func TestConfigValidateRequiresUpstreamInProduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = []string{"proxy.example.com"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no upstream issuer configured in production")
	}

	cfg.Upstream.Issuer = "https://idp.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no upstream client_id configured in production")
	}

	cfg.Upstream.ClientID = "proxy-app"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid production config: %v", err)
	}
}

func TestConfigValidateAllowsDevWithoutUpstream(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev mode should not require upstream config: %v", err)
	}
}

func TestConfigValidateRejectsBadIssuer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Issuer = "idp.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for issuer without scheme")
	}
}

func TestConfigValidateRejectsBadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Timeout = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unparsable timeout")
	}
}

func TestUpstreamHTTPTimeout(t *testing.T) {
	u := UpstreamConfig{}
	if u.HTTPTimeout() != DefaultUpstreamTimeout {
		t.Fatalf("expected default timeout when unset")
	}
	u.Timeout = "3s"
	if u.HTTPTimeout() != 3*time.Second {
		t.Fatalf("expected parsed timeout, got %s", u.HTTPTimeout())
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:8080
  dev_mode: true
  unknown_field: value
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown config field")
	}
}

func TestStripYAMLComments(t *testing.T) {
	in := []byte("server:\n  # a comment\n  dev_mode: true\n")
	out := stripYAMLComments(in)
	if string(out) != "server:\n  dev_mode: true\n" {
		t.Fatalf("unexpected output: %q", string(out))
	}
}
