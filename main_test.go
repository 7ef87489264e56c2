package main

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"smartproxy/server"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"err", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMinTLSVersion(t *testing.T) {
	if got := minTLSVersion("1.3"); got != tls.VersionTLS13 {
		t.Fatalf("minTLSVersion(1.3) = %x", got)
	}
	if got := minTLSVersion("1.2"); got != tls.VersionTLS12 {
		t.Fatalf("minTLSVersion(1.2) = %x", got)
	}
	if got := minTLSVersion(""); got != tls.VersionTLS12 {
		t.Fatalf("empty version should default to 1.2, got %x", got)
	}
}

func TestProbeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if err := probeURL(context.Background(), srv.URL+"/ok"); err != nil {
		t.Fatalf("probe of healthy URL failed: %v", err)
	}
	if err := probeURL(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatalf("probe of 404 URL should fail")
	}
}

func TestConfigInitRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if !cfg.Server.DevMode {
		t.Fatalf("generated config should default to dev mode")
	}

	if err := runConfigInit(path); err == nil {
		t.Fatalf("runConfigInit should refuse to overwrite an existing file")
	}
}

func TestRunConfigValidateSkipsProbeWithoutIssuer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConfigValidate(path, logger); err != nil {
		t.Fatalf("validate without issuer should pass: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), logger); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
