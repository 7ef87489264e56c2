package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded upstream call defaults
const (
	DefaultUpstreamTimeout = 10 * time.Second
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Launch   LaunchConfig   `yaml:"launch"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins allowed to call the token endpoint from a browser.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowedMethods   []string `yaml:"allowed_methods"`
}

// UpstreamConfig identifies the real identity provider behind the proxy.
type UpstreamConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Timeout      string `yaml:"timeout"`
}

// HTTPTimeout parses the configured upstream timeout, falling back to the
// default when unset or unparsable.
func (u UpstreamConfig) HTTPTimeout() time.Duration {
	if u.Timeout == "" {
		return DefaultUpstreamTimeout
	}
	return parseDuration(u.Timeout, DefaultUpstreamTimeout)
}

// LaunchConfig gates the launch-context proxy endpoints and sets SMART
// defaults.
type LaunchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultAudience string `yaml:"default_audience"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				Email:      "",
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedHeaders: DefaultCORSAllowedHeaders,
				AllowedMethods: DefaultCORSAllowedMethods,
			},
		},
		Upstream: UpstreamConfig{},
		Launch: LaunchConfig{
			Enabled: true,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SMARTPROXY_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SMARTPROXY_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SMARTPROXY_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SMARTPROXY_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SMARTPROXY_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SMARTPROXY_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SMARTPROXY_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SMARTPROXY_UPSTREAM_ISSUER":          func(v string) { cfg.Upstream.Issuer = v },
		"SMARTPROXY_UPSTREAM_CLIENT_ID":       func(v string) { cfg.Upstream.ClientID = v },
		"SMARTPROXY_UPSTREAM_CLIENT_SECRET":   func(v string) { cfg.Upstream.ClientSecret = v },
		"SMARTPROXY_UPSTREAM_TIMEOUT":         func(v string) { cfg.Upstream.Timeout = v },
		"SMARTPROXY_LAUNCH_ENABLED":           func(v string) { cfg.Launch.Enabled = parseBool(v, cfg.Launch.Enabled) },
		"SMARTPROXY_LAUNCH_DEFAULT_AUDIENCE":  func(v string) { cfg.Launch.DefaultAudience = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Dev mode can run against the built-in stub IdP, so the upstream block
	// is only mandatory in production.
	if !c.Server.DevMode {
		if c.Upstream.Issuer == "" {
			return errors.New("upstream.issuer is required in production mode")
		}
		if c.Upstream.ClientID == "" {
			return errors.New("upstream.client_id is required in production mode")
		}
	}

	if c.Upstream.Issuer != "" {
		if !strings.HasPrefix(c.Upstream.Issuer, "http://") && !strings.HasPrefix(c.Upstream.Issuer, "https://") {
			return fmt.Errorf("upstream.issuer must start with http:// or https://, got: %s", c.Upstream.Issuer)
		}
	}

	if c.Upstream.Timeout != "" {
		if _, err := time.ParseDuration(c.Upstream.Timeout); err != nil {
			return fmt.Errorf("upstream.timeout: invalid duration '%s': %w", c.Upstream.Timeout, err)
		}
	}

	return nil
}
