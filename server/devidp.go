package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const devTokenTTL = 10 * time.Minute

// DevIdP is a minimal in-process identity provider for development. It
// skips the login screen entirely: every authorize request is approved for a
// fixed dev user and answered with a single-use code. Tokens are RS256
// signed so the proxied response looks like a real IdP's; the proxy itself
// never verifies them.
type DevIdP struct {
	mu     sync.Mutex
	codes  map[string]devGrant
	key    *rsa.PrivateKey
	kid    string
	issuer string
	logger *slog.Logger
}

type devGrant struct {
	ClientID    string
	RedirectURI string
	Scope       string
	Nonce       string
	CreatedAt   time.Time
}

// NewDevIdP generates an ephemeral signing key. Nothing is persisted; a
// restart invalidates all outstanding dev tokens, which is fine for local
// work.
func NewDevIdP(cfg Config, logger *slog.Logger) (*DevIdP, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate dev signing key: %w", err)
	}

	sum := sha256.Sum256(key.PublicKey.N.Bytes())
	kid := hex.EncodeToString(sum[:8])

	return &DevIdP{
		codes:  make(map[string]devGrant),
		key:    key,
		kid:    kid,
		issuer: strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/dev/idp",
		logger: logger,
	}, nil
}

// Issuer returns the stub's issuer URL.
func (d *DevIdP) Issuer() string { return d.issuer }

// Metadata synthesizes resolver output without an HTTP round trip, since the
// stub lives on the same listener that is not serving yet at startup.
func (d *DevIdP) Metadata() *Metadata {
	return &Metadata{
		AuthorizeEndpoint: d.issuer + "/authorize",
		TokenEndpoint:     d.issuer + "/token",
		IsV2:              false,
	}
}

// Mount registers the stub's endpoints on the proxy router.
func (d *DevIdP) Mount(r chi.Router) {
	r.Get("/dev/idp/.well-known/openid-configuration", d.handleDiscovery)
	r.Get("/dev/idp/authorize", d.handleAuthorize)
	r.Post("/dev/idp/token", d.handleToken)
	r.Get("/dev/idp/jwks.json", d.handleJWKS)
}

func (d *DevIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 d.issuer,
		"authorization_endpoint": d.issuer + "/authorize",
		"token_endpoint":         d.issuer + "/token",
		"jwks_uri":               d.issuer + "/jwks.json",
		"response_types_supported": []string{"code"},
		"grant_types_supported":    []string{"authorization_code", "client_credentials"},
	})
}

func (d *DevIdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil || !redirect.IsAbs() {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri must be an absolute URL")
		return
	}

	code := randomID()
	d.mu.Lock()
	d.codes[code] = devGrant{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       q.Get("scope"),
		Nonce:       q.Get("nonce"),
		CreatedAt:   time.Now(),
	}
	d.mu.Unlock()

	values := redirect.Query()
	values.Set("code", code)
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	values.Set("session_state", randomID())
	redirect.RawQuery = values.Encode()

	d.logger.Debug("dev idp issued code", "client_id", clientID)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (d *DevIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		d.handleTokenAuthorizationCode(w, r)
	case "client_credentials":
		d.handleTokenClientCredentials(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (d *DevIdP) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")

	d.mu.Lock()
	grant, ok := d.codes[code]
	if ok {
		delete(d.codes, code)
	}
	d.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code invalid or already used")
		return
	}
	if got := r.PostFormValue("redirect_uri"); got != grant.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	accessToken, err := d.mintToken("dev-user", grant.ClientID, grant.Scope, nil)
	if err != nil {
		d.logger.Error("dev idp mint access token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	idToken, err := d.mintToken("dev-user", grant.ClientID, "", map[string]any{
		"email": "dev@example.com",
		"name":  "Dev User",
		"nonce": grant.Nonce,
	})
	if err != nil {
		d.logger.Error("dev idp mint id token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(devTokenTTL.Seconds()),
		"scope":        grant.Scope,
		"id_token":     idToken,
	})
}

func (d *DevIdP) handleTokenClientCredentials(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	accessToken, err := d.mintToken(clientID, clientID, r.PostFormValue("scope"), nil)
	if err != nil {
		d.logger.Error("dev idp mint access token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(devTokenTTL.Seconds()),
		"scope":        r.PostFormValue("scope"),
	})
}

func (d *DevIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{
		Key:       &d.key.PublicKey,
		KeyID:     d.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func (d *DevIdP) mintToken(sub, aud, scope string, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": d.issuer,
		"sub": sub,
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(devTokenTTL).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		claims[k] = v
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = d.kid
	return tok.SignedString(d.key)
}
