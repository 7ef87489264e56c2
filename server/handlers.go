package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// App bundles runtime dependencies for the HTTP service. All per-request
// state rides inside the redirect URLs themselves; the only shared data is
// the immutable upstream metadata and the pooled HTTP client.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Metadata *Metadata
	Client   *http.Client
	DevIdP   *DevIdP
}

// NewApp wires together the application state from configuration. Upstream
// metadata is resolved here, once, before the proxy accepts any traffic;
// resolution failure is fatal.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{Timeout: cfg.Upstream.HTTPTimeout()},
	}

	if cfg.Server.DevMode && cfg.Upstream.Issuer == "" {
		dev, err := NewDevIdP(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init dev idp: %w", err)
		}
		app.DevIdP = dev
		app.Metadata = dev.Metadata()
		logger.Info("using built-in dev identity provider", "issuer", dev.Issuer())
		return app, nil
	}

	md, err := ResolveMetadata(ctx, app.Client, cfg.Upstream.Issuer)
	if err != nil {
		return nil, err
	}
	app.Metadata = md
	logger.Info("resolved upstream metadata",
		"issuer", cfg.Upstream.Issuer,
		"authorize_endpoint", md.AuthorizeEndpoint,
		"token_endpoint", md.TokenEndpoint,
		"v2", md.IsV2)

	return app, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthorize rewrites an inbound SMART authorize request into a
// redirect to the real IdP. The client's state and launch blob are folded
// into a compound state, and the IdP is told to call back into this proxy
// rather than the client directly.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	responseType := q.Get("response_type")
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if responseType == "" || clientID == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "response_type, client_id and redirect_uri are required")
		return
	}
	if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri must be an absolute URL")
		return
	}

	aud := q.Get("aud")
	if aud == "" {
		aud = a.Config.Launch.DefaultAudience
	}
	if aud == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "aud is required")
		return
	}

	scope := q.Get("scope")

	newState := CompoundState{S: q.Get("state"), L: q.Get("launch")}.Encode()

	conf := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: a.callbackURL(redirectURI),
		Endpoint:    oauth2.Endpoint{AuthURL: a.Metadata.AuthorizeEndpoint},
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", responseType),
	}

	if a.Metadata.IsV2 {
		// v2 IdPs reject unqualified resource scopes, so every SMART scope
		// is rewritten against the audience before it goes on the wire.
		if scope == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "scope is required")
			return
		}
		conf.Scopes = strings.Fields(qualifyScopes(aud, scope))
	} else {
		opts = append(opts, oauth2.SetAuthURLParam("resource", aud))
		if scope != "" {
			conf.Scopes = strings.Fields(scope)
		}
	}

	http.Redirect(w, r, conf.AuthCodeURL(newState, opts...), http.StatusFound)
}

// handleCallback receives the IdP's redirect, unpacks the compound state and
// sends the browser back to the original client with a compound code that
// carries the launch context forward.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	encoded := chi.URLParam(r, "encodedRedirect")
	redirectBytes, err := decodeBase64URL(encoded)
	if err != nil {
		a.Logger.Warn("callback redirect segment invalid", "error", err)
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid callback path")
		return
	}
	clientRedirect, err := url.Parse(string(redirectBytes))
	if err != nil || !clientRedirect.IsAbs() {
		a.Logger.Warn("callback redirect not an absolute URL", "redirect", string(redirectBytes))
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid callback path")
		return
	}

	q := r.URL.Query()

	// Upstream denials go straight back to the client; there is no launch
	// context to restore on an error leg.
	if errCode := q.Get("error"); errCode != "" {
		values := clientRedirect.Query()
		values.Set("error", errCode)
		if desc := q.Get("error_description"); desc != "" {
			values.Set("error_description", desc)
		}
		clientRedirect.RawQuery = values.Encode()
		http.Redirect(w, r, clientRedirect.String(), http.StatusMovedPermanently)
		return
	}

	code := q.Get("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	cs, err := DecodeCompoundState(q.Get("state"))
	if err != nil {
		a.Logger.Error("callback state decode failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "cannot decode state")
		return
	}
	lc, err := DecodeLaunch(cs.L)
	if err != nil {
		a.Logger.Error("callback launch decode failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "cannot decode launch context")
		return
	}

	values := clientRedirect.Query()
	values.Set("code", EncodeCompoundCode(lc, code))
	if cs.S != "" {
		values.Set("state", cs.S)
	}
	if ss := q.Get("session_state"); ss != "" {
		values.Set("session_state", ss)
	}
	clientRedirect.RawQuery = values.Encode()

	http.Redirect(w, r, clientRedirect.String(), http.StatusMovedPermanently)
}

// handleToken exchanges a compound code with the real IdP and reinjects the
// launch context into the token response. Every other grant type is a pure
// pass-through.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	if r.PostFormValue("grant_type") != "authorization_code" {
		a.passthroughToken(w, r)
		return
	}

	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	if code == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code and redirect_uri are required")
		return
	}

	lc, realCode, err := DecodeCompoundCode(code)
	if err != nil {
		a.Logger.Error("token code decode failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "cannot decode code")
		return
	}

	// The redirect_uri must match what the IdP saw at authorize time, which
	// was this proxy's callback, not the client's own redirect.
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", realCode)
	form.Set("redirect_uri", a.callbackURL(redirectURI))
	if v := r.PostFormValue("client_id"); v != "" {
		form.Set("client_id", v)
	}
	if v := r.PostFormValue("client_secret"); v != "" {
		form.Set("client_secret", v)
	}

	resp, err := a.postTokenEndpoint(r.Context(), form)
	if err != nil {
		a.Logger.Error("upstream token exchange failed", "error", err)
		writeOAuthError(w, http.StatusBadGateway, "server_error", "upstream exchange failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.Logger.Error("read upstream token response", "error", err)
		writeOAuthError(w, http.StatusBadGateway, "server_error", "upstream exchange failed")
		return
	}

	// Upstream errors are returned verbatim so the client sees the IdP's
	// own error payload. No retries: codes are single-use.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	var tokenResp map[string]any
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		a.Logger.Error("parse upstream token response", "error", err)
		writeOAuthError(w, http.StatusBadGateway, "server_error", "malformed upstream token response")
		return
	}

	for _, key := range contextClaims {
		val, ok := lc[key]
		if !ok {
			continue
		}
		if _, present := tokenResp[key]; !present {
			tokenResp[key] = val
		}
	}

	if a.Config.Upstream.ClientID != "" {
		tokenResp["client_id"] = a.Config.Upstream.ClientID
	}
	if scope, ok := tokenResp["scope"].(string); ok {
		tokenResp["scope"] = unqualifyScopes(scope)
	}

	if idToken, ok := tokenResp["id_token"].(string); ok {
		a.logTokenSubject(r.Context(), idToken)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_ = json.NewEncoder(w).Encode(tokenResp)
}

// passthroughToken forwards a non-code grant (client_credentials and
// friends) to the IdP unmodified and mirrors the response back.
func (a *App) passthroughToken(w http.ResponseWriter, r *http.Request) {
	resp, err := a.postTokenEndpoint(r.Context(), r.PostForm)
	if err != nil {
		a.Logger.Error("upstream token passthrough failed", "error", err)
		writeOAuthError(w, http.StatusBadGateway, "server_error", "upstream exchange failed")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (a *App) postTokenEndpoint(ctx context.Context, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Metadata.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.Client.Do(req)
}

// callbackURL builds the proxy's own callback for a given client redirect.
// The same value must be produced at authorize and token time since IdPs
// check redirect_uri consistency across the two legs.
func (a *App) callbackURL(redirectURI string) string {
	return strings.TrimSuffix(a.Config.Server.PublicURL, "/") +
		"/callback/" + base64.RawURLEncoding.EncodeToString([]byte(redirectURI))
}

// logTokenSubject records who completed an exchange. The token is read
// without signature verification; the proxy never vouches for it, the log
// line is observability only.
func (a *App) logTokenSubject(ctx context.Context, idToken string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		a.Logger.Debug("id_token not parseable", "error", err)
		return
	}
	sub, _ := claims["sub"].(string)
	iss, _ := claims["iss"].(string)
	a.Logger.Debug("token exchange completed",
		"request_id", RequestIDFromContext(ctx),
		"sub", sub,
		"iss", iss)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

// IsDecodeError reports whether err stems from a malformed compound blob as
// opposed to a transport failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrStateDecode) || errors.Is(err, ErrLaunchDecode) || errors.Is(err, ErrCodeDecode)
}
