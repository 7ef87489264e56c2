// Package client is a small helper library for SMART-on-FHIR applications
// talking to the launch-context proxy: it builds launch blobs and authorize
// URLs, exchanges compound codes, and surfaces the launch fields the proxy
// injects into token responses.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Config configures the proxy client.
type Config struct {
	ProxyURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Audience     string
	Scopes       []string
	HTTPClient   *http.Client
}

// Client drives the authorization-code flow against the proxy.
type Client struct {
	cfg   Config
	oauth *oauth2.Config
}

// TokenResult bundles the OAuth token with the SMART launch fields the proxy
// carried through the flow.
type TokenResult struct {
	Token             *oauth2.Token
	Patient           string
	Encounter         string
	Practitioner      string
	NeedPatientBanner string
	SmartStyleURL     string
	Scope             string
}

// New validates the configuration and prepares the OAuth client.
func New(cfg Config) (*Client, error) {
	if cfg.ProxyURL == "" {
		return nil, errors.New("proxy URL required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID required")
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("redirect URI required")
	}

	base := strings.TrimSuffix(cfg.ProxyURL, "/")
	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/authorize",
				TokenURL:  base + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}, nil
}

// AuthCodeURL builds the authorize URL carrying the audience and an optional
// launch context. The launch map is serialized as base64url(JSON), the form
// the proxy expects.
func (c *Client) AuthCodeURL(state string, launch map[string]string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("aud", c.cfg.Audience),
	}
	if len(launch) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("launch", EncodeLaunch(launch)))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// Exchange swaps the compound code received on the redirect for tokens and
// unpacks the launch fields from the response.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResult, error) {
	if c.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	res := &TokenResult{Token: tok}
	res.Patient = extraString(tok, "patient")
	res.Encounter = extraString(tok, "encounter")
	res.Practitioner = extraString(tok, "practitioner")
	res.NeedPatientBanner = extraString(tok, "need_patient_banner")
	res.SmartStyleURL = extraString(tok, "smart_style_url")
	res.Scope = extraString(tok, "scope")
	return res, nil
}

// EncodeLaunch serializes a launch context map into the base64url(JSON) form
// carried on the authorize request.
func EncodeLaunch(launch map[string]string) string {
	b, _ := json.Marshal(launch)
	return base64.RawURLEncoding.EncodeToString(b)
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}
