package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Metadata holds the upstream IdP endpoints resolved once at startup and
// treated as immutable for the process lifetime.
type Metadata struct {
	AuthorizeEndpoint string
	TokenEndpoint     string
	IsV2              bool
}

// OpenIDConfigurationError reports an unusable upstream discovery document.
// Resolution failure is fatal: the proxy cannot operate without endpoints.
type OpenIDConfigurationError struct {
	Issuer string
	Err    error
}

func (e *OpenIDConfigurationError) Error() string {
	return fmt.Sprintf("openid configuration for %s: %v", e.Issuer, e.Err)
}

func (e *OpenIDConfigurationError) Unwrap() error { return e.Err }

// ResolveMetadata fetches {issuer}/.well-known/openid-configuration and
// extracts the authorization and token endpoints. The v2 generation is
// detected from a v2.0 segment in the issuer path, which changes how the
// audience is forwarded on authorize requests.
func ResolveMetadata(ctx context.Context, client *http.Client, issuer string) (*Metadata, error) {
	if issuer == "" {
		return nil, &OpenIDConfigurationError{Issuer: issuer, Err: errors.New("issuer required")}
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	op, err := oidc.NewProvider(ctx, strings.TrimSuffix(issuer, "/"))
	if err != nil {
		return nil, &OpenIDConfigurationError{Issuer: issuer, Err: err}
	}

	endpoint := op.Endpoint()
	if endpoint.AuthURL == "" {
		return nil, &OpenIDConfigurationError{Issuer: issuer, Err: errors.New("authorization_endpoint missing")}
	}
	if endpoint.TokenURL == "" {
		return nil, &OpenIDConfigurationError{Issuer: issuer, Err: errors.New("token_endpoint missing")}
	}

	return &Metadata{
		AuthorizeEndpoint: endpoint.AuthURL,
		TokenEndpoint:     endpoint.TokenURL,
		IsV2:              issuerIsV2(issuer),
	}, nil
}

func issuerIsV2(issuer string) bool {
	path := issuer
	if u, err := url.Parse(issuer); err == nil {
		path = u.Path
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "v2.0" {
			return true
		}
	}
	return false
}
