package server

import (
	"net/url"
	"strings"
)

// wellKnownScopes are standard OIDC scopes that must never be
// audience-qualified on the wire.
var wellKnownScopes = map[string]bool{
	"openid":         true,
	"profile":        true,
	"email":          true,
	"offline_access": true,
}

// qualifyScopes rewrites a space-separated scope string into the
// audience-qualified form required by v2-generation IdPs: each SMART scope
// becomes {aud}/{scope} with internal '/' replaced by '$', since those IdPs
// reject slashes inside a scope segment. Well-known scopes pass unchanged.
func qualifyScopes(aud, scope string) string {
	aud = strings.TrimSuffix(aud, "/")
	tokens := strings.Fields(scope)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if wellKnownScopes[tok] {
			out = append(out, tok)
			continue
		}
		out = append(out, aud+"/"+strings.ReplaceAll(tok, "/", "$"))
	}
	return strings.Join(out, " ")
}

// unqualifyScopes reverses qualifyScopes on a token response's scope field.
// Absolute-URL tokens keep only their last path segment; '$' turns back into
// '/' everywhere. Tokens the IdP never qualified come back unchanged.
func unqualifyScopes(scope string) string {
	tokens := strings.Fields(scope)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, unqualifyScope(tok))
	}
	return strings.Join(out, " ")
}

func unqualifyScope(tok string) string {
	if wellKnownScopes[tok] {
		return tok
	}
	if u, err := url.Parse(tok); err == nil && u.IsAbs() && u.Host != "" {
		if idx := strings.LastIndex(u.Path, "/"); idx != -1 {
			tok = u.Path[idx+1:]
		}
	}
	return strings.ReplaceAll(tok, "$", "/")
}
