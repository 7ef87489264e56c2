package server

import (
	"net/http"
	"strings"
)

// SMARTConfiguration is the document served at
// /.well-known/smart-configuration so SMART apps can bootstrap against the
// proxy instead of the launch-context-unaware IdP behind it.
type SMARTConfiguration map[string]any

// BuildSMARTConfiguration constructs the discovery document. The endpoints
// advertised are the proxy's own; the upstream IdP stays invisible.
func BuildSMARTConfiguration(cfg Config) SMARTConfiguration {
	base := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	return SMARTConfiguration{
		"authorization_endpoint": base + "/authorize",
		"token_endpoint":         base + "/token",
		"response_types_supported": []string{"code"},
		"grant_types_supported":    []string{"authorization_code", "client_credentials"},
		"scopes_supported": []string{
			"openid", "profile", "email", "offline_access",
			"launch", "launch/patient", "launch/encounter",
			"patient/*.read", "patient/*.write",
			"user/*.read", "user/*.write",
		},
		"capabilities": []string{
			"launch-ehr", "launch-standalone",
			"client-public", "client-confidential-symmetric",
			"context-ehr-patient", "context-ehr-encounter",
			"permission-patient", "permission-user",
		},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "none"},
	}
}

func (a *App) handleSMARTConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSMARTConfiguration(a.Config))
}
