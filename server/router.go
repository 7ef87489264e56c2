package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all proxy endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	if a.Config.Launch.Enabled {
		r.Get("/.well-known/smart-configuration", a.handleSMARTConfiguration)
		r.Get("/authorize", a.handleAuthorize)
		r.Get("/callback/{encodedRedirect}", a.handleCallback)
		r.Post("/token", a.handleToken)
	}

	if a.DevIdP != nil {
		a.DevIdP.Mount(r)
	}

	return r
}
