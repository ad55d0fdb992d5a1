// Package app assembles the HTTP surface: routes, middleware, rate limiting,
// and readiness checks.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/config"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// rateKey keys the API limiter by authenticated client when present, falling
// back to remote IP for the login endpoint.
func rateKey(r *http.Request) (string, error) {
	if claims, ok := httpserver.ClaimsFrom(r); ok {
		return claims.ClientID, nil
	}
	return httprate.KeyByIP(r)
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// limiter is the optional Redis-backed distributed API limiter; nil disables
// it and the per-replica httprate limit remains the floor.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter ratelimiter.Limiter, ready func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.RequireHTTPS(cfg.RequireHTTPS))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.MaxBody(cfg.MaxBodyBytes))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/api/auth/login", srv.HandleLogin())

	r.Group(func(pr chi.Router) {
		pr.Use(srv.Tokens().BearerAuth)
		pr.Use(httprate.Limit(cfg.APIRateLimitPerMin, time.Minute, httprate.WithKeyFuncs(rateKey)))
		pr.Use(httpserver.DistributedRateLimit(limiter))
		pr.With(httpserver.RequireScope(domain.ScopeSend)).Post("/api/send/dm", srv.HandleSendDM())
		pr.With(httpserver.RequireScope(domain.ScopeAnalyze)).Post("/api/analyze/profiles", srv.HandleAnalyzeProfiles())
		pr.With(httpserver.RequireScope(domain.ScopeFetch)).Post("/api/followings", srv.HandleFetchFollowings())
		pr.Get("/api/jobs", srv.HandleListJobs())
		pr.Get("/api/jobs/{id}", srv.HandleGetJob())
		pr.Post("/api/jobs/{id}/cancel", srv.HandleCancelJob())
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/live", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })

	return httpserver.SecurityHeaders(r)
}
