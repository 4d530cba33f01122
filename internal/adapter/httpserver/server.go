package httpserver

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Server bundles the HTTP surface dependencies.
type Server struct {
	Cfg      config.Config
	Store    domain.TaskStore
	Clients  domain.ClientStore
	Auth     *Authenticator
	Limiter  TenantRateLimiter
	Validate *validator.Validate
}

// NewServer wires the handler set.
func NewServer(cfg config.Config, store domain.TaskStore, clients domain.ClientStore, auth *Authenticator, limiter TenantRateLimiter) *Server {
	return &Server{
		Cfg:      cfg,
		Store:    store,
		Clients:  clients,
		Auth:     auth,
		Limiter:  limiter,
		Validate: validator.New(),
	}
}

// MountRoutes registers the API routes on the given router. Platform
// concerns (health, metrics, CORS, edge throttling) are mounted by the app
// composition layer.
func (s *Server) MountRoutes(r chi.Router) {
	r.Post("/api/auth/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAuth)

		r.With(RequireScope(ScopeFetch), s.RateLimit("followings_enqueue")).
			Post("/ext/followings/enqueue", s.EnqueueFollowings)
		r.With(RequireScope(ScopeAnalyze), s.RateLimit("analyze_enqueue")).
			Post("/ext/analyze/enqueue", s.EnqueueAnalyze)

		r.With(s.RateLimit("job_summary")).
			Get("/api/jobs/{jobID}/summary", s.JobSummary)

		r.With(RequireScope(ScopeSend), s.RateLimit("send_pull")).
			Post("/api/send/pull", s.SendPull)
		r.With(RequireScope(ScopeSend), s.RateLimit("send_result")).
			Post("/api/send/result", s.SendResult)
	})
}
