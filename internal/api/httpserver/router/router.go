// Package router assembles the HTTP surface: public registration, the
// authenticated principal endpoints, the admin endpoints and the
// operational probes.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/AgentBar-Labs/credit_layer/internal/metrics"
	"github.com/AgentBar-Labs/credit_layer/internal/middleware"
	"github.com/AgentBar-Labs/credit_layer/internal/services/credentials"
	"github.com/AgentBar-Labs/credit_layer/internal/services/deposits"
	"github.com/AgentBar-Labs/credit_layer/internal/services/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// Config carries the router's dependencies and edge settings.
type Config struct {
	Log         *logger.Logger
	Credentials *credentials.Service
	RateLimiter *ratelimit.Service
	Deposits    *deposits.Service

	AdminJWTSecret      string
	AllowedOrigins      []string
	IPRequestsPerSecond int
	IPBurst             int
}

// New builds the routing tree.
func New(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("router")
	}

	h := &handler{
		log:         log,
		credentials: cfg.Credentials,
		rateLimiter: cfg.RateLimiter,
		deposits:    cfg.Deposits,
	}

	auth := middleware.NewCredentialAuth(cfg.Credentials, log)
	admin := middleware.NewAdminAuth(cfg.AdminJWTSecret, log)
	cors := middleware.NewCORS(cfg.AllowedOrigins)
	ipLimit := middleware.NewIPRateLimiter(cfg.IPRequestsPerSecond, cfg.IPBurst, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler)
	r.Use(metrics.InstrumentHandler)
	r.Use(ipLimit.Handler)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/register", h.register)

	r.Group(func(r chi.Router) {
		r.Use(auth.Handler)
		r.Get("/me", h.me)
		r.Post("/deposits", h.submitDeposit)
		r.Get("/deposits", h.listDeposits)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Handler)
		r.Post("/principals/{id}/rotate", h.rotateCredential)
	})

	return r
}
