// Package httpserver wraps the standard http.Server with the configured
// timeouts and graceful shutdown.
package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/AgentBar-Labs/credit_layer/internal/config"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// Server is the HTTP front of the credit layer.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// New creates a server from the configured address and timeouts.
func New(cfg config.ServerConfig, log *logger.Logger, handler http.Handler) *Server {
	if log == nil {
		log = logger.NewDefault("httpserver")
	}
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}
