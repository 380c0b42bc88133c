// Package middleware provides the HTTP middleware for the credit layer.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/principal"
	"github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/httputil"
	"github.com/AgentBar-Labs/credit_layer/internal/services/credentials"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

type contextKey string

const principalContextKey contextKey = "principal"

// CredentialAuth authenticates requests by bearer credential and resolves
// the owning principal into the request context.
type CredentialAuth struct {
	creds *credentials.Service
	log   *logger.Logger
}

// NewCredentialAuth creates the credential authentication middleware.
func NewCredentialAuth(creds *credentials.Service, log *logger.Logger) *CredentialAuth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &CredentialAuth{creds: creds, log: log}
}

// Handler validates the Authorization header, records activity on success
// and stores the principal in the request context.
func (m *CredentialAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		p, err := m.creds.Validate(r.Context(), token)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		if err := m.creds.Touch(r.Context(), p.ID); err != nil {
			// Activity tracking is best-effort; an authenticated request
			// still proceeds when the touch write fails.
			m.log.WithError(err).WithField("principal_id", p.ID).Warn("activity touch failed")
		}

		ctx := context.WithValue(r.Context(), principalContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *CredentialAuth) respondError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("authentication failed", err)
	}
	m.log.WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": se.HTTPStatus,
		"code":   string(se.Code),
	}).Debug("authentication rejected")
	httputil.WriteError(w, se)
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.MissingCredential()
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.MissingCredential()
	}
	return parts[1], nil
}

// PrincipalFrom extracts the authenticated principal from ctx.
func PrincipalFrom(ctx context.Context) (principal.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(principal.Principal)
	return p, ok
}
