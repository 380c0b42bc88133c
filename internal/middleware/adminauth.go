package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/httputil"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// AdminClaims are the JWT claims required on administrative requests.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth guards the administrative surface with HMAC-signed JWTs. It is
// entirely separate from credential authentication; an issued credential
// never grants admin access.
type AdminAuth struct {
	secret []byte
	log    *logger.Logger
}

// NewAdminAuth creates the admin authentication middleware.
func NewAdminAuth(secret string, log *logger.Logger) *AdminAuth {
	if log == nil {
		log = logger.NewDefault("adminauth")
	}
	return &AdminAuth{secret: []byte(secret), log: log}
}

// Handler rejects requests without a valid admin token.
func (m *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.secret) == 0 {
			httputil.WriteError(w, errors.Forbidden("administrative access is not configured"))
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		claims, err := m.validateToken(token)
		if err != nil {
			m.log.WithError(err).WithField("path", r.URL.Path).Warn("admin token rejected")
			httputil.WriteError(w, err)
			return
		}
		if !strings.EqualFold(claims.Role, "admin") {
			httputil.WriteError(w, errors.Forbidden("admin role required"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AdminAuth) validateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidCredential().WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.InvalidCredential()
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.InvalidCredential()
	}
	return claims, nil
}
