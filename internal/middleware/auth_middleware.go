package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/qcom/queryportal/internal/models"
	"github.com/qcom/queryportal/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	identityKey    contextKey = "identity"
	accessTokenKey contextKey = "access_token"
	clientIPKey    contextKey = "client_ip"
)

type AuthMiddleware struct {
	guard            *service.AccessGuard
	accessCookieName string
	logger           *logrus.Logger
}

func NewAuthMiddleware(guard *service.AccessGuard, accessCookieName string, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		guard:            guard,
		accessCookieName: accessCookieName,
		logger:           logger,
	}
}

// AccessTokenFromRequest returns the access token from the cookie, falling
// back to the bearer header.
func AccessTokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (m *AuthMiddleware) authenticate(r *http.Request) (*http.Request, error) {
	token := AccessTokenFromRequest(r, m.accessCookieName)

	claims, err := m.guard.Authenticate(r.Context(), token)
	if err != nil {
		return nil, err
	}

	ctx := context.WithValue(r.Context(), identityKey, claims.Identity())
	ctx = context.WithValue(ctx, accessTokenKey, token)
	return r.WithContext(ctx), nil
}

// RequireAuth rejects the request unless it carries a valid access token.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, err := m.authenticate(r)
		if err != nil {
			if reason := service.ReasonOf(err); reason != "" {
				m.logger.WithFields(logrus.Fields{
					"event":  "auth.access.failure",
					"reason": reason,
					"path":   r.URL.Path,
					"ip":     ClientIP(r),
				}).Info("Access token rejected")
			} else {
				m.logger.WithError(err).Error("Access token check failed")
			}
			RespondAuthError(w, err)
			return
		}

		next.ServeHTTP(w, authed)
	})
}

// OptionalAuth attaches the identity when a valid token is present and
// otherwise passes the request through untouched.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, err := m.authenticate(r)
		if err != nil {
			if service.ReasonOf(err) == "" {
				m.logger.WithError(err).Warn("Optional access token check failed")
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, authed)
	})
}

func IdentityFromContext(ctx context.Context) (*models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*models.Identity)
	return identity, ok
}

func AccessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey).(string)
	return token
}
