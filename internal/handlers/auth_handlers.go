package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/qcom/queryportal/internal/middleware"
	"github.com/qcom/queryportal/internal/models"
	"github.com/qcom/queryportal/internal/service"
	"github.com/sirupsen/logrus"
)

// CookieSettings controls how token cookies are written.
type CookieSettings struct {
	AccessName  string
	RefreshName string
	RefreshPath string
	Secure      bool
}

type AuthHandlers struct {
	auth     *service.AuthService
	sessions *service.SessionManager
	cookies  CookieSettings
	validate *validator.Validate
	logger   *logrus.Logger
}

func NewAuthHandlers(
	auth *service.AuthService,
	sessions *service.SessionManager,
	cookies CookieSettings,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		auth:     auth,
		sessions: sessions,
		cookies:  cookies,
		validate: validator.New(),
		logger:   logger,
	}
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"omitempty,max=4096"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"omitempty,max=4096"`
}

type LogoutAllResponse struct {
	SessionsRevoked int64 `json:"sessions_revoked"`
}

type SessionsResponse struct {
	Sessions []models.SessionInfo `json:"sessions"`
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeAndValidate(w, r, &req, true) {
		return
	}

	pair, err := h.auth.Login(r.Context(), req.Email, req.Password, middleware.Fingerprint(r))
	if err != nil {
		h.respondServiceError(w, err, "Login failed")
		return
	}

	h.setTokenCookies(w, pair)
	middleware.RespondJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decodeAndValidate(w, r, &req, false) {
		return
	}

	pair, err := h.auth.Rotate(r.Context(), h.refreshToken(r, req.RefreshToken), middleware.Fingerprint(r))
	if err != nil {
		if service.ReasonOf(err) == service.ReasonReuseDetected {
			if accessToken := middleware.AccessTokenFromRequest(r, h.cookies.AccessName); accessToken != "" {
				h.sessions.RevokeAccessToken(r.Context(), accessToken, models.BlacklistReasonSecurity)
			}
			h.clearTokenCookies(w)
		}
		h.respondServiceError(w, err, "Token refresh failed")
		return
	}

	h.setTokenCookies(w, pair)
	middleware.RespondJSON(w, http.StatusOK, pair)
}

// Logout works with or without a valid access token so a client holding only
// a refresh token can still end its session.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if !h.decodeAndValidate(w, r, &req, false) {
		return
	}

	accessToken := middleware.AccessTokenFromContext(r.Context())
	if accessToken == "" {
		accessToken = middleware.AccessTokenFromRequest(r, h.cookies.AccessName)
	}

	result, err := h.sessions.Logout(r.Context(), h.refreshToken(r, req.RefreshToken), accessToken)
	if err != nil {
		h.respondServiceError(w, err, "Logout failed")
		return
	}

	h.clearTokenCookies(w)
	middleware.RespondJSON(w, http.StatusOK, result)
}

func (h *AuthHandlers) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.RespondAuthError(w, &service.AuthenticationError{Reason: service.ReasonMissingToken})
		return
	}

	result, err := h.sessions.LogoutAll(r.Context(), identity.ID)
	if err != nil {
		h.respondServiceError(w, err, "Logout from all sessions failed")
		return
	}

	h.clearTokenCookies(w)
	middleware.RespondJSON(w, http.StatusOK, LogoutAllResponse{SessionsRevoked: result.SessionsRevoked})
}

func (h *AuthHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.RespondAuthError(w, &service.AuthenticationError{Reason: service.ReasonMissingToken})
		return
	}

	sessions, err := h.sessions.ListActiveSessions(r.Context(), identity.ID)
	if err != nil {
		h.respondServiceError(w, err, "Failed to list sessions")
		return
	}

	middleware.RespondJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

func (h *AuthHandlers) RevokeSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.RespondAuthError(w, &service.AuthenticationError{Reason: service.ReasonMissingToken})
		return
	}

	sessionID := mux.Vars(r)["id"]
	if err := h.validate.Var(sessionID, "required,uuid"); err != nil {
		middleware.RespondError(w, http.StatusBadRequest, middleware.CodeValidation, "Invalid session id")
		return
	}

	revoked, err := h.sessions.RevokeSession(r.Context(), identity.ID, sessionID)
	if err != nil {
		h.respondServiceError(w, err, "Failed to revoke session")
		return
	}
	if !revoked {
		middleware.RespondError(w, http.StatusNotFound, middleware.CodeNotFound, "Session not found")
		return
	}

	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session revoked",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.RespondAuthError(w, &service.AuthenticationError{Reason: service.ReasonMissingToken})
		return
	}

	middleware.RespondJSON(w, http.StatusOK, identity)
}

// decodeAndValidate reads a JSON body into dst. When the body is optional an
// empty body is accepted.
func (h *AuthHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}, required bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if required || !errors.Is(err, io.EOF) {
			middleware.RespondError(w, http.StatusBadRequest, middleware.CodeValidation, "Invalid request body")
			return false
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		middleware.RespondJSON(w, http.StatusBadRequest, middleware.ErrorResponse{
			Status:  middleware.StatusFail,
			Code:    middleware.CodeValidation,
			Message: "Request validation failed",
			Errors:  formatValidationErrors(err),
		})
		return false
	}

	return true
}

func (h *AuthHandlers) respondServiceError(w http.ResponseWriter, err error, message string) {
	if _, ok := service.AsAuthenticationError(err); !ok {
		h.logger.WithError(err).Error(message)
	}
	middleware.RespondAuthError(w, err)
}

func (h *AuthHandlers) refreshToken(r *http.Request, fromBody string) string {
	if cookie, err := r.Cookie(h.cookies.RefreshName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(fromBody)
}

func (h *AuthHandlers) setTokenCookies(w http.ResponseWriter, pair *models.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.AccessName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(pair.ExpiresIn),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.RefreshName,
		Value:    pair.RefreshToken,
		Path:     h.cookies.RefreshPath,
		Expires:  pair.RefreshExpiresAt,
		MaxAge:   int(time.Until(pair.RefreshExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandlers) clearTokenCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{h.cookies.AccessName, "/"},
		{h.cookies.RefreshName, h.cookies.RefreshPath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func formatValidationErrors(err error) map[string]string {
	fields := make(map[string]string)

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fields
	}

	for _, e := range validationErrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", e.Field())
		case "email":
			fields[field] = "Invalid email format"
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param())
		default:
			fields[field] = fmt.Sprintf("%s is invalid", e.Field())
		}
	}
	return fields
}
