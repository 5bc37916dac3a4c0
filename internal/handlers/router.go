package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/queryportal/internal/middleware"
	"github.com/sirupsen/logrus"
)

// HealthCheck reports whether the service's dependencies are reachable.
type HealthCheck func(r *http.Request) error

func NewRouter(
	authHandlers *AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	allowOrigin string,
	proxies *middleware.TrustedProxies,
	health HealthCheck,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RealIPMiddleware(proxies))
	router.Use(middleware.CORSMiddleware(allowOrigin))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r); err != nil {
				logger.WithError(err).Error("Health check failed")
				middleware.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")
	auth.HandleFunc("/refresh", authHandlers.Refresh).Methods("POST", "OPTIONS")
	auth.Handle("/logout", authMiddleware.OptionalAuth(http.HandlerFunc(authHandlers.Logout))).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/auth/logout-all", authHandlers.LogoutAll).Methods("POST", "OPTIONS")
	protected.HandleFunc("/auth/sessions", authHandlers.ListSessions).Methods("GET", "OPTIONS")
	protected.HandleFunc("/auth/sessions/{id}", authHandlers.RevokeSession).Methods("DELETE", "OPTIONS")
	protected.HandleFunc("/me", authHandlers.Me).Methods("GET", "OPTIONS")

	return router
}
