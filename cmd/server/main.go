package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qcom/queryportal/internal/app"
	"github.com/qcom/queryportal/internal/config"
	"github.com/qcom/queryportal/internal/handlers"
	"github.com/qcom/queryportal/internal/middleware"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.IsDevelopment() {
		logger.SetLevel(logrus.DebugLevel)
	}

	portal, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer portal.Close()

	if err := portal.Migrate(); err != nil {
		logger.WithError(err).Fatal("Failed to migrate database")
	}

	if err := portal.Purger.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start token purge")
	}

	authHandlers := handlers.NewAuthHandlers(portal.Auth, portal.Sessions, handlers.CookieSettings{
		AccessName:  cfg.Session.AccessCookieName,
		RefreshName: cfg.Session.RefreshCookieName,
		RefreshPath: cfg.Session.RefreshCookiePath,
		Secure:      cfg.Session.SecureCookies,
	}, logger)

	proxies, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.WithError(err).Fatal("Invalid trusted proxy list")
	}

	authMiddleware := middleware.NewAuthMiddleware(portal.Guard, cfg.Session.AccessCookieName, logger)
	router := handlers.NewRouter(authHandlers, authMiddleware, cfg.Server.AllowOrigin, proxies, portal.Ping, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":              cfg.Server.Port,
			"strict_ip_binding": cfg.Session.StrictIPBinding,
			"trusted_proxies":   len(cfg.Server.TrustedProxies),
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	portal.Purger.Stop()

	logger.Info("Server exited")
}
