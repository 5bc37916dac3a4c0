package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/qcom/queryportal/internal/config"
	"github.com/qcom/queryportal/internal/database"
	"github.com/qcom/queryportal/internal/repository"
	"github.com/qcom/queryportal/internal/service"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds the wired services shared by the HTTP server and portalctl.
// Codec, services and stores all read one clock.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Users     *repository.UserRepository
	Tokens    *repository.RefreshTokenRepository
	Blacklist service.BlacklistStore
	Codec     *service.TokenCodec
	Auth      *service.AuthService
	Sessions  *service.SessionManager
	Guard     *service.AccessGuard
	Purger    *service.PurgeScheduler

	clock   service.Clock
	logger  *logrus.Logger
	closers []func() error
}

type clockSetter interface {
	SetClock(now func() time.Time)
}

func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	db, err := database.OpenPostgres(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		DB:      db,
		clock:   time.Now,
		logger:  logger,
		closers: []func() error{func() error { return database.Close(db) }},
	}

	if err := a.openBlacklist(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Codec, err = service.NewTokenCodec(&cfg.JWT, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize token codec: %w", err)
	}
	a.Codec.SetClock(a.clock)

	a.Users = repository.NewUserRepository(db, logger)
	a.Tokens = repository.NewRefreshTokenRepository(db, logger)
	a.Tokens.SetClock(a.clock)

	credentials := service.NewCredentialVerifier(a.Users, logger)
	a.Auth = service.NewAuthService(a.Codec, a.Tokens, credentials, cfg.Session.StrictIPBinding, logger)
	a.Auth.SetClock(a.clock)
	a.Sessions = service.NewSessionManager(a.Codec, a.Tokens, a.Blacklist, logger)
	a.Guard = service.NewAccessGuard(a.Codec, a.Blacklist, logger)
	a.Purger = service.NewPurgeScheduler(cfg.Session.PurgeSchedule, cfg.Session.RetentionWindow, a.Tokens, a.Blacklist, logger)

	return a, nil
}

func (a *App) openBlacklist(ctx context.Context) error {
	cfg := a.Config

	switch cfg.Session.BlacklistBackend {
	case config.BlacklistBackendPostgres:
		a.Blacklist = repository.NewBlacklistRepository(a.DB, a.logger)

	case config.BlacklistBackendRedis:
		client, err := database.OpenRedis(cfg.Redis.URL, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.Blacklist = repository.NewRedisBlacklistRepository(client, cfg.JWT.AccessExpiry, a.logger)

	case config.BlacklistBackendDynamoDB:
		client, err := database.OpenDynamoDB(ctx, &cfg.DynamoDB, a.logger)
		if err != nil {
			return err
		}
		a.Blacklist = repository.NewDynamoBlacklistRepository(client, cfg.DynamoDB.TableName, cfg.JWT.AccessExpiry, a.logger)

	default:
		return fmt.Errorf("unknown blacklist backend %q", cfg.Session.BlacklistBackend)
	}

	if store, ok := a.Blacklist.(clockSetter); ok {
		store.SetClock(a.clock)
	}

	a.logger.WithField("backend", cfg.Session.BlacklistBackend).Info("Access token blacklist ready")
	return nil
}

func (a *App) Migrate() error {
	return database.Migrate(a.DB, a.logger)
}

// Ping checks the database connection.
func (a *App) Ping(r *http.Request) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close releases clients in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Failed to close client")
		}
	}
	a.closers = nil
}
