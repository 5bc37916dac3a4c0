package main

import (
	"context"
	"fmt"

	"github.com/qcom/queryportal/internal/app"
	"github.com/qcom/queryportal/internal/config"
	"github.com/qcom/queryportal/internal/models"
	"github.com/qcom/queryportal/internal/service"
	"github.com/sirupsen/logrus"
)

// operator is what the commands need from the portal.
type operator interface {
	Migrate() error
	Purge(ctx context.Context) (*service.PurgeResult, error)
	RevokeUser(ctx context.Context, userID string) (*service.LogoutAllResult, error)
	Sessions(ctx context.Context, userID string) ([]models.SessionInfo, error)
	CreateUser(ctx context.Context, user *models.User, password string) error
	DeactivateUser(ctx context.Context, userID string) (*service.LogoutAllResult, error)
	Close()
}

// operatorFactory is replaced in tests.
var operatorFactory = func(ctx context.Context) (operator, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	portal, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &appOperator{portal: portal}, nil
}

type appOperator struct {
	portal *app.App
}

func (o *appOperator) Migrate() error {
	return o.portal.Migrate()
}

func (o *appOperator) Purge(ctx context.Context) (*service.PurgeResult, error) {
	return o.portal.Purger.RunOnce(ctx)
}

func (o *appOperator) RevokeUser(ctx context.Context, userID string) (*service.LogoutAllResult, error) {
	return o.portal.Sessions.LogoutAll(ctx, userID)
}

func (o *appOperator) Sessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	return o.portal.Sessions.ListActiveSessions(ctx, userID)
}

func (o *appOperator) CreateUser(ctx context.Context, user *models.User, password string) error {
	hash, err := service.HashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	return o.portal.Users.Create(ctx, user)
}

// DeactivateUser blocks future logins and ends every current session.
func (o *appOperator) DeactivateUser(ctx context.Context, userID string) (*service.LogoutAllResult, error) {
	user, err := o.portal.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found", userID)
	}

	if err := o.portal.Users.SetActive(ctx, userID, false); err != nil {
		return nil, err
	}
	return o.portal.Sessions.LogoutAll(ctx, userID)
}

func (o *appOperator) Close() {
	o.portal.Close()
}

func withOperator(ctx context.Context, fn func(operator) error) error {
	op, err := operatorFactory(ctx)
	if err != nil {
		return err
	}
	defer op.Close()
	return fn(op)
}
