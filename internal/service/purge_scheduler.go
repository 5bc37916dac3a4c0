package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const purgeTimeout = 2 * time.Minute

type PurgeResult struct {
	RefreshTokensDeleted int64 `json:"refresh_tokens_deleted"`
	BlacklistDeleted     int64 `json:"blacklist_deleted"`
}

// PurgeScheduler periodically deletes refresh tokens that are expired or were
// revoked longer than the retention window, and blacklist rows past their
// expiry. Purging only touches dead rows, so it is safe alongside live
// traffic and on several instances at once.
type PurgeScheduler struct {
	cron      *cron.Cron
	schedule  string
	retention time.Duration
	tokens    TokenStore
	blacklist BlacklistStore
	logger    *logrus.Logger
}

func NewPurgeScheduler(schedule string, retention time.Duration, tokens TokenStore, blacklist BlacklistStore, logger *logrus.Logger) *PurgeScheduler {
	return &PurgeScheduler{
		cron:      cron.New(cron.WithSeconds()),
		schedule:  schedule,
		retention: retention,
		tokens:    tokens,
		blacklist: blacklist,
		logger:    logger,
	}
}

func (p *PurgeScheduler) Start() error {
	_, err := p.cron.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
		defer cancel()

		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.WithError(err).Error("Token purge failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", p.schedule, err)
	}

	p.cron.Start()
	p.logger.WithField("schedule", p.schedule).Info("Token purge scheduled")
	return nil
}

// Stop waits for a running purge to finish.
func (p *PurgeScheduler) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *PurgeScheduler) RunOnce(ctx context.Context) (*PurgeResult, error) {
	started := time.Now()

	tokensDeleted, err := p.tokens.PurgeExpired(ctx, p.retention)
	if err != nil {
		return nil, fmt.Errorf("failed to purge refresh tokens: %w", err)
	}

	blacklistDeleted, err := p.blacklist.PurgeExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to purge access token blacklist: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"refresh_tokens_deleted": tokensDeleted,
		"blacklist_deleted":      blacklistDeleted,
		"duration_ms":            time.Since(started).Milliseconds(),
	}).Info("Token purge completed")

	return &PurgeResult{
		RefreshTokensDeleted: tokensDeleted,
		BlacklistDeleted:     blacklistDeleted,
	}, nil
}
