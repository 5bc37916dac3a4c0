package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlacklistRepository keeps revoked access tokens and per-user invalidation
// markers in PostgreSQL.
type BlacklistRepository struct {
	db     *gorm.DB
	now    func() time.Time
	logger *logrus.Logger
}

func NewBlacklistRepository(db *gorm.DB, logger *logrus.Logger) *BlacklistRepository {
	return &BlacklistRepository{
		db:     db,
		now:    time.Now,
		logger: logger,
	}
}

func (r *BlacklistRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *BlacklistRepository) Blacklist(ctx context.Context, tokenHash, userID string, expiresAt time.Time, reason string) error {
	entry := models.BlacklistedToken{
		TokenHash: tokenHash,
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (r *BlacklistRepository) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BlacklistedToken{}).
		Where("token_hash = ? AND expires_at > ?", tokenHash, r.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return count > 0, nil
}

func (r *BlacklistRepository) MarkAllInvalidatedNow(ctx context.Context, userID string) error {
	marker := models.UserTokenInvalidation{
		UserID:        userID,
		InvalidatedAt: r.now(),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"invalidated_at", "updated_at"}),
		}).
		Create(&marker).Error
	if err != nil {
		return fmt.Errorf("failed to write invalidation marker: %w", err)
	}
	return nil
}

func (r *BlacklistRepository) IsIssuedBeforeInvalidation(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	var marker models.UserTokenInvalidation
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read invalidation marker: %w", err)
	}
	return marker.Covers(issuedAt), nil
}

func (r *BlacklistRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", r.now()).
		Delete(&models.BlacklistedToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge token blacklist: %w", res.Error)
	}
	return res.RowsAffected, nil
}
