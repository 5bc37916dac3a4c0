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

// RefreshTokenRepository stores refresh token records in PostgreSQL. All
// rotation state transitions are single conditional statements so that
// concurrent requests are coordinated by the database alone. used_at,
// revoked_at and every expiry filter read the repository clock rather than
// the database's now(), so they follow the same time source as the token
// codec.
type RefreshTokenRepository struct {
	db     *gorm.DB
	now    func() time.Time
	logger *logrus.Logger
}

func NewRefreshTokenRepository(db *gorm.DB, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		db:     db,
		now:    time.Now,
		logger: logger,
	}
}

func (r *RefreshTokenRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *RefreshTokenRepository) CreateFamily(ctx context.Context, token models.NewRefreshToken) error {
	record := newRecord(token)
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(&record).Error; err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// ContinueFamily holds a transaction-scoped advisory lock on the family while
// it inserts, the same lock RevokeFamily takes. Whichever runs second sees
// the other's committed result, so a successor can never escape a family
// revocation.
func (r *RefreshTokenRepository) ContinueFamily(ctx context.Context, token models.NewRefreshToken) error {
	if token.ParentID == "" {
		return fmt.Errorf("continuing a family requires the parent token id")
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockFamily(tx, token.FamilyID); err != nil {
			return err
		}

		var parent models.RefreshToken
		err := tx.Select("id", "family_id", "is_revoked").
			Where("id = ? AND family_id = ?", token.ParentID, token.FamilyID).
			Take(&parent).Error
		if err != nil {
			return fmt.Errorf("failed to load parent token: %w", err)
		}

		record := newRecord(token)
		if parent.IsRevoked {
			now := r.now()
			record.IsRevoked = true
			record.RevokedAt = &now
		}

		return tx.Omit(clause.Associations).Create(&record).Error
	})
	if err != nil {
		r.logger.WithError(err).WithField("family_id", token.FamilyID).Error("Failed to continue token family")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// ClaimForRotation is UPDATE ... WHERE is_used = false RETURNING *. Exactly
// one concurrent caller matches the row.
func (r *RefreshTokenRepository) ClaimForRotation(ctx context.Context, tokenID string) (*models.ClaimResult, error) {
	var claimed []models.RefreshToken
	res := r.db.WithContext(ctx).
		Model(&claimed).
		Clauses(clause.Returning{}).
		Where("id = ? AND is_used = ? AND is_revoked = ?", tokenID, false, false).
		Updates(map[string]interface{}{
			"is_used": true,
			"used_at": r.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim refresh token: %w", res.Error)
	}

	if res.RowsAffected == 1 && len(claimed) == 1 {
		return &models.ClaimResult{Claimed: true, Record: &claimed[0]}, nil
	}

	record, err := r.FindByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return &models.ClaimResult{Claimed: false, Record: record}, nil
}

// LookupByHash returns the live record matching both hash and id, joined with
// its owner. Revoked, expired, and inactive-owner rows do not match.
func (r *RefreshTokenRepository) LookupByHash(ctx context.Context, tokenHash, tokenID string) (*models.RefreshTokenWithUser, error) {
	var rows []models.RefreshTokenWithUser
	err := r.db.WithContext(ctx).
		Table("refresh_tokens AS rt").
		Select(`rt.*,
			u.email AS user_email,
			u.role AS user_role,
			u.pod_id AS user_pod_id,
			u.managed_pods AS user_managed_pods`).
		Joins("JOIN users u ON u.id = rt.user_id").
		Where("rt.token_hash = ? AND rt.id = ?", tokenHash, tokenID).
		Where("rt.is_revoked = ? AND rt.expires_at > ?", false, r.now()).
		Where("u.is_active = ?", true).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *RefreshTokenRepository) FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	var record models.RefreshToken
	err := r.db.WithContext(ctx).Where("id = ?", tokenID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &record, nil
}

// RevokeFamily revokes every live member of the family in one statement.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockFamily(tx, familyID); err != nil {
			return err
		}

		res := tx.Model(&models.RefreshToken{}).
			Where("family_id = ? AND is_revoked = ?", familyID, false).
			Updates(r.revokedColumns())
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	return affected, nil
}

func (r *RefreshTokenRepository) RevokeByID(ctx context.Context, userID, tokenID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("id = ? AND user_id = ? AND is_revoked = ?", tokenID, userID, false).
		Updates(r.revokedColumns())
	if res.Error != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string) (models.RevokeResult, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token_hash = ? AND is_revoked = ?", tokenHash, false).
		Updates(r.revokedColumns())
	if res.Error != nil {
		return models.RevokeResultNotFound, fmt.Errorf("failed to revoke refresh token: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return models.RevokeResultRevoked, nil
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token_hash = ?", tokenHash).
		Count(&count).Error
	if err != nil {
		return models.RevokeResultNotFound, fmt.Errorf("failed to check refresh token: %w", err)
	}
	if count > 0 {
		return models.RevokeResultAlreadyRevoked, nil
	}
	return models.RevokeResultNotFound, nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("user_id = ? AND is_revoked = ?", userID, false).
		Updates(r.revokedColumns())
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListActiveForUser returns the user's ACTIVE tokens: unused, unrevoked and
// unexpired. Each is the current head of one login's family.
func (r *RefreshTokenRepository) ListActiveForUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	var records []models.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_used = ? AND is_revoked = ? AND expires_at > ?", userID, false, false, r.now()).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return records, nil
}

func (r *RefreshTokenRepository) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().Add(-retention)
	res := r.db.WithContext(ctx).
		Where("expires_at < ? OR (is_revoked = ? AND revoked_at < ?)", cutoff, true, cutoff).
		Delete(&models.RefreshToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func lockFamily(tx *gorm.DB, familyID string) error {
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", familyID).Error; err != nil {
		return fmt.Errorf("failed to lock token family: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) revokedColumns() map[string]interface{} {
	return map[string]interface{}{
		"is_revoked": true,
		"revoked_at": r.now(),
	}
}

func newRecord(token models.NewRefreshToken) models.RefreshToken {
	record := models.RefreshToken{
		ID:        token.ID,
		UserID:    token.UserID,
		TokenHash: token.TokenHash,
		FamilyID:  token.FamilyID,
		IPAddress: token.IPAddress,
		UserAgent: token.UserAgent,
		ExpiresAt: token.ExpiresAt,
	}
	if token.ParentID != "" {
		parentID := token.ParentID
		record.ParentID = &parentID
	}
	return record
}
