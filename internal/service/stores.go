package service

import (
	"context"
	"time"

	"github.com/qcom/queryportal/internal/models"
)

// TokenStore is the persistent record of issued refresh tokens and the
// source of truth for rotation state. Lookups return (nil, nil) when no row
// matches.
type TokenStore interface {
	CreateFamily(ctx context.Context, token models.NewRefreshToken) error
	// ContinueFamily inserts the successor of token.ParentID. The insert is
	// serialized against RevokeFamily for the same family, and the new row
	// inherits the parent's revocation.
	ContinueFamily(ctx context.Context, token models.NewRefreshToken) error
	// ClaimForRotation flips is_used from false to true in one conditional
	// statement. Claimed is true only for the caller whose update matched.
	ClaimForRotation(ctx context.Context, tokenID string) (*models.ClaimResult, error)
	LookupByHash(ctx context.Context, tokenHash, tokenID string) (*models.RefreshTokenWithUser, error)
	FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error)
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	RevokeByID(ctx context.Context, userID, tokenID string) (bool, error)
	RevokeByHash(ctx context.Context, tokenHash string) (models.RevokeResult, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	ListActiveForUser(ctx context.Context, userID string) ([]models.RefreshToken, error)
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// BlacklistStore records revoked access tokens and per-user invalidation
// markers.
type BlacklistStore interface {
	// Blacklist is idempotent: a duplicate hash is a no-op.
	Blacklist(ctx context.Context, tokenHash, userID string, expiresAt time.Time, reason string) error
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	MarkAllInvalidatedNow(ctx context.Context, userID string) error
	IsIssuedBeforeInvalidation(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// UserStore reads portal accounts for login.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
