package models

import "time"

// BlacklistedToken force-invalidates one access token before its exp.
type BlacklistedToken struct {
	TokenHash string    `gorm:"size:64;primaryKey" json:"-"`
	UserID    string    `gorm:"type:uuid;index;not null" json:"user_id"`
	Reason    string    `gorm:"size:100" json:"reason"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (BlacklistedToken) TableName() string {
	return "access_token_blacklist"
}

// UserTokenInvalidation rejects every access token of the user issued at or
// before InvalidatedAt.
type UserTokenInvalidation struct {
	UserID        string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	InvalidatedAt time.Time `gorm:"not null" json:"invalidated_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (UserTokenInvalidation) TableName() string {
	return "user_token_invalidations"
}

// Blacklist reasons.
const (
	BlacklistReasonLogout   = "logout"
	BlacklistReasonSecurity = "security"
)

// Covers reports whether a token issued at issuedAt is not newer than the
// marker. Both sides are compared in whole milliseconds, the precision of the
// iat_ms access-token claim.
func (m UserTokenInvalidation) Covers(issuedAt time.Time) bool {
	return issuedAt.UnixMilli() <= m.InvalidatedAt.UnixMilli()
}
