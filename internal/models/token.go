package models

import (
	"time"

	"github.com/lib/pq"
)

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	FamilyID         string    `json:"-"`
}

// RefreshToken is the persisted record of one issued refresh token. The raw
// token is never stored, only its SHA-256 hash.
type RefreshToken struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string     `gorm:"type:uuid;index;not null" json:"user_id"`
	TokenHash string     `gorm:"size:64;uniqueIndex;not null" json:"-"`
	FamilyID  string     `gorm:"type:uuid;index;not null" json:"family_id"`
	ParentID  *string    `gorm:"type:uuid" json:"parent_id,omitempty"`
	IsUsed    bool       `gorm:"not null;default:false" json:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	IsRevoked bool       `gorm:"not null;default:false;index" json:"is_revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	IPAddress string     `gorm:"size:64" json:"ip_address"`
	UserAgent string     `gorm:"size:512" json:"user_agent"`
	ExpiresAt time.Time  `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`

	User User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// RefreshTokenWithUser is a refresh token record joined with the owner's
// current role, pods and email, used when issuing the next pair.
type RefreshTokenWithUser struct {
	RefreshToken
	UserEmail       string
	UserRole        string
	UserPodID       *string
	UserManagedPods pq.StringArray
}

// NewRefreshToken carries the fields needed to insert a refresh token record.
type NewRefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	FamilyID  string
	ParentID  string
	IPAddress string
	UserAgent string
	ExpiresAt time.Time
}

// SessionInfo is the user-facing view of an active refresh token.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClaimResult reports whether a caller won the atomic is_used flip.
type ClaimResult struct {
	Claimed bool
	Record  *RefreshToken
}

// RevokeResult distinguishes a fresh revocation from an idempotent repeat.
type RevokeResult int

const (
	RevokeResultNotFound RevokeResult = iota
	RevokeResultRevoked
	RevokeResultAlreadyRevoked
)
