package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/queryportal/internal/config"
	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Clock returns the current time. Services take one so expiry can be tested.
type Clock func() time.Time

// AccessClaims is the identity snapshot embedded in an access token.
type AccessClaims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	PodID       string   `json:"pod_id,omitempty"`
	ManagedPods []string `json:"managed_pods,omitempty"`
	Type        string   `json:"type"`
	// IssuedAtMilli repeats iat in unix milliseconds for comparison against
	// logout-all markers.
	IssuedAtMilli int64 `json:"iat_ms"`
	jwt.RegisteredClaims
}

// IssuedAtTime returns the issue time at millisecond precision.
func (c *AccessClaims) IssuedAtTime() time.Time {
	return time.UnixMilli(c.IssuedAtMilli)
}

// Identity converts the claims into the request identity.
func (c *AccessClaims) Identity() *models.Identity {
	return &models.Identity{
		ID:          c.UserID,
		Email:       c.Email,
		Role:        c.Role,
		PodID:       c.PodID,
		ManagedPods: c.ManagedPods,
	}
}

// RefreshClaims is the minimal refresh-token payload.
type RefreshClaims struct {
	UserID  string `json:"user_id"`
	TokenID string `json:"token_id"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies access and refresh tokens. The two token
// kinds use different keys so one leaked key cannot forge the other kind.
type TokenCodec struct {
	accessKey     []byte
	refreshKey    []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	issuer        string
	audience      string
	now           Clock
	logger        *logrus.Logger
}

func NewTokenCodec(cfg *config.JWTConfig, logger *logrus.Logger) (*TokenCodec, error) {
	accessKey := []byte(cfg.AccessSecret)
	refreshKey := []byte(cfg.RefreshSecret)
	if len(accessKey) < 32 || len(refreshKey) < 32 {
		return nil, fmt.Errorf("signing keys must be at least 32 bytes")
	}
	if string(accessKey) == string(refreshKey) {
		return nil, fmt.Errorf("access and refresh signing keys must differ")
	}

	return &TokenCodec{
		accessKey:     accessKey,
		refreshKey:    refreshKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		now:           time.Now,
		logger:        logger,
	}, nil
}

// SetClock replaces the time source used for signing and verification.
func (c *TokenCodec) SetClock(now Clock) {
	c.now = now
}

func (c *TokenCodec) AccessExpiry() time.Duration {
	return c.accessExpiry
}

func (c *TokenCodec) RefreshExpiry() time.Duration {
	return c.refreshExpiry
}

// IssueAccessToken signs claims with the access key. Registered claims are
// filled in here; the caller supplies only the identity fields.
func (c *TokenCodec) IssueAccessToken(identity *models.Identity) (string, *AccessClaims, error) {
	now := c.now()
	claims := &AccessClaims{
		UserID:        identity.ID,
		Email:         identity.Email,
		Role:          identity.Role,
		PodID:         identity.PodID,
		ManagedPods:   identity.ManagedPods,
		Type:          TokenTypeAccess,
		IssuedAtMilli: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   identity.ID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.accessKey)
	if err != nil {
		c.logger.WithError(err).Error("Failed to sign access token")
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, claims, nil
}

// IssueRefreshToken signs {userId, tokenId, type=refresh} with the refresh key.
func (c *TokenCodec) IssueRefreshToken(userID, tokenID string) (string, *RefreshClaims, error) {
	now := c.now()
	claims := &RefreshClaims{
		UserID:  userID,
		TokenID: tokenID,
		Type:    TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.refreshExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.refreshKey)
	if err != nil {
		c.logger.WithError(err).Error("Failed to sign refresh token")
		return "", nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return signed, claims, nil
}

func (c *TokenCodec) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(tokenString, claims, c.accessKey); err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess || claims.UserID == "" {
		return nil, newAuthError(ReasonMalformed, errors.New("not an access token"))
	}
	if claims.IssuedAt == nil {
		return nil, newAuthError(ReasonMalformed, errors.New("missing iat"))
	}
	if claims.IssuedAtMilli <= 0 || claims.IssuedAtMilli/1000 != claims.IssuedAt.Unix() {
		return nil, newAuthError(ReasonMalformed, errors.New("iat_ms does not match iat"))
	}
	return claims, nil
}

func (c *TokenCodec) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(tokenString, claims, c.refreshKey); err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeRefresh || claims.UserID == "" {
		return nil, newAuthError(ReasonMalformed, errors.New("not a refresh token"))
	}
	if _, err := uuid.Parse(claims.TokenID); err != nil {
		return nil, newAuthError(ReasonMalformed, fmt.Errorf("invalid token id: %w", err))
	}
	return claims, nil
}

func (c *TokenCodec) parse(tokenString string, claims jwt.Claims, key []byte) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return newAuthError(ReasonExpired, err)
		}
		return newAuthError(ReasonMalformed, err)
	}

	if !token.Valid {
		return newAuthError(ReasonMalformed, errors.New("invalid token"))
	}

	return nil
}

// HashToken returns the hex SHA-256 of a raw token. Only hashes are persisted.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
