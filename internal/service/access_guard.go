package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AccessGuard decides whether a presented access token is still good. A
// token must verify, must not be blacklisted, and must have been issued
// after the owner's last logout-all.
type AccessGuard struct {
	codec     *TokenCodec
	blacklist BlacklistStore
	logger    *logrus.Logger
}

func NewAccessGuard(codec *TokenCodec, blacklist BlacklistStore, logger *logrus.Logger) *AccessGuard {
	return &AccessGuard{
		codec:     codec,
		blacklist: blacklist,
		logger:    logger,
	}
}

// Authenticate returns the verified claims of accessToken. Store failures are
// returned as plain errors, not as AuthenticationError.
func (g *AccessGuard) Authenticate(ctx context.Context, accessToken string) (*AccessClaims, error) {
	if accessToken == "" {
		return nil, newAuthError(ReasonMissingToken, nil)
	}

	claims, err := g.codec.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	blacklisted, err := g.blacklist.IsBlacklisted(ctx, HashToken(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to check access token blacklist: %w", err)
	}
	if blacklisted {
		return nil, newAuthError(ReasonRevoked, nil)
	}

	stale, err := g.blacklist.IsIssuedBeforeInvalidation(ctx, claims.UserID, claims.IssuedAtTime())
	if err != nil {
		return nil, fmt.Errorf("failed to check session invalidation: %w", err)
	}
	if stale {
		return nil, newAuthError(ReasonSessionInvalidated, nil)
	}

	return claims, nil
}
