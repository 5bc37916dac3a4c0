package service

import (
	"context"
	"fmt"

	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
)

type LogoutResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type LogoutAllResult struct {
	SessionsRevoked int64 `json:"sessions_revoked"`
	// AccessTokensInvalidated is false when the invalidation marker could
	// not be written. Refresh tokens are revoked regardless.
	AccessTokensInvalidated bool `json:"access_tokens_invalidated"`
}

// SessionManager lists and revokes a user's refresh-token sessions.
type SessionManager struct {
	codec     *TokenCodec
	tokens    TokenStore
	blacklist BlacklistStore
	logger    *logrus.Logger
}

func NewSessionManager(codec *TokenCodec, tokens TokenStore, blacklist BlacklistStore, logger *logrus.Logger) *SessionManager {
	return &SessionManager{
		codec:     codec,
		tokens:    tokens,
		blacklist: blacklist,
		logger:    logger,
	}
}

// Logout revokes the refresh token and, when given, blacklists the access
// token for the rest of its lifetime. The blacklist write is best effort.
func (m *SessionManager) Logout(ctx context.Context, rawRefreshToken, accessToken string) (*LogoutResult, error) {
	result := &LogoutResult{Success: true, Message: "Logged out successfully"}

	if rawRefreshToken != "" {
		outcome, err := m.tokens.RevokeByHash(ctx, HashToken(rawRefreshToken))
		if err != nil {
			return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
		}

		switch outcome {
		case models.RevokeResultAlreadyRevoked:
			result.Message = "Session already logged out"
		case models.RevokeResultNotFound:
			result.Success = false
			result.Message = "Session not found"
		}
	}

	if accessToken != "" {
		m.RevokeAccessToken(ctx, accessToken, models.BlacklistReasonLogout)
	}

	return result, nil
}

// RevokeAccessToken blacklists accessToken for the rest of its lifetime. It
// is best effort: failures are logged, and tokens that no longer verify are
// skipped.
func (m *SessionManager) RevokeAccessToken(ctx context.Context, accessToken, reason string) {
	claims, err := m.codec.VerifyAccessToken(accessToken)
	if err != nil {
		// expired or forged tokens are already unusable
		return
	}

	if err := m.blacklist.Blacklist(ctx, HashToken(accessToken), claims.UserID, claims.ExpiresAt.Time, reason); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": claims.UserID,
			"reason":  reason,
		}).Error("Failed to blacklist access token")
	}
}

// LogoutAll revokes every refresh token of the user and rejects every access
// token issued up to now.
func (m *SessionManager) LogoutAll(ctx context.Context, userID string) (*LogoutAllResult, error) {
	revoked, err := m.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	result := &LogoutAllResult{SessionsRevoked: revoked, AccessTokensInvalidated: true}
	if err := m.blacklist.MarkAllInvalidatedNow(ctx, userID); err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Error("Failed to write token invalidation marker")
		result.AccessTokensInvalidated = false
	}

	m.logger.WithFields(logrus.Fields{
		"event":            "auth.logout_all",
		"user_id":          userID,
		"sessions_revoked": revoked,
	}).Info("All sessions revoked")

	return result, nil
}

func (m *SessionManager) ListActiveSessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	records, err := m.tokens.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]models.SessionInfo, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, models.SessionInfo{
			SessionID: record.ID,
			IPAddress: record.IPAddress,
			UserAgent: record.UserAgent,
			CreatedAt: record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		})
	}

	return sessions, nil
}

// RevokeSession revokes one of the user's own sessions. It reports false for
// unknown ids and for sessions owned by someone else.
func (m *SessionManager) RevokeSession(ctx context.Context, userID, sessionID string) (bool, error) {
	revoked, err := m.tokens.RevokeByID(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}

	if revoked {
		m.logger.WithFields(logrus.Fields{
			"event":      "auth.session.revoked",
			"user_id":    userID,
			"session_id": sessionID,
		}).Info("Session revoked")
	}

	return revoked, nil
}
