package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
)

// AuthService issues token pairs at login and drives refresh-token rotation.
//
// A refresh token moves ACTIVE -> USED when it is redeemed and to REVOKED on
// logout or a security action. Presenting a USED token again revokes every
// token in its family.
type AuthService struct {
	codec           *TokenCodec
	tokens          TokenStore
	credentials     *CredentialVerifier
	strictIPBinding bool
	now             Clock
	logger          *logrus.Logger
}

func NewAuthService(
	codec *TokenCodec,
	tokens TokenStore,
	credentials *CredentialVerifier,
	strictIPBinding bool,
	logger *logrus.Logger,
) *AuthService {
	return &AuthService{
		codec:           codec,
		tokens:          tokens,
		credentials:     credentials,
		strictIPBinding: strictIPBinding,
		now:             time.Now,
		logger:          logger,
	}
}

func (s *AuthService) SetClock(now Clock) {
	s.now = now
}

// Login verifies credentials and starts a new token family.
func (s *AuthService) Login(ctx context.Context, email, password string, fp models.ClientFingerprint) (*models.TokenPair, error) {
	user, err := s.credentials.Verify(ctx, email, password)
	if err != nil {
		return nil, err
	}

	pair, err := s.StartSession(ctx, user, fp)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"event":      "auth.login.success",
		"user_id":    user.ID,
		"session_id": pair.SessionID,
		"ip":         fp.IP,
	}).Info("User logged in")

	return pair, nil
}

// StartSession issues a token pair for an already authenticated user in a
// freshly created family.
func (s *AuthService) StartSession(ctx context.Context, user *models.User, fp models.ClientFingerprint) (*models.TokenPair, error) {
	if !user.IsActive {
		return nil, newAuthError(ReasonInactiveUser, nil)
	}

	familyID := uuid.New().String()
	identity := identityFromUser(user)

	return s.issuePair(ctx, identity, familyID, "", fp)
}

// Rotate redeems a refresh token for the next pair in its family.
func (s *AuthService) Rotate(ctx context.Context, rawRefreshToken string, fp models.ClientFingerprint) (*models.TokenPair, error) {
	if rawRefreshToken == "" {
		return nil, newAuthError(ReasonMissingToken, nil)
	}

	claims, err := s.codec.VerifyRefreshToken(rawRefreshToken)
	if err != nil {
		s.logFailure(err, "", fp)
		return nil, err
	}

	tokenHash := HashToken(rawRefreshToken)
	record, err := s.tokens.LookupByHash(ctx, tokenHash, claims.TokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if record == nil {
		return nil, s.classifyMiss(ctx, claims, tokenHash, fp)
	}

	if record.UserID != claims.UserID {
		err := newAuthError(ReasonInvalidRefreshToken, errors.New("token owner mismatch"))
		s.logFailure(err, record.UserID, fp)
		return nil, err
	}

	if record.IsUsed {
		return nil, s.terminateFamily(ctx, &record.RefreshToken, fp, "replayed")
	}

	if fp.IP != "" && record.IPAddress != "" && fp.IP != record.IPAddress {
		entry := s.logger.WithFields(logrus.Fields{
			"event":       "auth.refresh.ip_mismatch",
			"user_id":     record.UserID,
			"family_id":   record.FamilyID,
			"original_ip": record.IPAddress,
			"current_ip":  fp.IP,
			"strict":      s.strictIPBinding,
		})
		if s.strictIPBinding {
			entry.Warn("Refresh rejected, client IP differs from token origin")
			return nil, newAuthError(ReasonFingerprintMismatch, nil)
		}
		entry.Warn("Refresh from a different IP than token origin")
	}

	claim, err := s.tokens.ClaimForRotation(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim refresh token: %w", err)
	}
	if !claim.Claimed {
		return nil, s.terminateFamily(ctx, &record.RefreshToken, fp, "concurrent_claim")
	}

	identity := &models.Identity{
		ID:          record.UserID,
		Email:       record.UserEmail,
		Role:        record.UserRole,
		ManagedPods: []string(record.UserManagedPods),
	}
	if record.UserPodID != nil {
		identity.PodID = *record.UserPodID
	}

	pair, err := s.issuePair(ctx, identity, record.FamilyID, record.ID, fp)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"event":      "auth.refresh.success",
		"user_id":    record.UserID,
		"family_id":  record.FamilyID,
		"session_id": pair.SessionID,
	}).Debug("Refresh token rotated")

	return pair, nil
}

func (s *AuthService) issuePair(ctx context.Context, identity *models.Identity, familyID, parentID string, fp models.ClientFingerprint) (*models.TokenPair, error) {
	accessToken, _, err := s.codec.IssueAccessToken(identity)
	if err != nil {
		return nil, err
	}

	tokenID := uuid.New().String()
	refreshToken, refreshClaims, err := s.codec.IssueRefreshToken(identity.ID, tokenID)
	if err != nil {
		return nil, err
	}

	record := models.NewRefreshToken{
		ID:        tokenID,
		UserID:    identity.ID,
		TokenHash: HashToken(refreshToken),
		FamilyID:  familyID,
		ParentID:  parentID,
		IPAddress: fp.IP,
		UserAgent: fp.UserAgent,
		ExpiresAt: refreshClaims.ExpiresAt.Time,
	}

	if parentID == "" {
		err = s.tokens.CreateFamily(ctx, record)
	} else {
		err = s.tokens.ContinueFamily(ctx, record)
	}
	if err != nil {
		s.logger.WithError(err).WithField("user_id", identity.ID).Error("Failed to store refresh token")
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.codec.AccessExpiry().Seconds()),
		RefreshExpiresAt: record.ExpiresAt,
		SessionID:        tokenID,
		FamilyID:         familyID,
	}, nil
}

// terminateFamily revokes the whole family of a replayed token. The protocol
// cannot tell the legitimate holder from the thief, so both are logged out.
func (s *AuthService) terminateFamily(ctx context.Context, record *models.RefreshToken, fp models.ClientFingerprint, trigger string) error {
	revoked, err := s.tokens.RevokeFamily(ctx, record.FamilyID)
	if err != nil {
		s.logger.WithError(err).WithField("family_id", record.FamilyID).Error("Failed to revoke token family after reuse")
		return fmt.Errorf("failed to revoke token family: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"event":               "refresh_token_reuse",
		"security_alert":      true,
		"trigger":             trigger,
		"user_id":             record.UserID,
		"family_id":           record.FamilyID,
		"token_id":            record.ID,
		"tokens_revoked":      revoked,
		"original_ip":         record.IPAddress,
		"original_user_agent": record.UserAgent,
		"current_ip":          fp.IP,
		"current_user_agent":  fp.UserAgent,
	}).Error("Refresh token reuse detected, token family revoked")

	return newAuthError(ReasonReuseDetected, nil)
}

// classifyMiss picks the failure reason when no live record matches. A
// revoked token that had already been redeemed is still a replay.
func (s *AuthService) classifyMiss(ctx context.Context, claims *RefreshClaims, tokenHash string, fp models.ClientFingerprint) error {
	reason := ReasonInvalidRefreshToken

	record, err := s.tokens.FindByID(ctx, claims.TokenID)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to inspect unmatched refresh token")
	} else if record != nil && record.TokenHash == tokenHash {
		switch {
		case record.IsRevoked && record.IsUsed:
			reason = ReasonReuseDetected
			s.logger.WithFields(logrus.Fields{
				"event":              "refresh_token_reuse",
				"security_alert":     true,
				"trigger":            "revoked_family_replay",
				"user_id":            record.UserID,
				"family_id":          record.FamilyID,
				"token_id":           record.ID,
				"original_ip":        record.IPAddress,
				"current_ip":         fp.IP,
				"current_user_agent": fp.UserAgent,
			}).Error("Replay of a refresh token from a revoked family")
		case record.IsRevoked:
			reason = ReasonRevoked
		case !s.now().Before(record.ExpiresAt):
			reason = ReasonExpired
		}
	}

	authErr := newAuthError(reason, nil)
	if reason != ReasonReuseDetected {
		s.logFailure(authErr, claims.UserID, fp)
	}
	return authErr
}

func (s *AuthService) logFailure(err error, userID string, fp models.ClientFingerprint) {
	s.logger.WithFields(logrus.Fields{
		"event":   "auth.refresh.failure",
		"reason":  ReasonOf(err),
		"user_id": userID,
		"ip":      fp.IP,
	}).Info("Refresh token rejected")
}

func identityFromUser(user *models.User) *models.Identity {
	identity := &models.Identity{
		ID:          user.ID,
		Email:       user.Email,
		Role:        user.Role,
		ManagedPods: []string(user.ManagedPods),
	}
	if user.PodID != nil {
		identity.PodID = *user.PodID
	}
	return identity
}
