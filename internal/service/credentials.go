package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const passwordCost = 12

// dummyHash is compared against when the email is unknown so that lookups
// for missing accounts take as long as real ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("query-portal-dummy-password"), passwordCost)

// CredentialVerifier checks an email/password pair against stored bcrypt
// hashes.
type CredentialVerifier struct {
	users  UserStore
	logger *logrus.Logger
}

func NewCredentialVerifier(users UserStore, logger *logrus.Logger) *CredentialVerifier {
	return &CredentialVerifier{
		users:  users,
		logger: logger,
	}
}

func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := v.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if user == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		v.logger.WithField("event", "auth.login.failure").Info("Login attempt for unknown email")
		return nil, newAuthError(ReasonInvalidCredentials, nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		v.logger.WithFields(logrus.Fields{
			"event":   "auth.login.failure",
			"user_id": user.ID,
		}).Info("Login attempt with wrong password")
		return nil, newAuthError(ReasonInvalidCredentials, nil)
	}

	if !user.IsActive {
		return nil, newAuthError(ReasonInactiveUser, nil)
	}

	return user, nil
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
