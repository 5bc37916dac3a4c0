package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/qcom/queryportal/internal/config"
	"github.com/qcom/queryportal/internal/models"
	"github.com/qcom/queryportal/internal/service/servicetest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAccessSecret  = "access-secret-key-min-32-bytes-long!!"
	testRefreshSecret = "refresh-secret-key-min-32-bytes-long!"
	testPassword      = "correct horse battery staple"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "query-portal",
		Audience:      "query-portal-api",
	}
}

func quietLogger() *logrus.Logger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

type testEnv struct {
	clock     *fakeClock
	codec     *TokenCodec
	users     *servicetest.UserStore
	tokens    *servicetest.TokenStore
	blacklist *servicetest.BlacklistStore
	auth      *AuthService
	sessions  *SessionManager
	guard     *AccessGuard
	hook      *logtest.Hook
	user      models.User
	fp        models.ClientFingerprint
}

func newTestEnv(t *testing.T, strictIPBinding bool) *testEnv {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	clock := newFakeClock()

	codec, err := NewTokenCodec(testJWTConfig(), logger)
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v, want nil", err)
	}
	codec.SetClock(clock.Now)

	users := servicetest.NewUserStore()
	tokens := servicetest.NewTokenStore(users)
	tokens.SetClock(clock.Now)
	blacklist := servicetest.NewBlacklistStore()
	blacklist.SetClock(clock.Now)

	auth := NewAuthService(codec, tokens, NewCredentialVerifier(users, logger), strictIPBinding, logger)
	auth.SetClock(clock.Now)

	env := &testEnv{
		clock:     clock,
		codec:     codec,
		users:     users,
		tokens:    tokens,
		blacklist: blacklist,
		auth:      auth,
		sessions:  NewSessionManager(codec, tokens, blacklist, logger),
		guard:     NewAccessGuard(codec, blacklist, logger),
		hook:      hook,
		fp:        models.ClientFingerprint{IP: "10.0.0.1", UserAgent: "portal-test/1.0"},
	}
	env.user = env.addUser(t, "dev@example.com")
	return env
}

func (e *testEnv) addUser(t *testing.T, email string) models.User {
	t.Helper()

	// MinCost keeps the tests fast; Verify reads the cost from the hash.
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	podID := uuid.New().String()
	user := models.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         "pod_lead",
		PodID:        &podID,
		ManagedPods:  pq.StringArray{podID},
		IsActive:     true,
	}
	e.users.Add(user)
	return user
}

func (e *testEnv) login(t *testing.T) *models.TokenPair {
	t.Helper()

	pair, err := e.auth.Login(context.Background(), e.user.Email, testPassword, e.fp)
	if err != nil {
		t.Fatalf("Login() error = %v, want nil", err)
	}
	return pair
}

func (e *testEnv) rotate(t *testing.T, refreshToken string) *models.TokenPair {
	t.Helper()

	pair, err := e.auth.Rotate(context.Background(), refreshToken, e.fp)
	if err != nil {
		t.Fatalf("Rotate() error = %v, want nil", err)
	}
	return pair
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()

	if err == nil {
		t.Fatalf("error = nil, want reason %q", want)
	}
	authErr, ok := AsAuthenticationError(err)
	if !ok {
		t.Fatalf("error = %v, want *AuthenticationError with reason %q", err, want)
	}
	if authErr.Reason != want {
		t.Fatalf("reason = %q, want %q (error: %v)", authErr.Reason, want, err)
	}
}

func assertInfraError(t *testing.T, err error) {
	t.Helper()

	if err == nil {
		t.Fatal("error = nil, want infrastructure error")
	}
	if _, ok := AsAuthenticationError(err); ok {
		t.Fatalf("error = %v, want a non-authentication error", err)
	}
	if !errors.Is(err, servicetest.ErrUnavailable) {
		t.Fatalf("error = %v, want it to wrap ErrUnavailable", err)
	}
}
