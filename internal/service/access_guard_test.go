package service

import (
	"context"
	"testing"
	"time"
)

func TestAccessGuard_Authenticate(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	pair := env.login(t)

	claims, err := env.guard.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v, want nil", err)
	}
	if claims.Identity().ID != env.user.ID {
		t.Errorf("identity id = %q, want %q", claims.Identity().ID, env.user.ID)
	}

	_, err = env.guard.Authenticate(ctx, "")
	assertReason(t, err, ReasonMissingToken)

	_, err = env.guard.Authenticate(ctx, pair.RefreshToken)
	assertReason(t, err, ReasonMalformed)
}

func TestAccessGuard_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, false)
	pair := env.login(t)

	env.clock.Advance(16 * time.Minute)

	_, err := env.guard.Authenticate(context.Background(), pair.AccessToken)
	assertReason(t, err, ReasonExpired)
}

func TestAccessGuard_BlacklistEntryExpiresWithToken(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	pair := env.login(t)

	if _, err := env.sessions.Logout(ctx, pair.RefreshToken, pair.AccessToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	env.clock.Advance(16 * time.Minute)
	deleted, err := env.blacklist.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", deleted)
	}

	// The token itself is past exp, so it stays rejected without the entry.
	_, err = env.guard.Authenticate(ctx, pair.AccessToken)
	assertReason(t, err, ReasonExpired)
}

func TestAccessGuard_StoreFailureIsNotAnAuthFailure(t *testing.T) {
	env := newTestEnv(t, false)
	pair := env.login(t)

	env.blacklist.FailReads = true

	_, err := env.guard.Authenticate(context.Background(), pair.AccessToken)
	assertInfraError(t, err)
}
