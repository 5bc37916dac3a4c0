package service

import (
	"context"
	"testing"
	"time"
)

func TestPurgeScheduler_RunOnce(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	stale := env.login(t)
	if _, err := env.sessions.Logout(ctx, stale.RefreshToken, stale.AccessToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	// Live sessions survive the purge window even when created first.
	env.clock.Advance(24 * time.Hour)
	live := env.login(t)

	purger := NewPurgeScheduler("0 0 * * * *", time.Hour, env.tokens, env.blacklist, quietLogger())

	result, err := purger.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v, want nil", err)
	}
	if result.RefreshTokensDeleted != 1 {
		t.Errorf("RefreshTokensDeleted = %d, want 1", result.RefreshTokensDeleted)
	}
	if result.BlacklistDeleted != 1 {
		t.Errorf("BlacklistDeleted = %d, want 1", result.BlacklistDeleted)
	}

	if _, ok := env.tokens.Get(stale.SessionID); ok {
		t.Error("long-revoked token not purged")
	}
	if _, ok := env.tokens.Get(live.SessionID); !ok {
		t.Error("live token purged")
	}

	again, err := purger.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() second pass error = %v", err)
	}
	if again.RefreshTokensDeleted != 0 || again.BlacklistDeleted != 0 {
		t.Errorf("second RunOnce() = %+v, want nothing left to delete", again)
	}
}

func TestPurgeScheduler_StoreFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.tokens.Fail = true

	purger := NewPurgeScheduler("0 0 * * * *", time.Hour, env.tokens, env.blacklist, quietLogger())

	_, err := purger.RunOnce(context.Background())
	assertInfraError(t, err)
}

func TestPurgeScheduler_StartRejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t, false)
	purger := NewPurgeScheduler("every hour", time.Hour, env.tokens, env.blacklist, quietLogger())

	if err := purger.Start(); err == nil {
		purger.Stop()
		t.Fatal("Start() error = nil, want error for invalid schedule")
	}
}

func TestPurgeScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t, false)
	purger := NewPurgeScheduler("0 0 * * * *", time.Hour, env.tokens, env.blacklist, quietLogger())

	if err := purger.Start(); err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	purger.Stop()
}
