package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/queryportal/internal/database"
	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Set TEST_DATABASE_URL to a disposable PostgreSQL database to run these.
func openTestDB(t *testing.T) (*gorm.DB, *logrus.Logger) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	logger, _ := logtest.NewNullLogger()
	if err := database.Migrate(db, logger); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	t.Cleanup(func() { database.Close(db) })
	return db, logger
}

func createTestUser(t *testing.T, db *gorm.DB, logger *logrus.Logger) *models.User {
	t.Helper()

	users := NewUserRepository(db, logger)
	user := &models.User{
		Email:        uuid.New().String() + "@example.com",
		PasswordHash: "x",
		Role:         "developer",
		IsActive:     true,
	}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Cleanup(func() {
		db.Where("id = ?", user.ID).Delete(&models.User{})
	})
	return user
}

func newTestToken(userID, familyID, parentID string) models.NewRefreshToken {
	id := uuid.New().String()
	return models.NewRefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: uuid.New().String() + uuid.New().String()[:28],
		FamilyID:  familyID,
		ParentID:  parentID,
		IPAddress: "10.0.0.1",
		UserAgent: "integration-test",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestPostgres_ClaimIsExactlyOnce(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewRefreshTokenRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	token := newTestToken(user.ID, uuid.New().String(), "")
	if err := repo.CreateFamily(ctx, token); err != nil {
		t.Fatalf("CreateFamily() error = %v", err)
	}

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := repo.ClaimForRotation(ctx, token.ID)
			if err != nil {
				t.Errorf("ClaimForRotation() error = %v", err)
				return
			}
			if result.Claimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if claimed != 1 {
		t.Errorf("claimed = %d, want exactly 1", claimed)
	}

	record, err := repo.FindByID(ctx, token.ID)
	if err != nil || record == nil {
		t.Fatalf("FindByID() = %v, %v", record, err)
	}
	if !record.IsUsed || record.UsedAt == nil {
		t.Error("claimed token not marked used")
	}
}

func TestPostgres_SuccessorInheritsFamilyRevocation(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewRefreshTokenRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	familyID := uuid.New().String()
	parent := newTestToken(user.ID, familyID, "")
	if err := repo.CreateFamily(ctx, parent); err != nil {
		t.Fatalf("CreateFamily() error = %v", err)
	}

	revoked, err := repo.RevokeFamily(ctx, familyID)
	if err != nil || revoked != 1 {
		t.Fatalf("RevokeFamily() = %d, %v, want 1, nil", revoked, err)
	}

	child := newTestToken(user.ID, familyID, parent.ID)
	if err := repo.ContinueFamily(ctx, child); err != nil {
		t.Fatalf("ContinueFamily() error = %v", err)
	}

	record, err := repo.FindByID(ctx, child.ID)
	if err != nil || record == nil {
		t.Fatalf("FindByID() = %v, %v", record, err)
	}
	if !record.IsRevoked {
		t.Error("successor of a revoked token is live")
	}
}

func TestPostgres_LookupByHash(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewRefreshTokenRepository(db, logger)
	users := NewUserRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	token := newTestToken(user.ID, uuid.New().String(), "")
	if err := repo.CreateFamily(ctx, token); err != nil {
		t.Fatalf("CreateFamily() error = %v", err)
	}

	found, err := repo.LookupByHash(ctx, token.TokenHash, token.ID)
	if err != nil || found == nil {
		t.Fatalf("LookupByHash() = %v, %v, want record", found, err)
	}
	if found.UserEmail != user.Email || found.UserRole != user.Role {
		t.Errorf("joined user = %s/%s, want %s/%s", found.UserEmail, found.UserRole, user.Email, user.Role)
	}

	if miss, _ := repo.LookupByHash(ctx, token.TokenHash, uuid.New().String()); miss != nil {
		t.Error("LookupByHash() matched on hash alone")
	}

	if err := users.SetActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if miss, _ := repo.LookupByHash(ctx, token.TokenHash, token.ID); miss != nil {
		t.Error("LookupByHash() returned a token of an inactive user")
	}
}

func TestPostgres_RevokeByHashOutcomes(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewRefreshTokenRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	token := newTestToken(user.ID, uuid.New().String(), "")
	if err := repo.CreateFamily(ctx, token); err != nil {
		t.Fatalf("CreateFamily() error = %v", err)
	}

	want := []models.RevokeResult{models.RevokeResultRevoked, models.RevokeResultAlreadyRevoked}
	for i, w := range want {
		got, err := repo.RevokeByHash(ctx, token.TokenHash)
		if err != nil || got != w {
			t.Errorf("RevokeByHash() call %d = %v, %v, want %v", i+1, got, err, w)
		}
	}

	if got, _ := repo.RevokeByHash(ctx, "unknown"); got != models.RevokeResultNotFound {
		t.Errorf("RevokeByHash(unknown) = %v, want not found", got)
	}
}

func TestPostgres_ListActiveAndPurge(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewRefreshTokenRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	active := newTestToken(user.ID, uuid.New().String(), "")
	expired := newTestToken(user.ID, uuid.New().String(), "")
	expired.ExpiresAt = time.Now().Add(-48 * time.Hour)
	for _, token := range []models.NewRefreshToken{active, expired} {
		if err := repo.CreateFamily(ctx, token); err != nil {
			t.Fatalf("CreateFamily() error = %v", err)
		}
	}

	sessions, err := repo.ListActiveForUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListActiveForUser() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != active.ID {
		t.Errorf("ListActiveForUser() = %d records, want only the active one", len(sessions))
	}

	if _, err := repo.PurgeExpired(ctx, 24*time.Hour); err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if record, _ := repo.FindByID(ctx, expired.ID); record != nil {
		t.Error("expired token survived the purge")
	}
	if record, _ := repo.FindByID(ctx, active.ID); record == nil {
		t.Error("active token purged")
	}

	if ok, err := repo.RevokeByID(ctx, uuid.New().String(), active.ID); err != nil || ok {
		t.Errorf("RevokeByID(other user) = %v, %v, want false, nil", ok, err)
	}
}

func TestPostgres_UserRepository(t *testing.T) {
	db, logger := openTestDB(t)
	users := NewUserRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	dup := &models.User{Email: user.Email, PasswordHash: "x", IsActive: true}
	if err := users.Create(ctx, dup); !errors.Is(err, ErrUserExists) {
		t.Errorf("Create(duplicate) error = %v, want ErrUserExists", err)
	}

	if found, err := users.GetByEmail(ctx, "missing-"+user.Email); err != nil || found != nil {
		t.Errorf("GetByEmail(missing) = %v, %v, want nil, nil", found, err)
	}
	if found, err := users.GetByID(ctx, "not-a-uuid"); err != nil || found != nil {
		t.Errorf("GetByID(invalid) = %v, %v, want nil, nil", found, err)
	}
	if found, err := users.GetByID(ctx, user.ID); err != nil || found == nil || found.Email != user.Email {
		t.Errorf("GetByID(existing) = %v, %v, want %s", found, err, user.Email)
	}
}

func TestPostgres_Blacklist(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewBlacklistRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()
	hash := uuid.New().String()

	t.Cleanup(func() {
		db.Where("token_hash = ?", hash).Delete(&models.BlacklistedToken{})
		db.Where("user_id = ?", user.ID).Delete(&models.UserTokenInvalidation{})
	})

	for i := 0; i < 2; i++ {
		if err := repo.Blacklist(ctx, hash, user.ID, time.Now().Add(time.Hour), models.BlacklistReasonLogout); err != nil {
			t.Fatalf("Blacklist() call %d error = %v, want nil", i+1, err)
		}
	}
	if ok, err := repo.IsBlacklisted(ctx, hash); err != nil || !ok {
		t.Errorf("IsBlacklisted() = %v, %v, want true, nil", ok, err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.MarkAllInvalidatedNow(ctx, user.ID); err != nil {
			t.Fatalf("MarkAllInvalidatedNow() call %d error = %v", i+1, err)
		}
	}
	if stale, err := repo.IsIssuedBeforeInvalidation(ctx, user.ID, time.Now().Add(-time.Minute)); err != nil || !stale {
		t.Errorf("IsIssuedBeforeInvalidation(earlier) = %v, %v, want true, nil", stale, err)
	}
	if stale, err := repo.IsIssuedBeforeInvalidation(ctx, user.ID, time.Now().Add(time.Minute)); err != nil || stale {
		t.Errorf("IsIssuedBeforeInvalidation(later) = %v, %v, want false, nil", stale, err)
	}
}

func TestPostgres_RepositoryClock(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewRefreshTokenRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	now := time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Microsecond)
	repo.SetClock(func() time.Time { return now })

	token := newTestToken(user.ID, uuid.New().String(), "")
	token.ExpiresAt = now.Add(time.Hour)
	if err := repo.CreateFamily(ctx, token); err != nil {
		t.Fatalf("CreateFamily() error = %v", err)
	}

	// Expired by wall time, live by the repository clock.
	if found, err := repo.LookupByHash(ctx, token.TokenHash, token.ID); err != nil || found == nil {
		t.Fatalf("LookupByHash() = %v, %v, want record", found, err)
	}

	result, err := repo.ClaimForRotation(ctx, token.ID)
	if err != nil || !result.Claimed {
		t.Fatalf("ClaimForRotation() = %+v, %v, want claimed", result, err)
	}
	if result.Record.UsedAt == nil || !result.Record.UsedAt.Equal(now) {
		t.Errorf("UsedAt = %v, want %v", result.Record.UsedAt, now)
	}

	if _, err := repo.RevokeFamily(ctx, token.FamilyID); err != nil {
		t.Fatalf("RevokeFamily() error = %v", err)
	}
	record, err := repo.FindByID(ctx, token.ID)
	if err != nil || record == nil || record.RevokedAt == nil || !record.RevokedAt.Equal(now) {
		t.Errorf("RevokedAt = %v (err %v), want %v", record, err, now)
	}
}

func TestPostgres_InvalidationMarkerMillis(t *testing.T) {
	db, logger := openTestDB(t)
	repo := NewBlacklistRepository(db, logger)
	user := createTestUser(t, db, logger)
	ctx := context.Background()

	t.Cleanup(func() {
		db.Where("user_id = ?", user.ID).Delete(&models.UserTokenInvalidation{})
	})

	markedAt := time.Now().Truncate(time.Second).Add(400 * time.Millisecond)
	repo.SetClock(func() time.Time { return markedAt })
	if err := repo.MarkAllInvalidatedNow(ctx, user.ID); err != nil {
		t.Fatalf("MarkAllInvalidatedNow() error = %v", err)
	}

	if stale, err := repo.IsIssuedBeforeInvalidation(ctx, user.ID, markedAt.Add(-300*time.Millisecond)); err != nil || !stale {
		t.Errorf("IsIssuedBeforeInvalidation(300ms earlier) = %v, %v, want true, nil", stale, err)
	}
	if stale, err := repo.IsIssuedBeforeInvalidation(ctx, user.ID, markedAt.Add(300*time.Millisecond)); err != nil || stale {
		t.Errorf("IsIssuedBeforeInvalidation(300ms later) = %v, %v, want false, nil", stale, err)
	}
}
