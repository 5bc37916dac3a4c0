// Package servicetest provides in-memory stores for exercising the session
// services without a database. Every mutation happens under one mutex, which
// gives the same atomicity the SQL store gets from conditional statements.
package servicetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/qcom/queryportal/internal/models"
)

// ErrUnavailable is returned by stores whose Fail flag is set.
var ErrUnavailable = errors.New("store unavailable")

type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
	users  *UserStore
	now    func() time.Time

	// Fail makes every call return ErrUnavailable.
	Fail bool
}

func NewTokenStore(users *UserStore) *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*models.RefreshToken),
		users:  users,
		now:    time.Now,
	}
}

func (s *TokenStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *TokenStore) insert(token models.NewRefreshToken) *models.RefreshToken {
	record := &models.RefreshToken{
		ID:        token.ID,
		UserID:    token.UserID,
		TokenHash: token.TokenHash,
		FamilyID:  token.FamilyID,
		IPAddress: token.IPAddress,
		UserAgent: token.UserAgent,
		ExpiresAt: token.ExpiresAt,
		CreatedAt: s.now(),
	}
	if token.ParentID != "" {
		parentID := token.ParentID
		record.ParentID = &parentID
	}
	s.tokens[record.ID] = record
	return record
}

func (s *TokenStore) CreateFamily(ctx context.Context, token models.NewRefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	s.insert(token)
	return nil
}

func (s *TokenStore) ContinueFamily(ctx context.Context, token models.NewRefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}

	parent, ok := s.tokens[token.ParentID]
	if !ok || parent.FamilyID != token.FamilyID {
		return errors.New("parent token not found")
	}

	record := s.insert(token)
	if parent.IsRevoked {
		now := s.now()
		record.IsRevoked = true
		record.RevokedAt = &now
	}
	return nil
}

func (s *TokenStore) ClaimForRotation(ctx context.Context, tokenID string) (*models.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}

	record, ok := s.tokens[tokenID]
	if !ok {
		return &models.ClaimResult{}, nil
	}
	if record.IsUsed || record.IsRevoked {
		copied := *record
		return &models.ClaimResult{Record: &copied}, nil
	}

	now := s.now()
	record.IsUsed = true
	record.UsedAt = &now
	copied := *record
	return &models.ClaimResult{Claimed: true, Record: &copied}, nil
}

func (s *TokenStore) LookupByHash(ctx context.Context, tokenHash, tokenID string) (*models.RefreshTokenWithUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}

	record, ok := s.tokens[tokenID]
	if !ok || record.TokenHash != tokenHash || record.IsRevoked || !record.ExpiresAt.After(s.now()) {
		return nil, nil
	}

	user := s.users.byID(record.UserID)
	if user == nil || !user.IsActive {
		return nil, nil
	}

	return &models.RefreshTokenWithUser{
		RefreshToken:    *record,
		UserEmail:       user.Email,
		UserRole:        user.Role,
		UserPodID:       user.PodID,
		UserManagedPods: append(pq.StringArray(nil), user.ManagedPods...),
	}, nil
}

func (s *TokenStore) FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}

	record, ok := s.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *TokenStore) revoke(record *models.RefreshToken) {
	now := s.now()
	record.IsRevoked = true
	record.RevokedAt = &now
}

func (s *TokenStore) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return s.revokeWhere(func(r *models.RefreshToken) bool { return r.FamilyID == familyID })
}

func (s *TokenStore) RevokeByID(ctx context.Context, userID, tokenID string) (bool, error) {
	n, err := s.revokeWhere(func(r *models.RefreshToken) bool { return r.ID == tokenID && r.UserID == userID })
	return n > 0, err
}

func (s *TokenStore) RevokeByHash(ctx context.Context, tokenHash string) (models.RevokeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return models.RevokeResultNotFound, ErrUnavailable
	}

	for _, record := range s.tokens {
		if record.TokenHash != tokenHash {
			continue
		}
		if record.IsRevoked {
			return models.RevokeResultAlreadyRevoked, nil
		}
		s.revoke(record)
		return models.RevokeResultRevoked, nil
	}
	return models.RevokeResultNotFound, nil
}

func (s *TokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.revokeWhere(func(r *models.RefreshToken) bool { return r.UserID == userID })
}

func (s *TokenStore) revokeWhere(match func(*models.RefreshToken) bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}

	var n int64
	for _, record := range s.tokens {
		if !record.IsRevoked && match(record) {
			s.revoke(record)
			n++
		}
	}
	return n, nil
}

func (s *TokenStore) ListActiveForUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}

	now := s.now()
	var records []models.RefreshToken
	for _, record := range s.tokens {
		if record.UserID == userID && !record.IsUsed && !record.IsRevoked && record.ExpiresAt.After(now) {
			records = append(records, *record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (s *TokenStore) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}

	cutoff := s.now().Add(-retention)
	var n int64
	for id, record := range s.tokens {
		expired := record.ExpiresAt.Before(cutoff)
		longRevoked := record.IsRevoked && record.RevokedAt != nil && record.RevokedAt.Before(cutoff)
		if expired || longRevoked {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored record for assertions.
func (s *TokenStore) Get(tokenID string) (models.RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[tokenID]
	if !ok {
		return models.RefreshToken{}, false
	}
	return *record, true
}

// Family returns copies of every record in the family.
func (s *TokenStore) Family(familyID string) []models.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []models.RefreshToken
	for _, record := range s.tokens {
		if record.FamilyID == familyID {
			records = append(records, *record)
		}
	}
	return records
}

// Len reports how many records are stored.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type blacklistEntry struct {
	userID    string
	reason    string
	expiresAt time.Time
}

type BlacklistStore struct {
	mu      sync.Mutex
	entries map[string]blacklistEntry
	markers map[string]models.UserTokenInvalidation
	now     func() time.Time

	// FailWrites makes Blacklist and MarkAllInvalidatedNow fail.
	FailWrites bool
	// FailReads makes IsBlacklisted and IsIssuedBeforeInvalidation fail.
	FailReads bool
}

func NewBlacklistStore() *BlacklistStore {
	return &BlacklistStore{
		entries: make(map[string]blacklistEntry),
		markers: make(map[string]models.UserTokenInvalidation),
		now:     time.Now,
	}
}

func (s *BlacklistStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *BlacklistStore) Blacklist(ctx context.Context, tokenHash, userID string, expiresAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrUnavailable
	}
	if _, ok := s.entries[tokenHash]; !ok {
		s.entries[tokenHash] = blacklistEntry{userID: userID, reason: reason, expiresAt: expiresAt}
	}
	return nil
}

func (s *BlacklistStore) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return false, ErrUnavailable
	}
	entry, ok := s.entries[tokenHash]
	return ok && entry.expiresAt.After(s.now()), nil
}

func (s *BlacklistStore) MarkAllInvalidatedNow(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrUnavailable
	}
	now := s.now()
	s.markers[userID] = models.UserTokenInvalidation{UserID: userID, InvalidatedAt: now, UpdatedAt: now}
	return nil
}

func (s *BlacklistStore) IsIssuedBeforeInvalidation(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return false, ErrUnavailable
	}
	marker, ok := s.markers[userID]
	return ok && marker.Covers(issuedAt), nil
}

func (s *BlacklistStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for hash, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, hash)
			n++
		}
	}
	return n, nil
}

// Reason returns the recorded reason for a blacklisted hash.
func (s *BlacklistStore) Reason(tokenHash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tokenHash]
	return entry.reason, ok
}

type UserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*models.User)}
}

// Add stores a copy of user.
func (s *UserStore) Add(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	s.users[user.ID] = &user
}

func (s *UserStore) SetActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[id]; ok {
		user.IsActive = active
	}
}

func (s *UserStore) byID(id string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil
	}
	copied := *user
	return &copied
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, nil
}
