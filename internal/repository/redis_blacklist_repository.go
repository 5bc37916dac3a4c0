package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/qcom/queryportal/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type redisBlacklistEntry struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisBlacklistRepository keeps the blacklist in Redis. Entries carry a TTL
// equal to the remaining token lifetime and markers one equal to the
// access-token lifetime, so Redis expires them itself.
type RedisBlacklistRepository struct {
	client    *redis.Client
	markerTTL time.Duration
	now       func() time.Time
	logger    *logrus.Logger
}

func NewRedisBlacklistRepository(client *redis.Client, accessExpiry time.Duration, logger *logrus.Logger) *RedisBlacklistRepository {
	return &RedisBlacklistRepository{
		client:    client,
		markerTTL: accessExpiry,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *RedisBlacklistRepository) SetClock(now func() time.Time) {
	r.now = now
}

func blacklistKey(tokenHash string) string {
	return fmt.Sprintf("blacklist:%s", tokenHash)
}

func invalidationKey(userID string) string {
	return fmt.Sprintf("invalidated_before:%s", userID)
}

func (r *RedisBlacklistRepository) Blacklist(ctx context.Context, tokenHash, userID string, expiresAt time.Time, reason string) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(redisBlacklistEntry{UserID: userID, Reason: reason, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}

	if err := r.client.SetNX(ctx, blacklistKey(tokenHash), data, ttl).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to blacklist token in Redis")
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (r *RedisBlacklistRepository) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	exists, err := r.client.Exists(ctx, blacklistKey(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return exists > 0, nil
}

func (r *RedisBlacklistRepository) MarkAllInvalidatedNow(ctx context.Context, userID string) error {
	if err := r.client.Set(ctx, invalidationKey(userID), r.now().UnixMilli(), r.markerTTL).Err(); err != nil {
		return fmt.Errorf("failed to write invalidation marker: %w", err)
	}
	return nil
}

func (r *RedisBlacklistRepository) IsIssuedBeforeInvalidation(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	value, err := r.client.Get(ctx, invalidationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read invalidation marker: %w", err)
	}

	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt invalidation marker for user %s: %w", userID, err)
	}

	marker := models.UserTokenInvalidation{UserID: userID, InvalidatedAt: time.UnixMilli(millis)}
	return marker.Covers(issuedAt), nil
}

// PurgeExpired is a no-op: every key is written with a TTL.
func (r *RedisBlacklistRepository) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
