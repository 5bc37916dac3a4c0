package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
)

type blacklistItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	UserID    string `dynamodbav:"UserID"`
	Reason    string `dynamodbav:"Reason"`
	ExpiresAt string `dynamodbav:"ExpiresAt"`
	TTL       int64  `dynamodbav:"TTL"`
}

type invalidationItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	InvalidatedAt int64  `dynamodbav:"InvalidatedAt"` // unix milliseconds
	TTL           int64  `dynamodbav:"TTL"`
}

// DynamoBlacklistRepository keeps the blacklist in a single DynamoDB table.
// Items carry a TTL attribute; DynamoDB deletes them lazily, so reads also
// check ExpiresAt.
type DynamoBlacklistRepository struct {
	client    *dynamodb.Client
	tableName string
	markerTTL time.Duration
	now       func() time.Time
	logger    *logrus.Logger
}

func NewDynamoBlacklistRepository(client *dynamodb.Client, tableName string, accessExpiry time.Duration, logger *logrus.Logger) *DynamoBlacklistRepository {
	return &DynamoBlacklistRepository{
		client:    client,
		tableName: tableName,
		markerTTL: accessExpiry,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *DynamoBlacklistRepository) SetClock(now func() time.Time) {
	r.now = now
}

func blacklistPK(tokenHash string) string {
	return fmt.Sprintf("BLACKLIST#%s", tokenHash)
}

func invalidationPK(userID string) string {
	return fmt.Sprintf("INVALIDATION#%s", userID)
}

func itemKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func (r *DynamoBlacklistRepository) Blacklist(ctx context.Context, tokenHash, userID string, expiresAt time.Time, reason string) error {
	item, err := attributevalue.MarshalMap(blacklistItem{
		PK:        blacklistPK(tokenHash),
		SK:        "METADATA",
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		TTL:       expiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		r.logger.WithError(err).Error("Failed to blacklist token in DynamoDB")
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	return nil
}

func (r *DynamoBlacklistRepository) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(blacklistPK(tokenHash)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	if result.Item == nil {
		return false, nil
	}

	var item blacklistItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return false, fmt.Errorf("failed to unmarshal blacklist entry: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, item.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("corrupt blacklist entry: %w", err)
	}
	return r.now().Before(expiresAt), nil
}

func (r *DynamoBlacklistRepository) MarkAllInvalidatedNow(ctx context.Context, userID string) error {
	now := r.now()
	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: invalidationPK(userID)},
		"SK":            &types.AttributeValueMemberS{Value: "METADATA"},
		"InvalidatedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		"TTL":           &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(r.markerTTL).Unix(), 10)},
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to write invalidation marker: %w", err)
	}
	return nil
}

func (r *DynamoBlacklistRepository) IsIssuedBeforeInvalidation(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(invalidationPK(userID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to read invalidation marker: %w", err)
	}
	if result.Item == nil {
		return false, nil
	}

	var item invalidationItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return false, fmt.Errorf("failed to unmarshal invalidation marker: %w", err)
	}

	marker := models.UserTokenInvalidation{UserID: userID, InvalidatedAt: time.UnixMilli(item.InvalidatedAt)}
	return marker.Covers(issuedAt), nil
}

// PurgeExpired is a no-op: DynamoDB TTL removes expired items.
func (r *DynamoBlacklistRepository) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
