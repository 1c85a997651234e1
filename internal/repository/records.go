package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"mp-relay/internal/domain"
)

// NewChatRecord constructs a ChatRecord with PK/SK derived from the key and
// message id. CreatedAt and TTL come from the current time.
func (c *Client) NewChatRecord(key domain.ConversationKey, messageID string, dir domain.Direction, kind domain.Kind, content string) domain.ChatRecord {
	now := c.now().UTC()
	return domain.ChatRecord{
		PK:        convPK(key),
		SK:        recordSK(messageID),
		Key:       key,
		MessageID: messageID,
		Direction: dir,
		Kind:      kind,
		Content:   content,
		CreatedAt: now,
		TTL:       c.ttlAfter(recordTTL),
	}
}

// WriteRecord persists a transcript line. A record that already exists is
// left untouched so retried deliveries do not rewrite history.
func (c *Client) WriteRecord(ctx context.Context, rec domain.ChatRecord) error {
	if rec.PK == "" || rec.SK == "" {
		return errors.New("repository: WriteRecord: PK and SK are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                recordItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: WriteRecord: %w", err)
	}
	return nil
}

// Record builds and writes a transcript line in one call.
func (c *Client) Record(ctx context.Context, key domain.ConversationKey, messageID string, dir domain.Direction, kind domain.Kind, content string) error {
	return c.WriteRecord(ctx, c.NewChatRecord(key, messageID, dir, kind, content))
}

func recordItem(rec domain.ChatRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: rec.PK},
		"SK":        &types.AttributeValueMemberS{Value: rec.SK},
		"fromUser":  &types.AttributeValueMemberS{Value: rec.Key.FromUser},
		"toUser":    &types.AttributeValueMemberS{Value: rec.Key.ToUser},
		"messageId": &types.AttributeValueMemberS{Value: rec.MessageID},
		"direction": &types.AttributeValueMemberS{Value: string(rec.Direction)},
		"kind":      &types.AttributeValueMemberS{Value: string(rec.Kind)},
		"content":   &types.AttributeValueMemberS{Value: rec.Content},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.Format(time.RFC3339)},
		"ttl":       numAttr(rec.TTL),
	}
}
