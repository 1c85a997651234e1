package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"mp-relay/internal/domain"
)

// SessionStore persists the conversation -> backend session mapping.
type SessionStore struct {
	c *Client
}

// Sessions returns the DynamoDB-backed session mapping.
func (c *Client) Sessions() *SessionStore {
	return &SessionStore{c: c}
}

// Load returns the stored session id, or "" when none exists.
func (s *SessionStore) Load(ctx context.Context, key domain.ConversationKey) (string, error) {
	out, err := s.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.c.tableName),
		Key:            itemKey(key, skSession),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: Load session: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	id, err := strAttr(out.Item, "sessionId")
	if err != nil {
		return "", fmt.Errorf("repository: Load session decode: %w", err)
	}
	return id, nil
}

// PutIfAbsent stores sessionID unless a mapping already exists, and returns
// the id that is persisted afterwards.
func (s *SessionStore) PutIfAbsent(ctx context.Context, key domain.ConversationKey, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("repository: PutIfAbsent: session id is required")
	}
	item := itemKey(key, skSession)
	item["sessionId"] = &types.AttributeValueMemberS{Value: sessionID}
	item["createdAt"] = &types.AttributeValueMemberS{Value: s.c.now().UTC().Format(time.RFC3339)}

	_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err == nil {
		return sessionID, nil
	}
	if !isConditionFailed(err) {
		return "", fmt.Errorf("repository: PutIfAbsent: %w", err)
	}
	existing, err := s.Load(ctx, key)
	if err != nil {
		return "", fmt.Errorf("repository: PutIfAbsent: %w", err)
	}
	return existing, nil
}
