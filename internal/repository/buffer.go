package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"mp-relay/internal/buffer"
	"mp-relay/internal/domain"
)

// BufferStore keeps each conversation buffer as a list attribute on one
// item. list_append on a single item is atomic, which serializes appends per
// key across every Lambda instance.
type BufferStore struct {
	c *Client
}

// Buffers returns the DynamoDB-backed buffer.Store.
func (c *Client) Buffers() *BufferStore {
	return &BufferStore{c: c}
}

var _ buffer.Store = (*BufferStore)(nil)

// Append adds env to the tail of the conversation buffer.
func (b *BufferStore) Append(ctx context.Context, key domain.ConversationKey, env domain.Envelope) (buffer.Receipt, error) {
	entry, receipt := buffer.NewEntry(env)
	_, err := b.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(b.c.tableName),
		Key:              itemKey(key, skBuffer),
		UpdateExpression: aws.String("SET entries = list_append(if_not_exists(entries, :empty), :new), #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":new":   &types.AttributeValueMemberL{Value: []types.AttributeValue{entryToAttr(entry)}},
			":ttl":   numAttr(b.c.ttlAfter(bufferTTL)),
		},
	})
	if err != nil {
		return buffer.Receipt{}, fmt.Errorf("repository: Append: %w", err)
	}
	return receipt, nil
}

// ReadAll returns the buffer in arrival order using a strongly consistent read.
func (b *BufferStore) ReadAll(ctx context.Context, key domain.ConversationKey) ([]buffer.Entry, error) {
	out, err := b.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.c.tableName),
		Key:            itemKey(key, skBuffer),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ReadAll get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return []buffer.Entry{}, nil
	}
	list, ok := out.Item["entries"].(*types.AttributeValueMemberL)
	if !ok {
		return []buffer.Entry{}, nil
	}
	entries := make([]buffer.Entry, 0, len(list.Value))
	for i, v := range list.Value {
		entry, err := attrToEntry(v)
		if err != nil {
			return nil, fmt.Errorf("repository: ReadAll decode entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear removes the whole buffer item.
func (b *BufferStore) Clear(ctx context.Context, key domain.ConversationKey) error {
	_, err := b.c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.c.tableName),
		Key:       itemKey(key, skBuffer),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

func entryToAttr(e buffer.Entry) types.AttributeValue {
	m := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberS{Value: e.Envelope.ID},
		"token":      &types.AttributeValueMemberS{Value: e.Token},
		"sender":     &types.AttributeValueMemberS{Value: e.Envelope.Sender},
		"recipient":  &types.AttributeValueMemberS{Value: e.Envelope.Recipient},
		"content":    &types.AttributeValueMemberS{Value: e.Envelope.Content},
		"kind":       &types.AttributeValueMemberS{Value: string(e.Envelope.Kind)},
		"receivedAt": &types.AttributeValueMemberS{Value: e.Envelope.ReceivedAt.UTC().Format(time.RFC3339Nano)},
	}
	if v := e.Envelope.Voice; v != nil {
		m["voiceFormat"] = &types.AttributeValueMemberS{Value: v.Format}
		m["mediaId"] = &types.AttributeValueMemberS{Value: v.MediaID}
		m["mediaId16k"] = &types.AttributeValueMemberS{Value: v.MediaID16K}
	}
	return &types.AttributeValueMemberM{Value: m}
}

func attrToEntry(v types.AttributeValue) (buffer.Entry, error) {
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return buffer.Entry{}, fmt.Errorf("repository: buffer entry is not a map")
	}
	item := m.Value
	id, err := strAttr(item, "id")
	if err != nil {
		return buffer.Entry{}, err
	}
	token, _ := strAttr(item, "token") // entries written before tokens existed
	sender, _ := strAttr(item, "sender")
	recipient, _ := strAttr(item, "recipient")
	content, _ := strAttr(item, "content")
	kind, _ := strAttr(item, "kind")

	env := domain.Envelope{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Kind:      domain.Kind(kind),
	}
	if raw, err := strAttr(item, "receivedAt"); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			env.ReceivedAt = ts
		}
	}
	if format, err := strAttr(item, "voiceFormat"); err == nil {
		mediaID, _ := strAttr(item, "mediaId")
		mediaID16K, _ := strAttr(item, "mediaId16k")
		env.Voice = &domain.VoiceRef{Format: format, MediaID: mediaID, MediaID16K: mediaID16K}
	}
	return buffer.Entry{Envelope: env, Token: token}, nil
}
