package domain

import "time"

// Direction tells whether a chat record came from the user or was sent back.
type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// ChatRecord is a persisted line of the conversation transcript.
type ChatRecord struct {
	PK        string
	SK        string
	Key       ConversationKey
	MessageID string
	Direction Direction
	Kind      Kind
	Content   string
	CreatedAt time.Time
	TTL       int64
}

// TurnResult is the backend's answer to one coalesced turn.
type TurnResult struct {
	Answer    string
	SessionID string
	MessageID string
}
