package domain

import (
	"strings"
	"time"
)

// Kind classifies an inbound envelope by its payload.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVoice   Kind = "voice"
	KindUnknown Kind = "unknown"
)

// ParseKind maps a channel message type onto a Kind.
func ParseKind(msgType string) Kind {
	switch strings.ToLower(strings.TrimSpace(msgType)) {
	case "text":
		return KindText
	case "image":
		return KindImage
	case "voice":
		return KindVoice
	default:
		return KindUnknown
	}
}

// VoiceRef points at the channel-hosted audio of a voice envelope.
type VoiceRef struct {
	Format     string `json:"format"`
	MediaID    string `json:"mediaId"`
	MediaID16K string `json:"mediaId16k,omitempty"`
}

// PreferredMediaID returns the higher-fidelity media reference when present.
func (v VoiceRef) PreferredMediaID() string {
	if strings.TrimSpace(v.MediaID16K) != "" {
		return v.MediaID16K
	}
	return v.MediaID
}

// Envelope is one inbound chat message. Envelopes are never mutated after
// they are decoded from a webhook delivery.
type Envelope struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"kind"`
	ReceivedAt time.Time `json:"receivedAt"`
	Voice      *VoiceRef `json:"voice,omitempty"`
}

// Key returns the conversation the envelope belongs to.
func (e Envelope) Key() ConversationKey {
	return ConversationKey{FromUser: e.Sender, ToUser: e.Recipient}
}

// ConversationKey partitions buffers and sessions per user/account pair.
type ConversationKey struct {
	FromUser string
	ToUser   string
}

func (k ConversationKey) String() string {
	return k.FromUser + "#" + k.ToUser
}

// IsZero reports whether either side of the key is missing.
func (k ConversationKey) IsZero() bool {
	return strings.TrimSpace(k.FromUser) == "" || strings.TrimSpace(k.ToUser) == ""
}
