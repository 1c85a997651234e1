package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"text":     KindText,
		" Voice ":  KindVoice,
		"image":    KindImage,
		"location": KindUnknown,
		"":         KindUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseKind(in), "msgType=%q", in)
	}
}

func TestVoiceRef_PreferredMediaID(t *testing.T) {
	require.Equal(t, "hi-fi", VoiceRef{MediaID: "base", MediaID16K: "hi-fi"}.PreferredMediaID())
	require.Equal(t, "base", VoiceRef{MediaID: "base", MediaID16K: "  "}.PreferredMediaID())
}

func TestEnvelope_Key(t *testing.T) {
	env := Envelope{Sender: "openid-1", Recipient: "gh_abc"}
	key := env.Key()
	require.Equal(t, ConversationKey{FromUser: "openid-1", ToUser: "gh_abc"}, key)
	require.Equal(t, "openid-1#gh_abc", key.String())
	require.False(t, key.IsZero())
	require.True(t, ConversationKey{FromUser: "openid-1"}.IsZero())
}
