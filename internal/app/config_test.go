package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(env(map[string]string{
		"PARAM_PREFIX":  "/mp-relay/prod",
		"WECHAT_APP_ID": "wx-app",
	}))
	require.NoError(t, err)
	require.Equal(t, Config{
		ParamPrefix:      "/mp-relay/prod",
		WeChatAppID:      "wx-app",
		DifyBaseURL:      "https://api.dify.ai/v1",
		TTSVoice:         "alloy",
		QuietWindow:      5 * time.Second,
		SendPace:         500 * time.Millisecond,
		MaxTurnMessages:  5,
		SessionCacheSize: 4096,
		BufferShards:     32,
		VoiceReplies:     true,
	}, cfg)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(env(map[string]string{
		"STATE_TABLE":       "mp-relay-state",
		"PARAM_PREFIX":      "/mp-relay/prod",
		"WECHAT_APP_ID":     "wx-app",
		"DIFY_BASE_URL":     "https://dify.internal/v1",
		"QUIET_WINDOW":      "3s",
		"SEND_PACE":         "1s",
		"MAX_TURN_MESSAGES": "8",
		"VOICE_REPLIES":     "false",
		"TTS_VOICE":         "nova",
	}))
	require.NoError(t, err)
	require.Equal(t, "mp-relay-state", cfg.StateTable)
	require.Equal(t, "https://dify.internal/v1", cfg.DifyBaseURL)
	require.Equal(t, 3*time.Second, cfg.QuietWindow)
	require.Equal(t, time.Second, cfg.SendPace)
	require.Equal(t, 8, cfg.MaxTurnMessages)
	require.False(t, cfg.VoiceReplies)
	require.Equal(t, "nova", cfg.TTSVoice)
}

func TestLoadConfig_Errors(t *testing.T) {
	base := map[string]string{"PARAM_PREFIX": "/p", "WECHAT_APP_ID": "wx"}
	cases := map[string]map[string]string{
		"missing prefix": {"WECHAT_APP_ID": "wx"},
		"missing app id": {"PARAM_PREFIX": "/p"},
		"bad window":     {"QUIET_WINDOW": "soon"},
		"negative pace":  {"SEND_PACE": "-1s"},
		"bad max":        {"MAX_TURN_MESSAGES": "zero"},
		"zero max":       {"MAX_TURN_MESSAGES": "0"},
		"bad voice flag": {"VOICE_REPLIES": "maybe"},
		"bad cache size": {"SESSION_CACHE_SIZE": "-5"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			vals := map[string]string{}
			if name != "missing prefix" && name != "missing app id" {
				for k, v := range base {
					vals[k] = v
				}
			}
			for k, v := range overrides {
				vals[k] = v
			}
			_, err := LoadConfig(env(vals))
			require.Error(t, err)
		})
	}
}
