package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mp-relay/internal/dispatch"
	"mp-relay/internal/usecase"
)

const (
	defaultDifyBaseURL = "https://api.dify.ai/v1"
	defaultTTSVoice    = "alloy"
)

// LoadConfig reads the relay configuration through getenv (os.Getenv in
// main). PARAM_PREFIX and WECHAT_APP_ID are required.
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		StateTable:    strings.TrimSpace(getenv("STATE_TABLE")),
		ParamPrefix:   strings.TrimSpace(getenv("PARAM_PREFIX")),
		WeChatAppID:   strings.TrimSpace(getenv("WECHAT_APP_ID")),
		WeChatBaseURL: strings.TrimSpace(getenv("WECHAT_BASE_URL")),
		DifyBaseURL:   envString(getenv, "DIFY_BASE_URL", defaultDifyBaseURL),
		OpenAIBaseURL: strings.TrimSpace(getenv("OPENAI_BASE_URL")),
		TTSVoice:      envString(getenv, "TTS_VOICE", defaultTTSVoice),
		FFmpegPath:    strings.TrimSpace(getenv("FFMPEG_PATH")),
	}
	for _, req := range []struct{ key, val string }{
		{"PARAM_PREFIX", cfg.ParamPrefix},
		{"WECHAT_APP_ID", cfg.WeChatAppID},
	} {
		if req.val == "" {
			return Config{}, fmt.Errorf("app: required environment variable %s is not set", req.key)
		}
	}

	var err error
	if cfg.QuietWindow, err = envDuration(getenv, "QUIET_WINDOW", usecase.DefaultQuietWindow); err != nil {
		return Config{}, err
	}
	if cfg.SendPace, err = envDuration(getenv, "SEND_PACE", dispatch.DefaultPace); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurnMessages, err = envInt(getenv, "MAX_TURN_MESSAGES", usecase.DefaultMaxTurnMessages); err != nil {
		return Config{}, err
	}
	if cfg.SessionCacheSize, err = envInt(getenv, "SESSION_CACHE_SIZE", 4096); err != nil {
		return Config{}, err
	}
	if cfg.BufferShards, err = envInt(getenv, "BUFFER_SHARDS", 32); err != nil {
		return Config{}, err
	}
	if cfg.VoiceReplies, err = envBool(getenv, "VOICE_REPLIES", true); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("app: %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("app: %s must be a non-negative duration, got %q", key, v)
	}
	return d, nil
}

func envBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("app: %s must be a boolean, got %q", key, v)
	}
	return b, nil
}
