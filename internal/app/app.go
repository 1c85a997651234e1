// Package app wires the relay's components from a Config.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"mp-relay/handler"
	"mp-relay/internal/buffer"
	"mp-relay/internal/dispatch"
	"mp-relay/internal/integrations/dify"
	"mp-relay/internal/integrations/openai"
	"mp-relay/internal/integrations/paramstore"
	"mp-relay/internal/integrations/wechat"
	"mp-relay/internal/metrics"
	"mp-relay/internal/repository"
	"mp-relay/internal/session"
	"mp-relay/internal/usecase"
	"mp-relay/internal/voice"
)

// Parameter names under Config.ParamPrefix. Each holds {"token": "..."}.
const (
	paramWebhookToken = "wechat_webhook_token"
	paramAppSecret    = "wechat_app_secret"
	paramDifyKey      = "dify_api_key"
	paramOpenAIKey    = "openai_api_key"
)

type Config struct {
	// StateTable is the DynamoDB table for buffers, sessions and records.
	// Empty selects process-local stores.
	StateTable  string
	ParamPrefix string

	WeChatAppID   string
	WeChatBaseURL string
	DifyBaseURL   string
	OpenAIBaseURL string

	QuietWindow      time.Duration
	MaxTurnMessages  int
	SendPace         time.Duration
	VoiceReplies     bool
	TTSVoice         string
	SessionCacheSize int
	BufferShards     int
	FFmpegPath       string
}

// App holds the assembled components.
type App struct {
	Handler *handler.Handler
	Relay   *usecase.RelayService
}

// New builds every component. reg may be nil to disable metrics.
func New(cfg Config, awsCfg aws.Config, reg prometheus.Registerer, logger *slog.Logger) (*App, error) {
	if strings.TrimSpace(cfg.ParamPrefix) == "" {
		return nil, errors.New("app: parameter prefix must not be empty")
	}
	if strings.TrimSpace(cfg.WeChatAppID) == "" {
		return nil, errors.New("app: wechat app id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}
	secrets, err := params.Secrets(cfg.ParamPrefix, paramWebhookToken, paramAppSecret, paramDifyKey, paramOpenAIKey)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var wechatOpts []wechat.Option
	if cfg.WeChatBaseURL != "" {
		wechatOpts = append(wechatOpts, wechat.WithBaseURL(cfg.WeChatBaseURL))
	}
	channel, err := wechat.NewClient(cfg.WeChatAppID, secrets[paramAppSecret], wechatOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: wechat: %w", err)
	}
	backend, err := dify.NewClient(cfg.DifyBaseURL, secrets[paramDifyKey])
	if err != nil {
		return nil, fmt.Errorf("app: dify: %w", err)
	}
	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	audio, err := openai.NewClient(secrets[paramOpenAIKey], openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: openai: %w", err)
	}

	var (
		store        buffer.Store
		sessionStore session.Store
		records      usecase.RecordWriter
	)
	if cfg.StateTable != "" {
		state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: repository: %w", err)
		}
		store, sessionStore, records = state.Buffers(), state.Sessions(), state
	} else {
		logger.Warn("STATE_TABLE not set, using process-local state")
		store, sessionStore = buffer.NewMemoryStore(cfg.BufferShards), session.NewMemoryStore()
	}

	registry, err := session.NewRegistry(sessionStore, backend, cfg.SessionCacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	normalizer, err := voice.NewNormalizer(channel, voice.FFmpeg{Bin: cfg.FFmpegPath}, audio, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	var synth dispatch.Synthesizer
	if cfg.VoiceReplies {
		synth = audio
	}
	dispatcher, err := dispatch.NewDispatcher(channel, synth, cfg.TTSVoice, cfg.SendPace, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var recorder usecase.Metrics
	if reg != nil {
		m, err := metrics.New("", reg)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		recorder = m
	}

	relay, err := usecase.NewRelayService(usecase.RelayDeps{
		Buffer:     store,
		Normalizer: normalizer,
		Sessions:   registry,
		Backend:    backend,
		Dispatcher: dispatcher,
		Records:    records,
		Metrics:    recorder,
		Logger:     logger,
	}, usecase.RelayConfig{
		QuietWindow:     cfg.QuietWindow,
		MaxTurnMessages: cfg.MaxTurnMessages,
		VoiceReplies:    cfg.VoiceReplies,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	h, err := handler.NewHandler(relay, secrets[paramWebhookToken], logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return &App{Handler: h, Relay: relay}, nil
}
