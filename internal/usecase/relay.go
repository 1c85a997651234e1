package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"mp-relay/internal/buffer"
	"mp-relay/internal/dispatch"
	"mp-relay/internal/domain"
	"mp-relay/internal/voice"
)

const (
	DefaultQuietWindow     = 5 * time.Second
	DefaultMaxTurnMessages = 5
	defaultPlatform        = "wechat_mp"

	TopicText  = "MP conversation"
	TopicVoice = "MP voice conversation"

	turnSeparator = "\n\n"
	replyIDPrefix = "ai_reply_"
)

// Guard checkpoints, used in logs and metric labels.
const (
	checkpointAfterWait      = "after_wait"
	checkpointBeforeBackend  = "before_backend"
	checkpointBeforeDispatch = "before_dispatch"
	checkpointBeforeClear    = "before_clear"
)

// Outcome is how a single delivery ended.
type Outcome int

const (
	// OutcomeFailed accompanies a non-nil error.
	OutcomeFailed Outcome = iota
	OutcomeDispatched
	OutcomeSuperseded
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

type Normalizer interface {
	Normalize(ctx context.Context, key domain.ConversationKey, env domain.Envelope) voice.Result
}

type SessionRegistry interface {
	GetOrEmpty(ctx context.Context, key domain.ConversationKey) (string, error)
	Ensure(ctx context.Context, key domain.ConversationKey, sessionID, topic string) (string, error)
}

type Backend interface {
	CreateTurn(ctx context.Context, query, userID, sessionID string, inputs map[string]any) (domain.TurnResult, error)
	SubmitFeedback(ctx context.Context, messageID, userID, rating, content string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID, reply string, mode dispatch.Mode) (dispatch.Delivery, error)
}

// RecordWriter persists transcript lines. Failures are logged only.
type RecordWriter interface {
	Record(ctx context.Context, key domain.ConversationKey, messageID string, dir domain.Direction, kind domain.Kind, content string) error
}

type Metrics interface {
	RecordTurn(outcome, checkpoint string)
	RecordFallback(kind string)
	RecordBackend(d time.Duration, err error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// RelayDeps are the collaborators of a RelayService. Records and Metrics are
// optional.
type RelayDeps struct {
	Buffer     buffer.Store
	Normalizer Normalizer
	Sessions   SessionRegistry
	Backend    Backend
	Dispatcher Dispatcher
	Records    RecordWriter
	Metrics    Metrics
	Logger     *slog.Logger
}

type RelayConfig struct {
	QuietWindow     time.Duration
	MaxTurnMessages int
	VoiceReplies    bool
	Platform        string
}

// RelayService coalesces bursts of envelopes per conversation into a single
// backend turn. Each delivery runs Relay once; only the delivery whose
// envelope is still the newest at every checkpoint gets to reply.
type RelayService struct {
	buffer     buffer.Store
	guard      *buffer.Guard
	normalizer Normalizer
	sessions   SessionRegistry
	backend    Backend
	dispatcher Dispatcher
	records    RecordWriter
	metrics    Metrics
	logger     *slog.Logger
	cfg        RelayConfig

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

func NewRelayService(deps RelayDeps, cfg RelayConfig) (*RelayService, error) {
	if deps.Buffer == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("usecase: normalizer must not be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("usecase: session registry must not be nil")
	}
	if deps.Backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	guard, err := buffer.NewGuard(deps.Buffer)
	if err != nil {
		return nil, err
	}
	if deps.Records == nil {
		deps.Records = nopRecords{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.QuietWindow < 0 {
		return nil, errors.New("usecase: quiet window must not be negative")
	}
	if cfg.MaxTurnMessages <= 0 {
		cfg.MaxTurnMessages = DefaultMaxTurnMessages
	}
	if strings.TrimSpace(cfg.Platform) == "" {
		cfg.Platform = defaultPlatform
	}
	return &RelayService{
		buffer:     deps.Buffer,
		guard:      guard,
		normalizer: deps.Normalizer,
		sessions:   deps.Sessions,
		backend:    deps.Backend,
		dispatcher: deps.Dispatcher,
		records:    deps.Records,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		wait:       sleepContext,
		now:        time.Now,
	}, nil
}

// Relay runs one delivery through buffer, quiet window, guard checkpoints,
// backend and dispatch. A superseded delivery returns OutcomeSuperseded with a
// nil error and never replies. On any error the buffer is left intact so the
// next delivery for the conversation re-includes its messages.
func (s *RelayService) Relay(ctx context.Context, env domain.Envelope) (Outcome, error) {
	key := env.Key()
	if key.IsZero() || strings.TrimSpace(env.ID) == "" {
		return OutcomeFailed, newError(ErrorInvalidInput, "missing_envelope_fields", nil)
	}
	log := s.logger.With("key", key.String(), "envelope_id", env.ID)

	s.record(ctx, log, key, env.ID, domain.DirectionInbound, env.Kind, inboundContent(env))

	if env.Kind != domain.KindText && env.Kind != domain.KindVoice {
		log.InfoContext(ctx, "unsupported message kind skipped", "kind", string(env.Kind))
		s.metrics.RecordTurn(OutcomeSkipped.String(), "unsupported_kind")
		return OutcomeSkipped, nil
	}

	receipt, err := s.buffer.Append(ctx, key, env)
	if err != nil {
		return s.fail(log, "append", newError(ErrorInternal, "buffer_append_error", err))
	}

	if err := s.wait(ctx, s.cfg.QuietWindow); err != nil {
		return s.fail(log, "wait", newError(ErrorCancelled, "quiet_window_cancelled", err))
	}

	entries, err := s.buffer.ReadAll(ctx, key)
	if err != nil {
		return s.fail(log, "read", newError(ErrorInternal, "buffer_read_error", err))
	}
	if buffer.Judge(entries, receipt) == buffer.Abort {
		return s.superseded(ctx, log, checkpointAfterWait)
	}
	// An empty buffer passes: a newer delivery already answered and cleared
	// it, which leaves an empty turn below.

	query, inputs := s.assemble(ctx, key, env, entries)
	if strings.TrimSpace(query) == "" {
		log.InfoContext(ctx, "empty turn skipped")
		s.metrics.RecordTurn(OutcomeSkipped.String(), "empty_turn")
		return OutcomeSkipped, nil
	}

	if ok, err := s.stillNewest(ctx, key, receipt); err != nil {
		return s.fail(log, checkpointBeforeBackend, newError(ErrorInternal, "buffer_read_error", err))
	} else if !ok {
		return s.superseded(ctx, log, checkpointBeforeBackend)
	}

	sessionID, err := s.sessions.GetOrEmpty(ctx, key)
	if err != nil {
		return s.fail(log, "session", newError(ErrorInternal, "session_lookup_error", err))
	}

	start := s.now()
	reply, err := s.backend.CreateTurn(ctx, query, key.FromUser, sessionID, inputs)
	s.metrics.RecordBackend(s.now().Sub(start), err)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return s.fail(log, "backend", newError(ErrorRateLimited, "backend_rate_limited", err))
		}
		return s.fail(log, "backend", newError(ErrorBackend, "backend_error", err))
	}

	if sessionID == "" {
		topic := TopicText
		if env.Kind == domain.KindVoice {
			topic = TopicVoice
		}
		if _, err := s.sessions.Ensure(ctx, key, reply.SessionID, topic); err != nil {
			log.WarnContext(ctx, "session mapping not persisted", "session", reply.SessionID, "err", err)
		}
	}

	if ok, err := s.stillNewest(ctx, key, receipt); err != nil {
		return s.fail(log, checkpointBeforeDispatch, newError(ErrorInternal, "buffer_read_error", err))
	} else if !ok {
		return s.superseded(ctx, log, checkpointBeforeDispatch)
	}

	mode := dispatch.ModeText
	if s.cfg.VoiceReplies && env.Kind == domain.KindVoice {
		mode = dispatch.ModeVoice
	}
	delivery, err := s.dispatcher.Dispatch(ctx, key.FromUser, reply.Answer, mode)
	if delivery.VoiceFallback {
		s.metrics.RecordFallback("voice_reply")
	}
	if err != nil {
		return s.fail(log, "dispatch", newError(ErrorDispatch, "dispatch_error", err))
	}

	outKind := domain.KindText
	if delivery.Mode == dispatch.ModeVoice {
		outKind = domain.KindVoice
	}
	s.record(ctx, log, key, replyIDPrefix+env.ID, domain.DirectionOutbound, outKind, reply.Answer)

	if reply.MessageID != "" {
		if err := s.backend.SubmitFeedback(ctx, reply.MessageID, key.FromUser, "like", ""); err != nil {
			log.WarnContext(ctx, "feedback not submitted", "message_id", reply.MessageID, "err", err)
		}
	}

	// The reply is already out; a failed read keeps the buffer and surfaces
	// the error.
	checkpoint := "clear"
	ok, err := s.stillNewest(ctx, key, receipt)
	if err != nil {
		return s.fail(log, checkpointBeforeClear, newError(ErrorInternal, "buffer_read_error", err))
	}
	if ok {
		if err := s.buffer.Clear(ctx, key); err != nil {
			log.WarnContext(ctx, "buffer not cleared", "err", err)
		}
	} else {
		// A newer delivery is pending; it will answer with these messages too.
		checkpoint = checkpointBeforeClear
		log.InfoContext(ctx, "newer delivery pending, buffer kept")
	}

	log.InfoContext(ctx, "turn dispatched",
		"mode", delivery.Mode.String(),
		"parts", delivery.Parts,
		"messages", min(len(entries), s.cfg.MaxTurnMessages),
	)
	s.metrics.RecordTurn(OutcomeDispatched.String(), checkpoint)
	return OutcomeDispatched, nil
}

// assemble builds the backend query and metadata inputs from the newest
// entries of the buffer. Voice entries are transcribed.
func (s *RelayService) assemble(ctx context.Context, key domain.ConversationKey, trigger domain.Envelope, entries []buffer.Entry) (string, map[string]any) {
	window := entries[max(0, len(entries)-s.cfg.MaxTurnMessages):]
	contents := make([]string, 0, len(window))
	var triggerText string
	for _, e := range window {
		res := s.normalizer.Normalize(ctx, key, e.Envelope)
		if e.Envelope.Kind == domain.KindVoice && !res.Transcribed {
			s.metrics.RecordFallback("voice_input")
		}
		if e.Envelope.ID == trigger.ID {
			triggerText = res.Text
		}
		contents = append(contents, res.Text)
	}

	inputs := map[string]any{
		"platform":     s.cfg.Platform,
		"user_id":      key.FromUser,
		"msg_id":       trigger.ID,
		"is_voice_msg": trigger.Kind == domain.KindVoice,
	}
	if trigger.Kind == domain.KindVoice {
		inputs["transcribed_text"] = triggerText
	}
	return BuildTurnRequest(contents, s.cfg.MaxTurnMessages), inputs
}

// BuildTurnRequest joins the last limit contents with a blank line.
func BuildTurnRequest(contents []string, limit int) string {
	if limit > 0 && len(contents) > limit {
		contents = contents[len(contents)-limit:]
	}
	return strings.Join(contents, turnSeparator)
}

func (s *RelayService) stillNewest(ctx context.Context, key domain.ConversationKey, r buffer.Receipt) (bool, error) {
	verdict, err := s.guard.Check(ctx, key, r)
	if err != nil {
		return false, err
	}
	return verdict == buffer.Pass, nil
}

func (s *RelayService) superseded(ctx context.Context, log *slog.Logger, checkpoint string) (Outcome, error) {
	log.InfoContext(ctx, "delivery superseded", "checkpoint", checkpoint)
	s.metrics.RecordTurn(OutcomeSuperseded.String(), checkpoint)
	return OutcomeSuperseded, nil
}

func (s *RelayService) fail(log *slog.Logger, stage string, err *Error) (Outcome, error) {
	log.Error("relay failed", "stage", stage, "code", string(err.Code), "reason", err.Reason, "err", err.Err)
	s.metrics.RecordTurn(OutcomeFailed.String(), stage)
	return OutcomeFailed, err
}

func (s *RelayService) record(ctx context.Context, log *slog.Logger, key domain.ConversationKey, id string, dir domain.Direction, kind domain.Kind, content string) {
	if err := s.records.Record(ctx, key, id, dir, kind, content); err != nil {
		log.WarnContext(ctx, "chat record not saved", "direction", string(dir), "err", err)
	}
}

func inboundContent(env domain.Envelope) string {
	if env.Kind == domain.KindVoice && env.Voice != nil {
		return "[voice:" + env.Voice.PreferredMediaID() + "]"
	}
	return env.Content
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopRecords struct{}

func (nopRecords) Record(context.Context, domain.ConversationKey, string, domain.Direction, domain.Kind, string) error {
	return nil
}

type nopMetrics struct{}

func (nopMetrics) RecordTurn(string, string)          {}
func (nopMetrics) RecordFallback(string)              {}
func (nopMetrics) RecordBackend(time.Duration, error) {}
