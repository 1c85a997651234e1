// Package dispatch delivers backend replies to the channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultPace        = 500 * time.Millisecond
	defaultLimiterSize = 4096
)

// Mode is the preferred reply modality.
type Mode int

const (
	ModeText Mode = iota
	ModeVoice
)

func (m Mode) String() string {
	if m == ModeVoice {
		return "voice"
	}
	return "text"
}

// Channel is the subset of the channel client used for replies.
type Channel interface {
	SendText(ctx context.Context, userID, content string) error
	SendVoice(ctx context.Context, userID, mediaID string) error
	UploadMedia(ctx context.Context, kind, path string) (string, error)
}

// Synthesizer renders text as an audio file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (string, error)
}

// Delivery reports how a reply reached the user.
type Delivery struct {
	Mode  Mode
	Parts int
	// VoiceFallback is set when voice was preferred but text was sent.
	VoiceFallback bool
}

type Dispatcher struct {
	channel Channel
	synth   Synthesizer
	voice   string
	logger  *slog.Logger

	limit    rate.Limit
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewDispatcher builds a Dispatcher. synth may be nil, in which case voice
// mode always falls back to text. pace is the minimum gap between two sends
// to the same user; zero or less disables pacing.
func NewDispatcher(channel Channel, synth Synthesizer, voice string, pace time.Duration, logger *slog.Logger) (*Dispatcher, error) {
	if channel == nil {
		return nil, errors.New("dispatch: channel must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if pace > 0 {
		limit = rate.Every(pace)
	}
	limiters, err := lru.New[string, *rate.Limiter](defaultLimiterSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: limiter cache init: %w", err)
	}
	return &Dispatcher{
		channel:  channel,
		synth:    synth,
		voice:    voice,
		logger:   logger,
		limit:    limit,
		limiters: limiters,
	}, nil
}

// SplitReply splits a reply on blank lines. Backends sometimes emit the
// two-character escape `\n` instead of a newline; both forms are handled.
func SplitReply(reply string) []string {
	reply = strings.ReplaceAll(reply, `\n`, "\n")
	reply = strings.ReplaceAll(reply, "\r\n", "\n")
	raw := strings.Split(reply, "\n\n")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Dispatch delivers reply to userID. In voice mode one synthesize, upload and
// send attempt is made; if any step fails the whole reply is sent as text.
// A text send failure stops the sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, reply string, mode Mode) (Delivery, error) {
	if strings.TrimSpace(userID) == "" {
		return Delivery{}, errors.New("dispatch: user id must not be empty")
	}
	parts := SplitReply(reply)
	if len(parts) == 0 {
		return Delivery{Mode: ModeText}, nil
	}

	if mode == ModeVoice {
		err := d.sendVoice(ctx, userID, strings.Join(parts, "\n"))
		if err == nil {
			return Delivery{Mode: ModeVoice, Parts: 1}, nil
		}
		d.logger.WarnContext(ctx, "voice reply failed, falling back to text",
			"user_id", userID,
			"err", err,
		)
	}

	sent, err := d.sendText(ctx, userID, parts)
	delivery := Delivery{Mode: ModeText, Parts: sent, VoiceFallback: mode == ModeVoice}
	if err != nil {
		return delivery, err
	}
	return delivery, nil
}

func (d *Dispatcher) sendVoice(ctx context.Context, userID, text string) error {
	if d.synth == nil {
		return errors.New("no synthesizer configured")
	}
	path, err := d.synth.Synthesize(ctx, text, d.voice)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer func() { _ = os.Remove(path) }()

	mediaID, err := d.channel.UploadMedia(ctx, "voice", path)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := d.wait(ctx, userID); err != nil {
		return err
	}
	if err := d.channel.SendVoice(ctx, userID, mediaID); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendText(ctx context.Context, userID string, parts []string) (int, error) {
	for i, part := range parts {
		if err := d.wait(ctx, userID); err != nil {
			return i, fmt.Errorf("dispatch: pace: %w", err)
		}
		if err := d.channel.SendText(ctx, userID, part); err != nil {
			return i, fmt.Errorf("dispatch: send part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return len(parts), nil
}

func (d *Dispatcher) wait(ctx context.Context, userID string) error {
	return d.limiterFor(userID).Wait(ctx)
}

func (d *Dispatcher) limiterFor(userID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters.Get(userID); ok {
		return l
	}
	l := rate.NewLimiter(d.limit, 1)
	d.limiters.Add(userID, l)
	return l
}
