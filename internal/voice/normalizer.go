// Package voice turns voice envelopes into text the backend can consume.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mp-relay/internal/domain"
)

// FallbackText stands in for a voice message that could not be transcribed.
const FallbackText = "You sent a voice message, but I couldn't recognize its content. What would you like to say?"

// acceptedFormats are the containers the transcription service reads directly.
var acceptedFormats = map[string]bool{
	"wav": true, "mp3": true, "m4a": true, "mp4": true, "mpeg": true,
	"mpga": true, "ogg": true, "webm": true, "flac": true,
}

// Downloader fetches channel-hosted media to a local file.
type Downloader interface {
	DownloadMedia(ctx context.Context, mediaID, dest string) error
}

// Transcoder converts src into the format implied by dst's extension.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

// Transcriber returns the spoken text of an audio file.
type Transcriber interface {
	AudioToText(ctx context.Context, path string) (string, error)
}

// Result is the normalized form of one envelope.
type Result struct {
	Text string
	// Transcribed is true only when a voice envelope produced real text.
	Transcribed bool
}

type Normalizer struct {
	downloader  Downloader
	transcoder  Transcoder
	transcriber Transcriber
	logger      *slog.Logger
	tempDir     string
}

func NewNormalizer(downloader Downloader, transcoder Transcoder, transcriber Transcriber, logger *slog.Logger) (*Normalizer, error) {
	if downloader == nil {
		return nil, errors.New("voice: downloader must not be nil")
	}
	if transcoder == nil {
		return nil, errors.New("voice: transcoder must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("voice: transcriber must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		downloader:  downloader,
		transcoder:  transcoder,
		transcriber: transcriber,
		logger:      logger,
	}, nil
}

// Normalize returns the textual content of env. Text passes through; voice is
// downloaded, transcoded when needed and transcribed. Any failure yields
// FallbackText, never an error. Temporary files are removed before returning.
func (n *Normalizer) Normalize(ctx context.Context, key domain.ConversationKey, env domain.Envelope) Result {
	if env.Kind != domain.KindVoice {
		return Result{Text: env.Content}
	}
	text, err := n.transcribe(ctx, env)
	if err != nil {
		n.logger.WarnContext(ctx, "voice normalization failed, using fallback",
			"key", key.String(),
			"envelope_id", env.ID,
			"err", err,
		)
		return Result{Text: FallbackText}
	}
	return Result{Text: text, Transcribed: true}
}

func (n *Normalizer) transcribe(ctx context.Context, env domain.Envelope) (string, error) {
	if env.Voice == nil {
		return "", errors.New("voice envelope has no media reference")
	}
	mediaID := env.Voice.PreferredMediaID()
	if mediaID == "" {
		return "", errors.New("voice envelope has no media id")
	}

	dir, err := os.MkdirTemp(n.tempDir, "voice-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	format := normalizeFormat(env.Voice.Format)
	src := filepath.Join(dir, "input."+format)
	if err := n.downloader.DownloadMedia(ctx, mediaID, src); err != nil {
		return "", fmt.Errorf("download %s: %w", mediaID, err)
	}

	audio := src
	if !acceptedFormats[format] {
		audio = filepath.Join(dir, "input.wav")
		if err := n.transcoder.Transcode(ctx, src, audio); err != nil {
			return "", fmt.Errorf("transcode %s to wav: %w", format, err)
		}
	}

	text, err := n.transcriber.AudioToText(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

// normalizeFormat lowercases the channel-reported format. Anything that is
// not a plain alphanumeric extension is treated as amr, the channel default,
// so the value can never steer the download path.
func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return "amr"
	}
	for _, r := range format {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "amr"
		}
	}
	return format
}
