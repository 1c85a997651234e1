package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu        sync.Mutex
	texts     []string
	textTimes []time.Time
	voices    []string
	uploads   []string
	uploadErr error
	voiceErr  error
	textErrAt int
	textErr   error
}

func (f *fakeChannel) SendText(_ context.Context, _ string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil && len(f.texts) == f.textErrAt {
		return f.textErr
	}
	f.texts = append(f.texts, content)
	f.textTimes = append(f.textTimes, time.Now())
	return nil
}

func (f *fakeChannel) SendVoice(_ context.Context, _ string, mediaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.voiceErr != nil {
		return f.voiceErr
	}
	f.voices = append(f.voices, mediaID)
	return nil
}

func (f *fakeChannel) UploadMedia(_ context.Context, kind, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, kind+":"+filepath.Ext(path))
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "media-1", nil
}

type fakeSynth struct {
	dir   string
	err   error
	texts []string
	paths []string
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voice string) (string, error) {
	f.texts = append(f.texts, text)
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, "tts.mp3")
	if err := os.WriteFile(path, []byte("mp3"), 0o600); err != nil {
		return "", err
	}
	f.paths = append(f.paths, path)
	return path, nil
}

func newTestDispatcher(t *testing.T, ch *fakeChannel, synth Synthesizer, pace time.Duration) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(ch, synth, "alloy", pace, nil)
	require.NoError(t, err)
	return d
}

// ---------------------------------------------------------------------------
// SplitReply
// ---------------------------------------------------------------------------

func TestSplitReply(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"blank line", "Hello\n\nWorld", []string{"Hello", "World"}},
		{"escaped blank line", `Hello\n\nWorld`, []string{"Hello", "World"}},
		{"escaped single newline kept", `line one\nline two`, []string{"line one\nline two"}},
		{"empty parts dropped", "\n\nA\n\n\n\n  \n\nB\n\n", []string{"A", "B"}},
		{"crlf", "A\r\n\r\nB", []string{"A", "B"}},
		{"only whitespace", " \n\n ", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SplitReply(tc.in))
		})
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestNewDispatcher_NilChannel(t *testing.T) {
	_, err := NewDispatcher(nil, nil, "", 0, nil)
	require.Error(t, err)
}

func TestDispatch_TextPartsInOrder(t *testing.T) {
	ch := &fakeChannel{}
	d := newTestDispatcher(t, ch, nil, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "Hello\n\nWorld", ModeText)
	require.NoError(t, err)
	require.Equal(t, Delivery{Mode: ModeText, Parts: 2}, got)
	require.Equal(t, []string{"Hello", "World"}, ch.texts)
}

func TestDispatch_PacesConsecutiveSends(t *testing.T) {
	ch := &fakeChannel{}
	d := newTestDispatcher(t, ch, nil, 40*time.Millisecond)

	_, err := d.Dispatch(context.Background(), "oUser", "a\n\nb\n\nc", ModeText)
	require.NoError(t, err)
	require.Len(t, ch.textTimes, 3)
	require.GreaterOrEqual(t, ch.textTimes[2].Sub(ch.textTimes[0]), 70*time.Millisecond)
}

func TestDispatch_EmptyReplySendsNothing(t *testing.T) {
	ch := &fakeChannel{}
	d := newTestDispatcher(t, ch, nil, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "\n\n", ModeText)
	require.NoError(t, err)
	require.Zero(t, got.Parts)
	require.Empty(t, ch.texts)
}

func TestDispatch_VoiceSuccessSuppressesText(t *testing.T) {
	ch := &fakeChannel{}
	synth := &fakeSynth{dir: t.TempDir()}
	d := newTestDispatcher(t, ch, synth, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "Hello\n\nWorld", ModeVoice)
	require.NoError(t, err)
	require.Equal(t, Delivery{Mode: ModeVoice, Parts: 1}, got)
	require.Equal(t, []string{"Hello\nWorld"}, synth.texts)
	require.Equal(t, []string{"voice:.mp3"}, ch.uploads)
	require.Equal(t, []string{"media-1"}, ch.voices)
	require.Empty(t, ch.texts)

	_, statErr := os.Stat(synth.paths[0])
	require.True(t, os.IsNotExist(statErr))
}

func TestDispatch_UploadFailureFallsBackToAllText(t *testing.T) {
	ch := &fakeChannel{uploadErr: errors.New("media quota")}
	synth := &fakeSynth{dir: t.TempDir()}
	d := newTestDispatcher(t, ch, synth, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "Hello\n\nWorld", ModeVoice)
	require.NoError(t, err)
	require.Equal(t, Delivery{Mode: ModeText, Parts: 2, VoiceFallback: true}, got)
	require.Empty(t, ch.voices)
	require.Equal(t, []string{"Hello", "World"}, ch.texts)

	_, statErr := os.Stat(synth.paths[0])
	require.True(t, os.IsNotExist(statErr))
}

func TestDispatch_SynthFailureFallsBack(t *testing.T) {
	ch := &fakeChannel{}
	d := newTestDispatcher(t, ch, &fakeSynth{err: errors.New("tts down")}, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "Hi", ModeVoice)
	require.NoError(t, err)
	require.True(t, got.VoiceFallback)
	require.Empty(t, ch.uploads)
	require.Equal(t, []string{"Hi"}, ch.texts)
}

func TestDispatch_NoSynthesizerFallsBack(t *testing.T) {
	ch := &fakeChannel{}
	d := newTestDispatcher(t, ch, nil, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "Hi", ModeVoice)
	require.NoError(t, err)
	require.Equal(t, ModeText, got.Mode)
	require.Equal(t, []string{"Hi"}, ch.texts)
}

func TestDispatch_SendVoiceFailureFallsBack(t *testing.T) {
	ch := &fakeChannel{voiceErr: errors.New("45047 out of limit")}
	d := newTestDispatcher(t, ch, &fakeSynth{dir: t.TempDir()}, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "A\n\nB", ModeVoice)
	require.NoError(t, err)
	require.Equal(t, 2, got.Parts)
	require.Equal(t, []string{"A", "B"}, ch.texts)
}

func TestDispatch_TextFailureStopsSequence(t *testing.T) {
	ch := &fakeChannel{textErr: errors.New("45015"), textErrAt: 1}
	d := newTestDispatcher(t, ch, nil, 0)

	got, err := d.Dispatch(context.Background(), "oUser", "A\n\nB\n\nC", ModeText)
	require.Error(t, err)
	require.Contains(t, err.Error(), "part 2/3")
	require.Equal(t, 1, got.Parts)
	require.Equal(t, []string{"A"}, ch.texts)
}

func TestDispatch_EmptyUser(t *testing.T) {
	d := newTestDispatcher(t, &fakeChannel{}, nil, 0)
	_, err := d.Dispatch(context.Background(), "", "Hi", ModeText)
	require.Error(t, err)
}

func TestDispatch_CancelledWhilePacing(t *testing.T) {
	ch := &fakeChannel{}
	d := newTestDispatcher(t, ch, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, "oUser", "A\n\nB", ModeText)
	require.Error(t, err)
}
