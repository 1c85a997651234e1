package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultBaseURL            = "https://api.openai.com/v1"
	defaultTranscriptionModel = "whisper-1"
	defaultSpeechModel        = "tts-1"
	defaultTimeout            = 60 * time.Second
	maxSpeechBytes            = 8 << 20
)

// transcriptionResponse is the minimal response shape of /audio/transcriptions.
type transcriptionResponse struct {
	Text string `json:"text"`
}

// speechRequest is the request shape of /audio/speech.
type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// TokenSource yields the API key. *paramstore.Secret satisfies it.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for the audio endpoints:
// speech-to-text for inbound voice and text-to-speech for voice replies.
type Client struct {
	baseURL            string
	httpClient         *http.Client
	token              TokenSource
	transcriptionModel string
	speechModel        string
	tempDir            string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModels(transcription, speech string) Option {
	return func(c *Client) {
		if strings.TrimSpace(transcription) != "" {
			c.transcriptionModel = transcription
		}
		if strings.TrimSpace(speech) != "" {
			c.speechModel = speech
		}
	}
}

// WithTempDir sets where synthesized audio files are written.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

// NewClient creates a new Client. The API key is resolved through token on
// every call; TokenSource implementations are expected to cache.
func NewClient(token TokenSource, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	c := &Client{
		baseURL:            defaultBaseURL,
		httpClient:         &http.Client{Timeout: defaultTimeout},
		token:              token,
		transcriptionModel: defaultTranscriptionModel,
		speechModel:        defaultSpeechModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

// AudioToText uploads the audio file at filePath and returns its transcript.
func (c *Client) AudioToText(ctx context.Context, filePath string) (string, error) {
	apiKey, err := c.token.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("openai: open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("openai: write audio bytes: %w", err)
	}
	if err := w.WriteField("model", c.transcriptionModel); err != nil {
		return "", fmt.Errorf("openai: write model field: %w", err)
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("openai: write format field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("openai: close multipart writer: %w", err)
	}

	url := endpointURL(c.baseURL, "/audio/transcriptions")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("openai: create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.do(req, url, 1<<20)
	if err != nil {
		return "", fmt.Errorf("openai: transcription request failed: %w", err)
	}
	var payload transcriptionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode transcription response: %w", err)
	}
	return payload.Text, nil
}

// Synthesize renders text as mp3 speech with the given voice and returns the
// path of the written file. The caller owns the file.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("openai: speech input must not be empty")
	}
	if strings.TrimSpace(voice) == "" {
		return "", errors.New("openai: voice must not be empty")
	}
	apiKey, err := c.token.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}

	body, err := json.Marshal(speechRequest{
		Model:          c.speechModel,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal speech request: %w", err)
	}

	url := endpointURL(c.baseURL, "/audio/speech")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	audio, err := c.do(req, url, maxSpeechBytes)
	if err != nil {
		return "", fmt.Errorf("openai: speech request failed: %w", err)
	}
	if len(audio) == 0 {
		return "", errors.New("openai: empty speech response")
	}

	out, err := os.CreateTemp(c.tempDir, "tts-*.mp3")
	if err != nil {
		return "", fmt.Errorf("openai: create speech file: %w", err)
	}
	if _, err := out.Write(audio); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("openai: write speech file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("openai: close speech file: %w", err)
	}
	return out.Name(), nil
}

func (c *Client) do(req *http.Request, url string, limit int64) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
