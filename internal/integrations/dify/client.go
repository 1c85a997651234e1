// Package dify is a minimal client for the Dify chat application API.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mp-relay/internal/domain"
)

const (
	defaultTimeout = 90 * time.Second

	RatingLike    = "like"
	RatingDislike = "dislike"
)

// TokenSource yields the application API key.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

type chatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

type chatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type renameRequest struct {
	Name         string `json:"name"`
	AutoGenerate bool   `json:"auto_generate"`
	User         string `json:"user"`
}

type feedbackRequest struct {
	Rating  string `json:"rating"`
	User    string `json:"user"`
	Content string `json:"content,omitempty"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dify: unexpected status %d from %s: %s", e.StatusCode, e.Path, e.Body)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, token TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("dify: base url must not be empty")
	}
	if token == nil {
		return nil, errors.New("dify: token source must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateTurn sends query as one blocking chat turn. An empty sessionID starts
// a new conversation; the returned SessionID is the one the backend used.
func (c *Client) CreateTurn(ctx context.Context, query, userID, sessionID string, inputs map[string]any) (domain.TurnResult, error) {
	if strings.TrimSpace(query) == "" {
		return domain.TurnResult{}, errors.New("dify: CreateTurn: query must not be empty")
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	var out chatResponse
	err := c.post(ctx, "/chat-messages", chatRequest{
		Inputs:         inputs,
		Query:          query,
		ResponseMode:   "blocking",
		ConversationID: sessionID,
		User:           userID,
	}, &out)
	if err != nil {
		return domain.TurnResult{}, fmt.Errorf("dify: CreateTurn: %w", err)
	}
	if out.ConversationID == "" {
		return domain.TurnResult{}, errors.New("dify: CreateTurn: response missing conversation_id")
	}
	return domain.TurnResult{
		Answer:    out.Answer,
		SessionID: out.ConversationID,
		MessageID: out.MessageID,
	}, nil
}

// RenameSession sets a display name on a conversation. The API has no topic
// field, so a non-empty topic is appended to the title.
func (c *Client) RenameSession(ctx context.Context, sessionID, userID, title, topic string) error {
	if sessionID == "" {
		return errors.New("dify: RenameSession: session id must not be empty")
	}
	name := title
	if topic != "" {
		name = title + " · " + topic
	}
	path := "/conversations/" + url.PathEscape(sessionID) + "/name"
	if err := c.post(ctx, path, renameRequest{Name: name, User: userID}, nil); err != nil {
		return fmt.Errorf("dify: RenameSession: %w", err)
	}
	return nil
}

// SubmitFeedback rates a backend message.
func (c *Client) SubmitFeedback(ctx context.Context, messageID, userID, rating, content string) error {
	if messageID == "" {
		return errors.New("dify: SubmitFeedback: message id must not be empty")
	}
	path := "/messages/" + url.PathEscape(messageID) + "/feedbacks"
	if err := c.post(ctx, path, feedbackRequest{Rating: rating, User: userID, Content: content}, nil); err != nil {
		return fmt.Errorf("dify: SubmitFeedback: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	apiKey, err := c.token.Get(ctx)
	if err != nil {
		return fmt.Errorf("resolve api key: %w", err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{StatusCode: res.StatusCode, Path: path, Body: string(buf)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
