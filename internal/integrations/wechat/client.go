// Package wechat talks to the Official Account customer-service and media
// APIs.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.weixin.qq.com"
	defaultTimeout = 30 * time.Second
	tokenSlack     = 5 * time.Minute
	maxMediaBytes  = 10 << 20
)

// Error codes that mean the cached access token is no longer usable.
const (
	codeInvalidCredential = 40001
	codeInvalidToken      = 40014
	codeTokenExpired      = 42001
)

// TokenSource yields the app secret.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

// APIError is an errcode/errmsg pair returned with HTTP 200.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat: errcode %d: %s", e.Code, e.Msg)
}

func (e *APIError) tokenRejected() bool {
	switch e.Code {
	case codeInvalidCredential, codeInvalidToken, codeTokenExpired:
		return true
	}
	return false
}

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s apiStatus) err() error {
	if s.ErrCode == 0 {
		return nil
	}
	return &APIError{Code: s.ErrCode, Msg: s.ErrMsg}
}

type tokenResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type uploadResponse struct {
	apiStatus
	MediaID string `json:"media_id"`
}

type Client struct {
	baseURL    string
	appID      string
	secret     TokenSource
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(appID string, secret TokenSource, opts ...Option) (*Client, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, errors.New("wechat: app id must not be empty")
	}
	if secret == nil {
		return nil, errors.New("wechat: secret source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		secret:     secret,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// accessToken returns the cached token, refreshing it when it is within
// tokenSlack of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	secret, err := c.secret.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve app secret: %w", err)
	}
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	var out tokenResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if err := out.err(); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("fetch access token: empty access_token")
	}
	c.token = out.AccessToken
	c.expiresAt = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSlack)
	return c.token, nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.expiresAt = time.Time{}
	}
}

// withToken runs call with a valid access token, refreshing and retrying once
// when the API rejects the cached one.
func (c *Client) withToken(ctx context.Context, call func(token string) error) error {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		err = call(token)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.tokenRejected() {
			c.invalidate(token)
			continue
		}
		return err
	}
}

// SendText sends a customer-service text message to userID.
func (c *Client) SendText(ctx context.Context, userID, content string) error {
	payload := map[string]any{
		"touser":  userID,
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	if err := c.sendMessage(ctx, payload); err != nil {
		return fmt.Errorf("wechat: SendText: %w", err)
	}
	return nil
}

// SendVoice sends a previously uploaded voice media to userID.
func (c *Client) SendVoice(ctx context.Context, userID, mediaID string) error {
	payload := map[string]any{
		"touser":  userID,
		"msgtype": "voice",
		"voice":   map[string]string{"media_id": mediaID},
	}
	if err := c.sendMessage(ctx, payload); err != nil {
		return fmt.Errorf("wechat: SendVoice: %w", err)
	}
	return nil
}

func (c *Client) sendMessage(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.withToken(ctx, func(token string) error {
		endpoint := c.baseURL + "/cgi-bin/message/custom/send?access_token=" + url.QueryEscape(token)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		var out apiStatus
		if err := c.doJSON(req, &out); err != nil {
			return err
		}
		return out.err()
	})
}

// UploadMedia uploads the file at path as temporary media of the given kind
// ("voice", "image") and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, kind, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("wechat: UploadMedia: read file: %w", err)
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("wechat: UploadMedia: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("wechat: UploadMedia: write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("wechat: UploadMedia: close multipart writer: %w", err)
	}
	payload := body.Bytes()

	var mediaID string
	err = c.withToken(ctx, func(token string) error {
		q := url.Values{}
		q.Set("access_token", token)
		q.Set("type", kind)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cgi-bin/media/upload?"+q.Encode(), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		var out uploadResponse
		if err := c.doJSON(req, &out); err != nil {
			return err
		}
		if err := out.err(); err != nil {
			return err
		}
		if out.MediaID == "" {
			return errors.New("empty media_id")
		}
		mediaID = out.MediaID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("wechat: UploadMedia: %w", err)
	}
	return mediaID, nil
}

// DownloadMedia writes the temporary media identified by mediaID to dest.
func (c *Client) DownloadMedia(ctx context.Context, mediaID, dest string) error {
	if mediaID == "" {
		return errors.New("wechat: DownloadMedia: media id must not be empty")
	}
	var data []byte
	err := c.withToken(ctx, func(token string) error {
		q := url.Values{}
		q.Set("access_token", token)
		q.Set("media_id", mediaID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cgi-bin/media/get?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", res.StatusCode)
		}
		buf, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes))
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}
		// Errors come back as a JSON body with status 200.
		ct := res.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/plain") {
			var st apiStatus
			if err := json.Unmarshal(buf, &st); err == nil && st.ErrCode != 0 {
				return st.err()
			}
		}
		data = buf
		return nil
	})
	if err != nil {
		return fmt.Errorf("wechat: DownloadMedia: %w", err)
	}
	if len(data) == 0 {
		return errors.New("wechat: DownloadMedia: empty media body")
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return fmt.Errorf("wechat: DownloadMedia: write file: %w", err)
	}
	return nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, string(buf))
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
