package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticSecret string

func (s staticSecret) Get(context.Context) (string, error) { return string(s), nil }

// fakeMP is a scripted Official Account API.
type fakeMP struct {
	tokenCalls atomic.Int32
	tokens     []string
	validToken atomic.Value
	mux        *http.ServeMux
}

func newFakeMP(t *testing.T) (*fakeMP, *httptest.Server) {
	t.Helper()
	f := &fakeMP{tokens: []string{"tok-1", "tok-2", "tok-3"}, mux: http.NewServeMux()}
	f.mux.HandleFunc("/cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "client_credential", r.URL.Query().Get("grant_type"))
		require.Equal(t, "wx-app", r.URL.Query().Get("appid"))
		require.Equal(t, "app-secret", r.URL.Query().Get("secret"))
		n := f.tokenCalls.Add(1)
		tok := f.tokens[n-1]
		f.validToken.Store(tok)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": tok, "expires_in": 7200})
	})
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeMP) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Get("access_token") != f.validToken.Load() {
		_, _ = w.Write([]byte(`{"errcode":40001,"errmsg":"invalid credential"}`))
		return false
	}
	return true
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient("wx-app", staticSecret("app-secret"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", staticSecret("s"))
	require.Error(t, err)
	_, err = NewClient("wx", nil)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// access token cache
// ---------------------------------------------------------------------------

func TestAccessToken_CachedUntilNearExpiry(t *testing.T) {
	f, srv := newFakeMP(t)
	c := newTestClient(t, srv)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	tok, err := c.accessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	now = now.Add(7200*time.Second - tokenSlack - time.Second)
	tok, err = c.accessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.EqualValues(t, 1, f.tokenCalls.Load())

	now = now.Add(2 * time.Second)
	tok, err = c.accessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.EqualValues(t, 2, f.tokenCalls.Load())
}

func TestAccessToken_ErrCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":40125,"errmsg":"invalid appsecret"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).accessToken(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 40125, apiErr.Code)
}

// ---------------------------------------------------------------------------
// SendText / SendVoice
// ---------------------------------------------------------------------------

func TestSendText(t *testing.T) {
	f, srv := newFakeMP(t)
	var got map[string]any
	f.mux.HandleFunc("/cgi-bin/message/custom/send", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		if !f.checkToken(w, r) {
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	})

	require.NoError(t, newTestClient(t, srv).SendText(context.Background(), "oUser", "Hello"))
	require.Equal(t, "oUser", got["touser"])
	require.Equal(t, "text", got["msgtype"])
	require.Equal(t, map[string]any{"content": "Hello"}, got["text"])
}

func TestSendVoice_RefreshesRejectedToken(t *testing.T) {
	f, srv := newFakeMP(t)
	var sends atomic.Int32
	f.mux.HandleFunc("/cgi-bin/message/custom/send", func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		if !f.checkToken(w, r) {
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, map[string]any{"media_id": "media-1"}, body["voice"])
		_, _ = w.Write([]byte(`{"errcode":0}`))
	})

	c := newTestClient(t, srv)
	c.token = "stale"
	c.expiresAt = time.Now().Add(time.Hour)

	require.NoError(t, c.SendVoice(context.Background(), "oUser", "media-1"))
	require.EqualValues(t, 2, sends.Load())
	require.EqualValues(t, 1, f.tokenCalls.Load())
}

func TestSendText_NonTokenErrorNotRetried(t *testing.T) {
	f, srv := newFakeMP(t)
	var sends atomic.Int32
	f.mux.HandleFunc("/cgi-bin/message/custom/send", func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		_, _ = w.Write([]byte(`{"errcode":45015,"errmsg":"response out of time limit"}`))
	})

	err := newTestClient(t, srv).SendText(context.Background(), "oUser", "late")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 45015, apiErr.Code)
	require.EqualValues(t, 1, sends.Load())
}

// ---------------------------------------------------------------------------
// UploadMedia / DownloadMedia
// ---------------------------------------------------------------------------

func TestUploadMedia(t *testing.T) {
	f, srv := newFakeMP(t)
	f.mux.HandleFunc("/cgi-bin/media/upload", func(w http.ResponseWriter, r *http.Request) {
		if !f.checkToken(w, r) {
			return
		}
		require.Equal(t, "voice", r.URL.Query().Get("type"))
		file, hdr, err := r.FormFile("media")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "reply.mp3", hdr.Filename)
		data, _ := io.ReadAll(file)
		require.Equal(t, "mp3-bytes", string(data))
		_, _ = w.Write([]byte(`{"type":"voice","media_id":"media-9","created_at":1}`))
	})

	path := filepath.Join(t.TempDir(), "reply.mp3")
	require.NoError(t, os.WriteFile(path, []byte("mp3-bytes"), 0o600))

	id, err := newTestClient(t, srv).UploadMedia(context.Background(), "voice", path)
	require.NoError(t, err)
	require.Equal(t, "media-9", id)
}

func TestUploadMedia_MissingFile(t *testing.T) {
	_, srv := newFakeMP(t)
	_, err := newTestClient(t, srv).UploadMedia(context.Background(), "voice", filepath.Join(t.TempDir(), "nope.mp3"))
	require.Error(t, err)
}

func TestDownloadMedia(t *testing.T) {
	f, srv := newFakeMP(t)
	f.mux.HandleFunc("/cgi-bin/media/get", func(w http.ResponseWriter, r *http.Request) {
		if !f.checkToken(w, r) {
			return
		}
		require.Equal(t, "media-16k", r.URL.Query().Get("media_id"))
		w.Header().Set("Content-Type", "audio/amr")
		_, _ = w.Write([]byte("#!AMR"))
	})

	dest := filepath.Join(t.TempDir(), "in.amr")
	require.NoError(t, newTestClient(t, srv).DownloadMedia(context.Background(), "media-16k", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "#!AMR", string(data))
}

func TestDownloadMedia_JSONError(t *testing.T) {
	f, srv := newFakeMP(t)
	f.mux.HandleFunc("/cgi-bin/media/get", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"errcode":40007,"errmsg":"invalid media_id"}`))
	})

	dest := filepath.Join(t.TempDir(), "in.amr")
	err := newTestClient(t, srv).DownloadMedia(context.Background(), "gone", dest)
	require.Error(t, err)
	require.Contains(t, err.Error(), "40007")
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}
