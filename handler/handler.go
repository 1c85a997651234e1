// Package handler adapts channel webhook deliveries to the relay.
package handler

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"mp-relay/internal/domain"
	"mp-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	ackBody           = "success"
	maxBodyBytes      = 1 << 20
)

// Relayer runs one delivery to completion.
type Relayer interface {
	Relay(ctx context.Context, env domain.Envelope) (usecase.Outcome, error)
}

// TokenSource yields the webhook verification token configured on the
// Official Account.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

type Handler struct {
	relay  Relayer
	token  TokenSource
	logger *slog.Logger

	// workers tracks deliveries started by ServeHTTP.
	workers sync.WaitGroup
}

func NewHandler(relay Relayer, token TokenSource, logger *slog.Logger) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if token == nil {
		return nil, errors.New("handler: token source must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: relay, token: token, logger: logger}, nil
}

// inboundMessage is the XML body of a webhook delivery.
type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	MediaID16K   string   `xml:"MediaId16K"`
	Format       string   `xml:"Format"`
	Event        string   `xml:"Event"`
}

func (m inboundMessage) envelope() domain.Envelope {
	env := domain.Envelope{
		ID:         strings.TrimSpace(m.MsgID),
		Sender:     strings.TrimSpace(m.FromUserName),
		Recipient:  strings.TrimSpace(m.ToUserName),
		Content:    m.Content,
		Kind:       domain.ParseKind(m.MsgType),
		ReceivedAt: time.Unix(m.CreateTime, 0).UTC(),
	}
	switch env.Kind {
	case domain.KindVoice:
		env.Content = ""
		env.Voice = &domain.VoiceRef{
			Format:     m.Format,
			MediaID:    m.MediaID,
			MediaID16K: m.MediaID16K,
		}
	case domain.KindImage:
		env.Content = m.PicURL
	}
	return env
}

// delivery is the transport-neutral view of one webhook request.
type delivery struct {
	method string
	query  map[string]string
	body   string
}

type result struct {
	status int
	body   string
	env    *domain.Envelope
}

// process verifies and decodes a delivery. A non-nil env must be relayed.
func (h *Handler) process(ctx context.Context, log *slog.Logger, d delivery) result {
	token, err := h.token.Get(ctx)
	if err != nil {
		log.ErrorContext(ctx, "webhook token unavailable", "err", err)
		return result{status: http.StatusInternalServerError, body: "internal error"}
	}
	if !VerifySignature(token, d.query["signature"], d.query["timestamp"], d.query["nonce"]) {
		log.WarnContext(ctx, "webhook signature rejected")
		return result{status: http.StatusForbidden, body: "invalid signature"}
	}

	switch d.method {
	case http.MethodGet:
		return result{status: http.StatusOK, body: d.query["echostr"]}
	case http.MethodPost:
	default:
		return result{status: http.StatusMethodNotAllowed, body: "method not allowed"}
	}

	var msg inboundMessage
	if err := xml.Unmarshal([]byte(d.body), &msg); err != nil {
		log.WarnContext(ctx, "webhook body is not a message", "err", err)
		return result{status: http.StatusBadRequest, body: "invalid body"}
	}
	if strings.EqualFold(msg.MsgType, "event") {
		log.InfoContext(ctx, "webhook event ignored", "event", msg.Event, "from", msg.FromUserName)
		return result{status: http.StatusOK, body: ackBody}
	}
	env := msg.envelope()
	return result{status: http.StatusOK, body: ackBody, env: &env}
}

// Handle serves API Gateway proxy events. The relay runs inside the
// invocation, so the function is expected behind an asynchronous
// integration that acknowledges the channel on its own.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationFrom(req.Headers)
	log := h.logger.With("correlation_id", correlationID)

	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return textResponse(http.StatusBadRequest, "invalid body", correlationID), nil
		}
		body = string(raw)
	}

	res := h.process(ctx, log, delivery{method: req.HTTPMethod, query: req.QueryStringParameters, body: body})
	if res.env != nil {
		h.run(ctx, log, *res.env)
	}
	return textResponse(res.status, res.body, correlationID), nil
}

// ServeHTTP acknowledges immediately and relays on a background goroutine;
// the channel retries deliveries that are not answered within a few seconds.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	log := h.logger.With("correlation_id", correlationID)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid body", correlationID)
		return
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	res := h.process(r.Context(), log, delivery{method: r.Method, query: query, body: string(raw)})
	if res.env != nil {
		env := *res.env
		ctx := context.WithoutCancel(r.Context())
		h.workers.Add(1)
		go func() {
			defer h.workers.Done()
			h.run(ctx, log, env)
		}()
	}
	writeText(w, res.status, res.body, correlationID)
}

// Wait blocks until every delivery started by ServeHTTP has finished.
func (h *Handler) Wait() {
	h.workers.Wait()
}

func (h *Handler) run(ctx context.Context, log *slog.Logger, env domain.Envelope) {
	outcome, err := h.relay.Relay(ctx, env)
	if err != nil {
		log.ErrorContext(ctx, "relay failed", "envelope_id", env.ID, "err", err)
		return
	}
	log.InfoContext(ctx, "relay finished", "envelope_id", env.ID, "outcome", outcome.String())
}

// VerifySignature checks the channel's sha1 signature over the sorted
// token, timestamp and nonce.
func VerifySignature(token, signature, timestamp, nonce string) bool {
	if token == "" || signature == "" {
		return false
	}
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

func correlationFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return newCorrelationID()
}

func textResponse(status int, body, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "text/plain; charset=utf-8",
			correlationHeader: correlationID,
		},
		Body: body,
	}
}

func writeText(w http.ResponseWriter, status int, body, correlationID string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(correlationHeader, correlationID)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
