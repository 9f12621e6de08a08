// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Backend endpoint paths, relative to the backend URL.
const (
	TeachPath   = "/teach"
	WebhookPath = "/webhook"
)

// VoiceNoteMimeType is the mimetype voice note replies are sent with.
const VoiceNoteMimeType = "audio/mp4"

// BackendResponse is the decoded body of a successful webhook call. The
// backend reports its own failures as HTTP 200 with status "error", so
// Status and Message are kept for logging.
type BackendResponse struct {
	Reply    string `json:"reply"`
	AudioURL string `json:"audio_url"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

// BackendError is returned for non-2xx responses and unreadable bodies.
type BackendError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: invalid response (HTTP %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s returned HTTP %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 200))
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

type requestIDKey struct{}

// ContextWithRequestID attaches the id sent as X-Request-ID on backend calls.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// BackendGateway performs the HTTP calls to the Bob backend.
type BackendGateway struct {
	baseURL string
	client  *resty.Client
	log     zerolog.Logger
}

// NewBackendGateway creates a gateway for the configured backend.
func NewBackendGateway(cfg BackendConfig, log zerolog.Logger) *BackendGateway {
	log = log.With().Str("component", "backend").Logger()
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "whatsapp-bob").
		SetLogger(restyLogger{log: log})
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &BackendGateway{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  client,
		log:     log,
	}
}

// Teach forwards a message from a sender outside the allow list. The
// response body is only logged.
func (g *BackendGateway) Teach(ctx context.Context, payload *TeachPayload) error {
	resp, err := g.post(ctx, TeachPath, payload)
	if err != nil {
		return err
	}
	g.log.Info().
		Str("request_id", requestIDFrom(ctx)).
		Str("body", truncate(strings.TrimSpace(resp.String()), 200)).
		Msg("Teach memory stored")
	return nil
}

// Webhook sends a conversational message and decodes the reply.
func (g *BackendGateway) Webhook(ctx context.Context, payload *WebhookPayload) (*BackendResponse, error) {
	resp, err := g.post(ctx, WebhookPath, payload)
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSpace(resp.Body())
	var out BackendResponse
	if len(body) == 0 {
		return &out, nil
	}
	if err = json.Unmarshal(body, &out); err != nil {
		return nil, &BackendError{
			Endpoint:   WebhookPath,
			StatusCode: resp.StatusCode(),
			Body:       string(body),
			Err:        err,
		}
	}
	if out.Status == "error" {
		g.log.Warn().Str("backend_message", out.Message).Msg("Backend reported an error in webhook response")
	}
	return &out, nil
}

// ResolveAudioURL turns the audio reference from a webhook reply into a
// fetchable URL. Absolute URLs are returned unchanged.
func (g *BackendGateway) ResolveAudioURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return g.baseURL + "/" + ref
}

func (g *BackendGateway) post(ctx context.Context, path string, payload any) (*resty.Response, error) {
	requestID := requestIDFrom(ctx)
	log := g.log.With().Str("endpoint", path).Str("request_id", requestID).Logger()
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID).
		SetBody(payload).
		Post(path)
	if err != nil {
		log.Err(err).Msg("Backend request failed")
		return nil, fmt.Errorf("failed to call backend %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		log.Warn().
			Int("status_code", resp.StatusCode()).
			Str("body", truncate(resp.String(), 200)).
			Msg("Backend returned non-success status")
		return nil, &BackendError{Endpoint: path, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	log.Debug().
		Int("status_code", resp.StatusCode()).
		Dur("duration", resp.Time()).
		Msg("Backend request completed")
	return resp, nil
}

// restyLogger routes resty's internal warnings into zerolog.
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), v...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
