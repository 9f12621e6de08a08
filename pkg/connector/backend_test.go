// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGateway(t *testing.T) (*BackendGateway, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend(t)
	return NewBackendGateway(BackendConfig{URL: backend.URL(), Timeout: 5 * time.Second}, zerolog.Nop()), backend
}

func TestGatewayTeach(t *testing.T) {
	t.Parallel()
	gw, backend := newTestGateway(t)
	err := gw.Teach(context.Background(), &TeachPayload{Phone: strangerPhone, Topik: "grup", Isi: "hello"})
	if err != nil {
		t.Fatalf("Teach: %v", err)
	}
	calls := backend.CallsTo(TeachPath)
	if len(calls) != 1 {
		t.Fatalf("teach calls: got %d, want 1", len(calls))
	}
	if calls[0].Method != http.MethodPost {
		t.Errorf("Method: got %q, want POST", calls[0].Method)
	}
	body := decodeBody(t, calls[0])
	if body["phone"] != strangerPhone || body["topik"] != "grup" || body["isi"] != "hello" {
		t.Errorf("teach body: got %v", body)
	}
	if calls[0].RequestID == "" {
		t.Error("X-Request-ID header should be set")
	}
}

func TestGatewayTeachLogsResponse(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(t)
	backend.Respond(TeachPath, http.StatusOK, `{"status":"stored","memory_id":"mem-7731"}`)
	var buf bytes.Buffer
	gw := NewBackendGateway(BackendConfig{URL: backend.URL(), Timeout: 5 * time.Second}, zerolog.New(&buf))
	if err := gw.Teach(context.Background(), &TeachPayload{Phone: strangerPhone, Isi: "hello"}); err != nil {
		t.Fatalf("Teach: %v", err)
	}
	if !strings.Contains(buf.String(), "mem-7731") {
		t.Errorf("teach response body not logged: %s", buf.String())
	}

	buf.Reset()
	backend.Respond(TeachPath, http.StatusOK, strings.Repeat("x", 500))
	if err := gw.Teach(context.Background(), &TeachPayload{Phone: strangerPhone}); err != nil {
		t.Fatalf("Teach: %v", err)
	}
	if strings.Contains(buf.String(), strings.Repeat("x", 201)) {
		t.Error("long teach response body should be truncated in the log")
	}
}

func TestGatewayTeachFailure(t *testing.T) {
	t.Parallel()
	gw, backend := newTestGateway(t)
	backend.Respond(TeachPath, http.StatusInternalServerError, `{"detail":"boom"}`)
	err := gw.Teach(context.Background(), &TeachPayload{Phone: "1"})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Teach error: got %v, want *BackendError", err)
	}
	if be.StatusCode != http.StatusInternalServerError || be.Endpoint != TeachPath {
		t.Errorf("BackendError: got %+v", be)
	}
}

func TestGatewayWebhook(t *testing.T) {
	t.Parallel()
	gw, backend := newTestGateway(t)
	backend.Respond(WebhookPath, http.StatusOK, `{"status":"success","original":"status","reply":"ok","audio_url":"files/a.mp3"}`)
	resp, err := gw.Webhook(context.Background(), &WebhookPayload{Message: "status", Phone: allowedWithSatker, KodeSatker: "171298"})
	if err != nil {
		t.Fatalf("Webhook: %v", err)
	}
	if resp.Reply != "ok" || resp.AudioURL != "files/a.mp3" {
		t.Errorf("response: got %+v", resp)
	}
	body := decodeBody(t, backend.CallsTo(WebhookPath)[0])
	if body["message"] != "status" || body["phone"] != allowedWithSatker || body["kode_satker"] != "171298" {
		t.Errorf("webhook body: got %v", body)
	}
}

func TestGatewayWebhookEmptyBodies(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`{}`, ``, `null`, "  \n"} {
		gw, backend := newTestGateway(t)
		backend.Respond(WebhookPath, http.StatusOK, raw)
		resp, err := gw.Webhook(context.Background(), &WebhookPayload{})
		if err != nil {
			t.Errorf("Webhook(%q): unexpected error %v", raw, err)
			continue
		}
		if resp.Reply != "" || resp.AudioURL != "" {
			t.Errorf("Webhook(%q): got %+v, want empty response", raw, resp)
		}
	}
}

func TestGatewayWebhookErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"x"}`},
		{"not found", http.StatusNotFound, `nope`},
		{"malformed json", http.StatusOK, `{"reply":`},
		{"wrong shape", http.StatusOK, `"just a string"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw, backend := newTestGateway(t)
			backend.Respond(WebhookPath, tt.status, tt.body)
			_, err := gw.Webhook(context.Background(), &WebhookPayload{})
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("got %v, want *BackendError", err)
			}
			if be.Endpoint != WebhookPath {
				t.Errorf("Endpoint: got %q", be.Endpoint)
			}
		})
	}
}

func TestGatewayWebhookNetworkError(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(t)
	url := backend.URL()
	backend.Server.Close()
	gw := NewBackendGateway(BackendConfig{URL: url, Timeout: time.Second}, zerolog.Nop())
	if _, err := gw.Webhook(context.Background(), &WebhookPayload{}); err == nil {
		t.Error("Webhook against a closed server should fail")
	}
}

func TestGatewayTimeout(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(t)
	backend.Delay(WebhookPath, 2*time.Second)
	gw := NewBackendGateway(BackendConfig{URL: backend.URL(), Timeout: 50 * time.Millisecond}, zerolog.Nop())
	start := time.Now()
	if _, err := gw.Webhook(context.Background(), &WebhookPayload{}); err == nil {
		t.Error("Webhook should time out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not applied: took %v", elapsed)
	}
}

func TestGatewayRequestIDFromContext(t *testing.T) {
	t.Parallel()
	gw, backend := newTestGateway(t)
	ctx := ContextWithRequestID(context.Background(), "handling-123")
	if err := gw.Teach(ctx, &TeachPayload{}); err != nil {
		t.Fatalf("Teach: %v", err)
	}
	if got := backend.Calls()[0].RequestID; got != "handling-123" {
		t.Errorf("X-Request-ID: got %q, want %q", got, "handling-123")
	}
}

func TestResolveAudioURL(t *testing.T) {
	t.Parallel()
	gw := NewBackendGateway(BackendConfig{URL: "http://bob.local:5000/"}, zerolog.Nop())
	tests := map[string]string{
		"files/a.mp3":                  "http://bob.local:5000/files/a.mp3",
		"static/voice/x.mp3":           "http://bob.local:5000/static/voice/x.mp3",
		"https://cdn.example.com/a.mp3": "https://cdn.example.com/a.mp3",
	}
	for ref, want := range tests {
		if got := gw.ResolveAudioURL(ref); got != want {
			t.Errorf("ResolveAudioURL(%q): got %q, want %q", ref, got, want)
		}
	}
}

func TestBackendErrorMessage(t *testing.T) {
	t.Parallel()
	err := &BackendError{Endpoint: WebhookPath, StatusCode: 502, Body: "bad gateway"}
	if got := err.Error(); got != "backend /webhook returned HTTP 502: bad gateway" {
		t.Errorf("Error(): got %q", got)
	}
	inner := errors.New("eof")
	wrapped := &BackendError{Endpoint: WebhookPath, StatusCode: 200, Err: inner}
	if !errors.Is(wrapped, inner) {
		t.Error("BackendError should unwrap to its cause")
	}
}
