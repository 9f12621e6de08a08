// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	allowedWithSatker = "6289508592525"
	allowedDefault    = "6289611155155"
	strangerPhone     = "6281111111111"
)

func testRoutingConfig() RoutingConfig {
	return RoutingConfig{
		AllowedSenders:    []string{allowedWithSatker, allowedDefault},
		KodeSatker:        map[string]string{allowedWithSatker: "171298"},
		DefaultKodeSatker: DefaultKodeSatker,
		TeachTopic:        DefaultTeachTopic,
	}
}

func textMessage(phone, text string) *InboundMessage {
	return &InboundMessage{
		ID:        "MSG-" + phone,
		Chat:      MakeDirectAddress(phone),
		Timestamp: time.Unix(1700000000, 0),
		Content:   TextContent(text),
	}
}

// sentMessage is one outbound send captured by mockSender.
type sentMessage struct {
	To    string
	Text  string
	Audio *AudioReply
}

// mockSender captures outbound sends for test assertions.
type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage

	// FailText makes SendText fail for these exact texts.
	FailText map[string]bool
	// FailAudio makes SendAudio fail.
	FailAudio bool
	// PanicOn makes SendText panic for this exact text.
	PanicOn string
	// OnSend runs after every recorded SendText.
	OnSend func()
}

func newMockSender() *mockSender {
	return &mockSender{FailText: make(map[string]bool)}
}

func (m *mockSender) SendText(_ context.Context, to, text string) error {
	if m.PanicOn != "" && text == m.PanicOn {
		panic("send exploded")
	}
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{To: to, Text: text})
	fail := m.FailText[text]
	onSend := m.OnSend
	m.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	if fail {
		return errors.New("send failed")
	}
	return nil
}

func (m *mockSender) SendAudio(_ context.Context, to string, audio AudioReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Audio: &audio})
	if m.FailAudio {
		return errors.New("audio send failed")
	}
	return nil
}

func (m *mockSender) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.sent))
	copy(cp, m.sent)
	return cp
}

// endpointCall records which backend endpoints were hit during a test.
type endpointCall struct {
	Method    string
	Path      string
	Body      string
	RequestID string
}

// cannedResponse is what fakeBackend answers on an endpoint.
type cannedResponse struct {
	Status int
	Body   string
	Delay  time.Duration
}

// fakeBackend wraps an httptest.Server simulating the Bob backend. It
// records calls and provides canned responses.
type fakeBackend struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []endpointCall
	responses map[string]cannedResponse
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{
		responses: map[string]cannedResponse{
			TeachPath:   {Status: http.StatusOK, Body: `{"status":"ok"}`},
			WebhookPath: {Status: http.StatusOK, Body: `{"status":"ok","reply":"ok"}`},
		},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeBackend) URL() string {
	return f.Server.URL
}

// Respond sets the canned response for path.
func (f *fakeBackend) Respond(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = cannedResponse{Status: status, Body: body}
}

// Delay makes path answer only after d.
func (f *fakeBackend) Delay(path string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.responses[path]
	resp.Delay = d
	f.responses[path] = resp
}

func (f *fakeBackend) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      string(body),
		RequestID: r.Header.Get("X-Request-ID"),
	})
	resp, ok := f.responses[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}

func (f *fakeBackend) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeBackend) CallsTo(path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// decodeBody unmarshals a recorded request body into a generic map.
func decodeBody(t *testing.T, call endpointCall) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal([]byte(call.Body), &out); err != nil {
		t.Fatalf("failed to decode %s body %q: %v", call.Path, call.Body, err)
	}
	return out
}

// newTestHandler builds a MessageHandler against a fake backend.
func newTestHandler(t *testing.T) (*MessageHandler, *fakeBackend, *mockSender) {
	t.Helper()
	backend := newFakeBackend(t)
	sender := newMockSender()
	gateway := NewBackendGateway(BackendConfig{URL: backend.URL(), Timeout: 5 * time.Second}, zerolog.Nop())
	h := NewMessageHandler(NewRoutingPolicy(testRoutingConfig()), gateway, sender, nil, zerolog.Nop())
	return h, backend, sender
}

// fakeTransport is a scripted Transport. Lifecycle events are emitted by the
// test through Emit.
type fakeTransport struct {
	id       int
	handlers TransportHandlers
	// ConnectErr is returned from Connect.
	ConnectErr error
	// OpenOnConnect emits an open event from inside Connect.
	OpenOnConnect bool

	mu           sync.Mutex
	connected    bool
	disconnected bool
	sent         []sentMessage
}

func (f *fakeTransport) Connect(_ context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.OpenOnConnect {
		f.Emit(LifecycleEvent{Connection: StateOpen})
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeTransport) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeTransport) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	return nil
}

func (f *fakeTransport) SendAudio(_ context.Context, to string, audio AudioReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Audio: &audio})
	return nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeTransport) Emit(evt LifecycleEvent) {
	f.handlers.OnLifecycle(evt)
}

func (f *fakeTransport) Deliver(msgs ...*InboundMessage) {
	f.handlers.OnMessages(msgs)
}

// fakeFactory builds fakeTransports and remembers every one it built.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	// Configure is applied to each new transport before it is returned.
	Configure func(n int, t *fakeTransport)
	// FailCreate makes NewTransport fail for these attempt numbers (1-based).
	FailCreate map[int]bool
	created    chan *fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		FailCreate: make(map[int]bool),
		created:    make(chan *fakeTransport, 64),
	}
}

func (f *fakeFactory) NewTransport(_ context.Context, handlers TransportHandlers) (Transport, error) {
	f.mu.Lock()
	n := len(f.transports) + 1
	t := &fakeTransport{id: n, handlers: handlers}
	f.transports = append(f.transports, t)
	configure := f.Configure
	fail := f.FailCreate[n]
	f.mu.Unlock()
	if fail {
		f.created <- t
		return nil, errors.New("factory failure")
	}
	if configure != nil {
		configure(n, t)
	}
	f.created <- t
	return t, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) Transport(n int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[n-1]
}

// waitCreated waits for the next transport the factory builds.
func (f *fakeFactory) waitCreated(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a new transport")
		return nil
	}
}

// fastReconnect is a reconnect config with tiny delays for tests.
func fastReconnect(maxAttempts int) ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  maxAttempts,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// containsText reports whether any sent message has exactly text.
func containsText(sent []sentMessage, text string) bool {
	for _, s := range sent {
		if s.Audio == nil && strings.EqualFold(s.Text, text) {
			return true
		}
	}
	return false
}
