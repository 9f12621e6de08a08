// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when a send is attempted without an open session.
var ErrNotConnected = errors.New("whatsapp session is not connected")

// ConnectionState is the supervisor's view of the session.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	// StateTerminal is reached after a logout or when the reconnect budget
	// is exhausted. Nothing leaves it.
	StateTerminal ConnectionState = "terminal"
)

// DisconnectCause explains why a session closed.
type DisconnectCause string

const (
	CauseUnknown         DisconnectCause = "unknown"
	CauseLoggedOut       DisconnectCause = "logged_out"
	CauseConnectionLost  DisconnectCause = "connection_lost"
	CauseStreamReplaced  DisconnectCause = "stream_replaced"
	CauseConnectFailure  DisconnectCause = "connect_failure"
	CauseTemporaryBan    DisconnectCause = "temporary_ban"
	CauseClientOutdated  DisconnectCause = "client_outdated"
	CauseQRTimeout       DisconnectCause = "qr_timeout"
	CauseTransportClosed DisconnectCause = "transport_closed"
)

// LifecycleEvent is emitted by a Transport whenever a login challenge is
// issued or the connection changes state. Zero fields mean "not present".
type LifecycleEvent struct {
	QRCode     string
	Connection ConnectionState
	Cause      DisconnectCause
	Err        error
}

// InboundMessage is one message received from the network.
type InboundMessage struct {
	ID   string
	Chat string
	// Sender is the phone-number address of the other party when Chat is a
	// lid address. Empty when it is unknown or Chat already carries it.
	Sender    string
	FromMe    bool
	PushName  string
	Timestamp time.Time
	Content   Content
}

// AudioReply describes a voice note to send by URL.
type AudioReply struct {
	URL      string
	MimeType string
	PTT      bool
}

// OutboundSender delivers replies to a chat.
type OutboundSender interface {
	SendText(ctx context.Context, to, text string) error
	SendAudio(ctx context.Context, to string, audio AudioReply) error
}

// Transport is a single live connection to the messaging network. A
// Transport is never reused after it reports a close; the supervisor builds a
// new one through its TransportFactory.
type Transport interface {
	OutboundSender
	Connect(ctx context.Context) error
	Disconnect()
}

// TransportHandlers are the callbacks a Transport reports to.
type TransportHandlers struct {
	OnLifecycle func(LifecycleEvent)
	OnMessages  func([]*InboundMessage)
}

// TransportFactory builds a fresh Transport wired to the given handlers.
type TransportFactory interface {
	NewTransport(ctx context.Context, handlers TransportHandlers) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(ctx context.Context, handlers TransportHandlers) (Transport, error)

func (f TransportFactoryFunc) NewTransport(ctx context.Context, handlers TransportHandlers) (Transport, error) {
	return f(ctx, handlers)
}
