// Copyright 2024-2026 Aiku AI

// Package whatsapp provides the whatsmeow-backed session transport used by
// the bridge.
package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	// Credential store drivers: "sqlite3" is cgo, "sqlite" is pure Go.
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/aiku/whatsapp-bob/pkg/connector"
)

const lidLookupTimeout = 5 * time.Second

// Factory opens the credential store once and builds a fresh whatsmeow
// client for every connection attempt.
type Factory struct {
	container *sqlstore.Container
	audio     *audioFetcher
	log       zerolog.Logger
}

var _ connector.TransportFactory = (*Factory)(nil)

// NewFactory opens the credential store described by cfg.
func NewFactory(ctx context.Context, cfg connector.WhatsAppConfig, log zerolog.Logger) (*Factory, error) {
	if cfg.OSName != "" {
		store.DeviceProps.Os = proto.String(cfg.OSName)
	}
	dbLog := waLog.Zerolog(log.With().Str("component", "wa_store").Logger())
	container, err := sqlstore.New(ctx, cfg.Database.Type, cfg.Database.URI, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &Factory{
		container: container,
		audio:     newAudioFetcher(log),
		log:       log.With().Str("component", "whatsapp").Logger(),
	}, nil
}

// Close closes the credential store.
func (f *Factory) Close() error {
	return f.container.Close()
}

// NewTransport loads the stored device, or a blank one when not yet paired,
// and wraps it in a client that never reconnects on its own.
func (f *Factory) NewTransport(ctx context.Context, handlers connector.TransportHandlers) (connector.Transport, error) {
	device, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Zerolog(f.log.With().Str("component", "wa_client").Logger()))
	client.EnableAutoReconnect = false
	t := &Transport{
		client:   client,
		handlers: handlers,
		audio:    f.audio,
		log:      f.log,
	}
	client.AddEventHandler(t.handleEvent)
	return t, nil
}

// Transport is one whatsmeow connection.
type Transport struct {
	client   *whatsmeow.Client
	handlers connector.TransportHandlers
	audio    *audioFetcher
	detached atomic.Bool
	log      zerolog.Logger

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

var _ connector.Transport = (*Transport)(nil)

// Connect dials WhatsApp. An unpaired device starts the QR pairing flow.
func (t *Transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := t.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to start pairing: %w", err)
		}
		t.mu.Lock()
		t.cancelQR = cancel
		t.mu.Unlock()
		go t.watchQR(qrChan)
		t.log.Info().Msg("Device is not paired, waiting for QR code scan")
	} else {
		t.log.Info().Str("jid", t.client.Store.ID.String()).Msg("Connecting with stored session")
	}
	t.handlers.OnLifecycle(connector.LifecycleEvent{Connection: connector.StateConnecting})
	if err := t.client.Connect(); err != nil {
		t.stopQR()
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (t *Transport) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if t.detached.Load() {
			continue
		}
		if evt, ok := qrLifecycle(item); ok {
			t.handlers.OnLifecycle(evt)
		}
	}
}

func (t *Transport) stopQR() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelQR != nil {
		t.cancelQR()
		t.cancelQR = nil
	}
}

// Disconnect closes the connection. No events are delivered afterwards.
func (t *Transport) Disconnect() {
	// whatsmeow holds its handler lock while dispatching, so the handler is
	// muted instead of removed.
	t.detached.Store(true)
	t.stopQR()
	t.client.Disconnect()
}

func (t *Transport) handleEvent(rawEvt any) {
	if t.detached.Load() {
		return
	}
	if evt, ok := rawEvt.(*events.Message); ok {
		ctx, cancel := context.WithTimeout(t.log.WithContext(context.Background()), lidLookupTimeout)
		msg := convertMessage(ctx, evt, t.client.Store.LIDs)
		cancel()
		t.handlers.OnMessages([]*connector.InboundMessage{msg})
		return
	}
	if evt, ok := lifecycleFor(rawEvt); ok {
		if evt.Connection == connector.StateOpen {
			t.stopQR()
		}
		t.handlers.OnLifecycle(evt)
	}
}

// SendText sends a plain text message.
func (t *Transport) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	t.log.Debug().Str("to", to).Str("message_id", string(resp.ID)).Msg("Sent text message")
	return nil
}

// SendAudio downloads the referenced audio, uploads it to WhatsApp and sends
// it as a voice note.
func (t *Transport) SendAudio(ctx context.Context, to string, audio connector.AudioReply) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	data, _, err := t.audio.Fetch(ctx, audio.URL)
	if err != nil {
		return err
	}
	uploaded, err := t.client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("failed to upload audio: %w", err)
	}
	mimeType := audio.MimeType
	if mimeType == "" {
		mimeType = connector.VoiceNoteMimeType
	}
	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			PTT:           proto.Bool(audio.PTT),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	t.log.Debug().
		Str("to", to).
		Str("message_id", string(resp.ID)).
		Int("size", len(data)).
		Msg("Sent voice note")
	return nil
}
