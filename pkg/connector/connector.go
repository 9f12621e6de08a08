// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/requestlog"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long in-flight messages may keep running after
// shutdown starts before their context is cancelled.
const ShutdownTimeout = 30 * time.Second

// BobConnector wires the WhatsApp session to the Bob backend.
type BobConnector struct {
	Config     *Config
	Policy     *RoutingPolicy
	Gateway    *BackendGateway
	Client     *BridgeClient
	Handler    *MessageHandler
	Dispatcher *Dispatcher

	taskCtx     context.Context
	cancelTasks context.CancelFunc
	log         zerolog.Logger
}

// NewBobConnector builds every component from config. QR codes are written
// to qrOut.
func NewBobConnector(cfg *Config, factory TransportFactory, qrOut io.Writer, log zerolog.Logger) *BobConnector {
	bc := &BobConnector{
		Config:     cfg,
		Policy:     NewRoutingPolicy(cfg.Routing),
		Gateway:    NewBackendGateway(cfg.Backend, log),
		Dispatcher: NewDispatcher(cfg.Dispatch.SerializePerSender, log),
		log:        log.With().Str("component", "connector").Logger(),
	}
	bc.taskCtx, bc.cancelTasks = context.WithCancel(log.WithContext(context.Background()))
	renderer := NewQRRenderer(qrOut, cfg.WhatsApp.QRPNGPath, log)
	bc.Client = NewBridgeClient(factory, cfg.Reconnect, renderer, bc.dispatchBatch, log)
	var formatReply func(string) string
	if cfg.ConvertMarkdown {
		formatReply = whatsappfmtParse
	}
	bc.Handler = NewMessageHandler(bc.Policy, bc.Gateway, bc.Client, formatReply, log)
	return bc
}

// dispatchBatch splits a batch by chat and schedules each part as its own
// task, keeping the original order within a chat.
func (bc *BobConnector) dispatchBatch(msgs []*InboundMessage) {
	var order []string
	byChat := make(map[string][]*InboundMessage)
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if _, ok := byChat[msg.Chat]; !ok {
			order = append(order, msg.Chat)
		}
		byChat[msg.Chat] = append(byChat[msg.Chat], msg)
	}
	for _, chat := range order {
		part := byChat[chat]
		err := bc.Dispatcher.Submit(chat, func() {
			bc.Handler.HandleBatch(bc.taskCtx, part)
		})
		if err != nil {
			bc.log.Warn().Err(err).Str("chat", chat).Int("count", len(part)).Msg("Dropping messages")
		}
	}
}

// Run connects to WhatsApp and serves the admin API until ctx is done, then
// shuts down and joins in-flight message tasks. A failed initial connection
// is logged and leaves the bridge running without a session.
func (bc *BobConnector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if bc.Config.AdminAPIAddr != "" {
		server := bc.newAdminServer(bc.Config.AdminAPIAddr)
		listener, err := net.Listen("tcp", bc.Config.AdminAPIAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on admin api address: %w", err)
		}
		g.Go(func() error {
			bc.log.Info().Str("addr", listener.Addr().String()).Msg("Starting bridge admin API")
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := bc.Client.Connect(gctx); err != nil {
			bc.log.Error().Err(err).Msg("Bridge is running without a WhatsApp session")
		}
		<-gctx.Done()
		bc.Stop()
		return nil
	})

	return g.Wait()
}

// Stop refuses new messages, lets in-flight ones deliver their replies and
// then disconnects the session.
func (bc *BobConnector) Stop() {
	bc.log.Info().Msg("Shutting down bridge")
	bc.Dispatcher.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := bc.Dispatcher.Wait(ctx); err != nil {
		bc.log.Warn().Err(err).Msg("Timed out waiting for in-flight messages, cancelling them")
		bc.cancelTasks()
		_ = bc.Dispatcher.Wait(context.Background())
	}
	bc.Client.Disconnect()
	bc.cancelTasks()
	bc.log.Info().Msg("Bridge stopped")
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	ClientStatus
	PendingTasks int `json:"pending_tasks"`
}

func (bc *BobConnector) newAdminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", bc.HandleStatus)
	handler := exhttp.ApplyMiddleware(
		mux,
		hlog.NewHandler(bc.log.With().Str("component", "admin_api").Logger()),
		requestlog.AccessLogger(requestlog.Options{Recover: true}),
	)
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     stdlog.New(exzerolog.NewLogWriter(bc.log).WithLevel(zerolog.WarnLevel), "", 0),
	}
}

// HandleStatus is an HTTP handler for GET /api/status.
func (bc *BobConnector) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, StatusResponse{
		ClientStatus: bc.Client.Status(),
		PendingTasks: bc.Dispatcher.Pending(),
	})
}
