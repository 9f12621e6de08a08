// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MessageHandler runs one inbound message through routing, the backend and
// the reply path. Every message gets its own error boundary.
type MessageHandler struct {
	policy      *RoutingPolicy
	backend     *BackendGateway
	sender      OutboundSender
	formatReply func(string) string
	log         zerolog.Logger
}

// NewMessageHandler creates a handler. formatReply may be nil to send
// backend replies verbatim.
func NewMessageHandler(
	policy *RoutingPolicy,
	backend *BackendGateway,
	sender OutboundSender,
	formatReply func(string) string,
	log zerolog.Logger,
) *MessageHandler {
	return &MessageHandler{
		policy:      policy,
		backend:     backend,
		sender:      sender,
		formatReply: formatReply,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// replyState tracks whether an apology was already attempted for a message.
type replyState struct {
	apologized bool
}

// HandleBatch handles every message of an inbound batch in order.
func (h *MessageHandler) HandleBatch(ctx context.Context, msgs []*InboundMessage) {
	for i, msg := range msgs {
		if ctx.Err() != nil {
			h.log.Warn().Int("remaining", len(msgs)-i).Msg("Context done, abandoning rest of batch")
			return
		}
		h.HandleMessage(ctx, msg)
	}
}

// HandleMessage routes a single message and sends any replies. Failures are
// logged and turned into an apology in the same chat; nothing escapes.
func (h *MessageHandler) HandleMessage(ctx context.Context, msg *InboundMessage) {
	if msg == nil {
		return
	}
	handlingID := uuid.NewString()
	log := h.log.With().
		Str("handling_id", handlingID).
		Str("message_id", msg.ID).
		Str("chat", msg.Chat).
		Logger()
	ctx = log.WithContext(ContextWithRequestID(ctx, handlingID))

	var state replyState
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling message")
			h.apologize(ctx, msg.Chat, ReplyBackendError, &state)
		}
	}()

	if err := h.handleMessage(ctx, msg, &state); err != nil {
		log.Err(err).Msg("Failed to handle message")
		h.apologize(ctx, msg.Chat, ReplyBackendError, &state)
	}
}

func (h *MessageHandler) handleMessage(ctx context.Context, msg *InboundMessage, state *replyState) error {
	log := zerolog.Ctx(ctx)
	decision := h.policy.Route(msg)
	switch decision.Action {
	case ActionIgnore:
		log.Trace().Str("reason", decision.Reason).Msg("Ignoring message")
		return nil
	case ActionTeach:
		log.Info().
			Str("sender", decision.Sender).
			Str("content_kind", msg.Content.Kind.String()).
			Msg("Forwarding message from non-allowed sender to teach")
		if err := h.backend.Teach(ctx, decision.Teach); err != nil {
			log.Err(err).Str("sender", decision.Sender).Msg("Failed to store message in teach memory")
		} else {
			log.Debug().Str("sender", decision.Sender).Msg("Stored message in teach memory")
		}
		return nil
	case ActionUnsupported:
		log.Info().
			Str("sender", decision.Sender).
			Str("content_type", msg.Content.Type).
			Msg("Received unsupported message type")
		if err := h.sender.SendText(ctx, msg.Chat, ReplyUnsupported); err != nil {
			return fmt.Errorf("failed to send unsupported reply: %w", err)
		}
		return nil
	case ActionWebhook:
		log.Info().
			Str("sender", decision.Sender).
			Str("kode_satker", decision.Webhook.KodeSatker).
			Msg("Forwarding message to webhook")
		return h.handleWebhook(ctx, msg.Chat, decision.Webhook, state)
	default:
		return fmt.Errorf("unknown routing action %q", decision.Action)
	}
}

// apologize sends text once per message. A failed apology is only logged.
func (h *MessageHandler) apologize(ctx context.Context, chat, text string, state *replyState) {
	if state.apologized {
		return
	}
	state.apologized = true
	if err := h.sender.SendText(ctx, chat, text); err != nil {
		zerolog.Ctx(ctx).Err(err).Str("reply", text).Msg("Failed to send apology")
	}
}
