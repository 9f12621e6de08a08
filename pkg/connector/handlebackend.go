// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
)

// handleWebhook calls the webhook and relays the reply. A backend failure is
// answered with the unreachable apology; failures sending the reply are
// returned to the caller's error boundary.
func (h *MessageHandler) handleWebhook(ctx context.Context, chat string, payload *WebhookPayload, state *replyState) error {
	log := zerolog.Ctx(ctx)
	resp, err := h.backend.Webhook(ctx, payload)
	if err != nil {
		log.Err(err).
			Bool("network_error", exhttp.IsNetworkError(err)).
			Msg("Failed to call webhook")
		h.apologize(ctx, chat, ReplyBackendUnreachable, state)
		return nil
	}

	reply := resp.Reply
	if reply == "" {
		reply = ReplyNoAnswer
	} else if h.formatReply != nil {
		reply = h.formatReply(reply)
	}
	if err = h.sender.SendText(ctx, chat, reply); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}

	if resp.AudioURL == "" {
		return nil
	}
	audio := AudioReply{
		URL:      h.backend.ResolveAudioURL(resp.AudioURL),
		MimeType: VoiceNoteMimeType,
		PTT:      true,
	}
	log.Debug().Str("audio_url", audio.URL).Msg("Sending voice note reply")
	if err = h.sender.SendAudio(ctx, chat, audio); err != nil {
		return fmt.Errorf("failed to send voice note: %w", err)
	}
	return nil
}
