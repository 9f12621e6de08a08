// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/whatsapp-bob/pkg/connector"
)

// DecodeContent extracts the routable part of a message. Plain text,
// extended text and media captions are readable; everything else is tagged
// unsupported with the protocol field name that was present.
func DecodeContent(msg *waE2E.Message) connector.Content {
	if msg == nil {
		return connector.UnsupportedContent("empty")
	}
	switch {
	case msg.GetConversation() != "":
		return connector.TextContent(msg.GetConversation())
	case msg.GetExtendedTextMessage().GetText() != "":
		return connector.Content{Kind: connector.ContentExtendedText, Text: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage().GetCaption() != "":
		return connector.Content{Kind: connector.ContentImage, Text: msg.GetImageMessage().GetCaption()}
	case msg.GetVideoMessage().GetCaption() != "":
		return connector.Content{Kind: connector.ContentVideo, Text: msg.GetVideoMessage().GetCaption()}
	}
	return connector.UnsupportedContent(messageType(msg))
}

func messageType(msg *waE2E.Message) string {
	switch {
	case msg.ImageMessage != nil:
		return "imageMessage"
	case msg.VideoMessage != nil:
		return "videoMessage"
	case msg.AudioMessage != nil:
		return "audioMessage"
	case msg.DocumentMessage != nil:
		return "documentMessage"
	case msg.StickerMessage != nil:
		return "stickerMessage"
	case msg.LocationMessage != nil:
		return "locationMessage"
	case msg.LiveLocationMessage != nil:
		return "liveLocationMessage"
	case msg.ContactMessage != nil:
		return "contactMessage"
	case msg.ReactionMessage != nil:
		return "reactionMessage"
	case msg.PollCreationMessage != nil:
		return "pollCreationMessage"
	case msg.ProtocolMessage != nil:
		return "protocolMessage"
	default:
		return "unknown"
	}
}

// pnResolver finds the phone number behind a hidden user id.
type pnResolver interface {
	GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error)
}

// convertMessage maps a whatsmeow message event to the bridge's inbound
// message. Direct chats addressed by lid get their phone number in Sender.
func convertMessage(ctx context.Context, evt *events.Message, lids pnResolver) *connector.InboundMessage {
	msg := &connector.InboundMessage{
		ID:        string(evt.Info.ID),
		Chat:      evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
		Content:   DecodeContent(evt.Message),
	}
	if !evt.Info.IsGroup && evt.Info.Chat.Server == types.HiddenUserServer {
		msg.Sender = phoneAddress(ctx, evt.Info.MessageSource, lids)
	}
	return msg
}

func phoneAddress(ctx context.Context, src types.MessageSource, lids pnResolver) string {
	// In a direct chat the other party is the sender, or the recipient of
	// our own messages.
	alt := src.SenderAlt
	if src.IsFromMe {
		alt = src.RecipientAlt
	}
	if alt.Server == types.DefaultUserServer {
		return alt.ToNonAD().String()
	}
	if lids == nil {
		return ""
	}
	pn, err := lids.GetPNForLID(ctx, src.Chat.ToNonAD())
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("lid", src.Chat).Msg("Failed to look up phone number for lid chat")
		return ""
	} else if pn.IsEmpty() {
		zerolog.Ctx(ctx).Debug().Stringer("lid", src.Chat).Msg("No phone number known for lid chat")
		return ""
	}
	return pn.ToNonAD().String()
}
