// Copyright 2024-2026 Aiku AI

package connector

import (
	"maps"

	"go.mau.fi/util/exsync"
)

// Fixed replies sent to allowed senders.
const (
	ReplyUnsupported        = "Maaf, Bob belum bisa baca jenis pesan ini."
	ReplyNoAnswer           = "Maaf, tidak ada balasan dari Bob."
	ReplyBackendUnreachable = "Bob tidak bisa menghubungi backend 😢"
	ReplyBackendError       = "Bob sedang error di backend 😢"
)

// RouteAction is what the pipeline should do with a message.
type RouteAction string

const (
	ActionIgnore      RouteAction = "ignore"
	ActionTeach       RouteAction = "teach"
	ActionUnsupported RouteAction = "unsupported"
	ActionWebhook     RouteAction = "webhook"
)

// TeachPayload is the body of POST /teach.
type TeachPayload struct {
	Phone string `json:"phone"`
	Topik string `json:"topik"`
	Isi   string `json:"isi"`
}

// WebhookPayload is the body of POST /webhook.
type WebhookPayload struct {
	Message    string `json:"message"`
	Phone      string `json:"phone"`
	KodeSatker string `json:"kode_satker"`
}

// RoutingDecision is the result of routing one message. Exactly one of
// Teach and Webhook is set for the teach and webhook actions.
type RoutingDecision struct {
	Action  RouteAction
	Reason  string
	Sender  string
	Text    string
	Teach   *TeachPayload
	Webhook *WebhookPayload
}

// RoutingPolicy decides which flow a message takes. It is built once from
// config and never mutated, so it is safe for concurrent use.
type RoutingPolicy struct {
	allowed     *exsync.Set[string]
	satker      map[string]string
	defaultCode string
	teachTopic  string
}

// NewRoutingPolicy compiles the routing tables from config.
func NewRoutingPolicy(cfg RoutingConfig) *RoutingPolicy {
	defaultCode := cfg.DefaultKodeSatker
	if defaultCode == "" {
		defaultCode = DefaultKodeSatker
	}
	topic := cfg.TeachTopic
	if topic == "" {
		topic = DefaultTeachTopic
	}
	return &RoutingPolicy{
		allowed:     exsync.NewSetWithItems(cfg.AllowedSenders),
		satker:      maps.Clone(cfg.KodeSatker),
		defaultCode: defaultCode,
		teachTopic:  topic,
	}
}

// IsAllowed reports whether the sender takes the conversational flow.
func (p *RoutingPolicy) IsAllowed(phone string) bool {
	return p.allowed.Has(phone)
}

// KodeSatker returns the organisation code forwarded with a sender's messages.
func (p *RoutingPolicy) KodeSatker(phone string) string {
	if code, ok := p.satker[phone]; ok {
		return code
	}
	return p.defaultCode
}

// Route applies the routing rules in order: non-direct chats and own
// messages are ignored before anything else, then senders outside the allow
// list go to teach, and allowed senders go to the webhook unless the content
// cannot be read.
func (p *RoutingPolicy) Route(msg *InboundMessage) RoutingDecision {
	addr := msg.Chat
	if IsLIDAddress(msg.Chat) {
		if msg.Sender == "" {
			return RoutingDecision{Action: ActionIgnore, Reason: "lid chat without phone number"}
		}
		addr = msg.Sender
	}
	if !IsDirectAddress(addr) {
		return RoutingDecision{Action: ActionIgnore, Reason: "non-direct chat"}
	}
	if msg.FromMe {
		return RoutingDecision{Action: ActionIgnore, Reason: "own message"}
	}
	sender := NormalizeSender(addr)
	text, supported := Classify(msg.Content)
	if !p.IsAllowed(sender) {
		return RoutingDecision{
			Action: ActionTeach,
			Sender: sender,
			Text:   text,
			Teach:  &TeachPayload{Phone: sender, Topik: p.teachTopic, Isi: text},
		}
	}
	if !supported {
		return RoutingDecision{Action: ActionUnsupported, Sender: sender, Text: text}
	}
	return RoutingDecision{
		Action: ActionWebhook,
		Sender: sender,
		Text:   text,
		Webhook: &WebhookPayload{
			Message:    text,
			Phone:      sender,
			KodeSatker: p.KodeSatker(sender),
		},
	}
}
