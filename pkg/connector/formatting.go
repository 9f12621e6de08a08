// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/aiku/whatsapp-bob/pkg/connector/whatsappfmt"
)

// whatsappfmtParse converts backend markdown to WhatsApp markup.
func whatsappfmtParse(text string) string {
	return whatsappfmt.Parse(text)
}
