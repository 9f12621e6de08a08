// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"io"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/exsync"
)

// QRPNGSize is the pixel size of QR codes written to disk.
const QRPNGSize = 256

// QRRenderer shows login challenges to the operator. Each distinct token is
// rendered once, even if the transport reports it again.
type QRRenderer struct {
	out     io.Writer
	pngPath string
	log     zerolog.Logger

	mu   sync.Mutex
	seen *exsync.Set[string]
}

// NewQRRenderer creates a renderer writing to out. A non-empty pngPath also
// writes each code as a PNG image there.
func NewQRRenderer(out io.Writer, pngPath string, log zerolog.Logger) *QRRenderer {
	return &QRRenderer{
		out:     out,
		pngPath: pngPath,
		log:     log.With().Str("component", "login").Logger(),
		seen:    exsync.NewSet[string](),
	}
}

// Render displays the token. It returns false if the token was already shown.
func (r *QRRenderer) Render(code string) bool {
	if code == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen.Add(code) {
		r.log.Debug().Msg("Skipping already rendered QR code")
		return false
	}
	_, _ = fmt.Fprintln(r.out, "Scan this QR code with WhatsApp (Linked devices > Link a device):")
	qrterminal.GenerateWithConfig(code, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     r.out,
		HalfBlocks: true,
		QuietZone:  1,
	})
	if r.pngPath != "" {
		if err := qrcode.WriteFile(code, qrcode.Medium, QRPNGSize, r.pngPath); err != nil {
			r.log.Err(err).Str("path", r.pngPath).Msg("Failed to write QR code image")
		} else {
			r.log.Info().Str("path", r.pngPath).Msg("Wrote QR code image")
		}
	}
	r.log.Info().Msg("Rendered new login QR code")
	return true
}

// Reset forgets rendered tokens so a later login starts fresh.
func (r *QRRenderer) Reset() {
	r.mu.Lock()
	r.seen = exsync.NewSet[string]()
	r.mu.Unlock()
}
