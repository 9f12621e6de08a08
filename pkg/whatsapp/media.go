// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// MaxAudioSize is the largest voice note the bridge will relay.
const MaxAudioSize = 16 << 20

// ErrAudioTooLarge is returned when a voice note exceeds MaxAudioSize.
var ErrAudioTooLarge = errors.New("audio file is too large")

const audioFetchTimeout = 60 * time.Second

// audioFetcher downloads voice notes referenced by backend replies.
type audioFetcher struct {
	client *resty.Client
	log    zerolog.Logger
}

func newAudioFetcher(log zerolog.Logger) *audioFetcher {
	log = log.With().Str("component", "audio_fetch").Logger()
	client := resty.New().
		SetTimeout(audioFetchTimeout).
		SetHeader("User-Agent", "whatsapp-bob").
		SetResponseBodyLimit(MaxAudioSize).
		SetLogger(restyLogger{log: log})
	return &audioFetcher{client: client, log: log}
}

// Fetch downloads url and returns its body and reported content type.
func (f *audioFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrAudioTooLarge, MaxAudioSize)
	} else if err != nil {
		return nil, "", fmt.Errorf("failed to download audio: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, "", fmt.Errorf("failed to download audio: HTTP %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, "", errors.New("downloaded audio is empty")
	}
	f.log.Debug().
		Str("url", url).
		Int("size", len(body)).
		Dur("duration", resp.Time()).
		Msg("Downloaded audio")
	return body, resp.Header().Get("Content-Type"), nil
}

type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) { l.log.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.log.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.log.Debug().Msgf(format, v...) }
