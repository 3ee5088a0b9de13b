// Package sink declares the outbound notification surface. The core never
// formats transport-specific payloads; concrete sinks (Telegram, etc.) live
// outside and receive structured text/images through this interface.
package sink

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink receives operator-facing notifications.
type Sink interface {
	EmitMessage(ctx context.Context, channel, text string) error
	EmitImage(ctx context.Context, channel string, image []byte, caption string) error
}

// LogSink writes notifications to the log; the default when no external
// sink is wired.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) EmitMessage(_ context.Context, channel, text string) error {
	s.Log.Info().Str("channel", channel).Msg(text)
	return nil
}

func (s LogSink) EmitImage(_ context.Context, channel string, image []byte, caption string) error {
	s.Log.Info().Str("channel", channel).Int("image_bytes", len(image)).Msg(caption)
	return nil
}

// Multi fans one notification out to several sinks; the first error wins
// but every sink is attempted.
type Multi []Sink

func (m Multi) EmitMessage(ctx context.Context, channel, text string) error {
	var first error
	for _, s := range m {
		if err := s.EmitMessage(ctx, channel, text); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) EmitImage(ctx context.Context, channel string, image []byte, caption string) error {
	var first error
	for _, s := range m {
		if err := s.EmitImage(ctx, channel, image, caption); err != nil && first == nil {
			first = err
		}
	}
	return first
}
