package bridge

import (
	"context"

	"go.uber.org/zap"
)

// announce plays the fallback message to the caller before hangup.
// The synthesizer must produce 8 kHz mu-law.
func (s *Session) announce() {
	if s.deps.Announcer == nil || s.opts.FallbackMessage == "" || s.adapter.StreamID() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FallbackTimeout)
	defer cancel()

	chunks, err := s.deps.Announcer.ConvertTextToSpeech(ctx, s.opts.FallbackMessage)
	if err != nil {
		s.logger.Warn("Failed to synthesize fallback message", zap.Error(err))
		return
	}

	var pending []byte
	frames := 0
	send := func(frame []byte) bool {
		msg, err := s.adapter.MediaMessage(frame)
		if err != nil {
			return false
		}
		if err := s.sink.Send(msg); err != nil {
			s.logger.Warn("Failed to send fallback audio", zap.Error(err))
			return false
		}
		frames++
		return true
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("Fallback message timed out", zap.Int("framesSent", frames))
			return
		case chunk, ok := <-chunks:
			if !ok {
				if len(pending) > 0 {
					send(pending)
				}
				s.logger.Info("Played fallback message", zap.Int("frames", frames))
				return
			}
			pending = append(pending, chunk...)
			for len(pending) >= fallbackFrameBytes {
				if !send(pending[:fallbackFrameBytes]) {
					return
				}
				pending = pending[fallbackFrameBytes:]
			}
		}
	}
}
