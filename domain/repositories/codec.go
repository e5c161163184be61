package repositories

// AudioCodec transcodes between the telephony codec and the speech-service codec.
// Implementations are pure: no per-call state, safe for concurrent use.
type AudioCodec interface {
	// Decode converts 8 kHz mu-law bytes to 16-bit linear PCM at SpeechSampleRate
	Decode(telephony []byte) ([]byte, error)
	// Encode converts 16-bit linear PCM at SpeechSampleRate to 8 kHz mu-law
	Encode(pcm []byte) ([]byte, error)
	// SpeechSampleRate is the linear PCM rate exchanged with the speech service
	SpeechSampleRate() int
	// NewStream returns a transcoder for one call's continuous audio
	NewStream() AudioStream
}

// AudioStream transcodes one call. It keeps resampler state between chunks,
// so it must be used from a single goroutine and never shared across calls.
type AudioStream interface {
	Decode(telephony []byte) ([]byte, error)
	Encode(pcm []byte) ([]byte, error)
}
