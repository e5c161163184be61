package repositories

import "context"

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// SpeechToText transcribes a complete audio segment.
// Used as a fallback when the speech service fails to transcribe caller input.
type SpeechToText interface {
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
}

// TextToSpeech synthesizes text into a stream of audio chunks
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
}

// Summarizer condenses a finished call transcript
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}
