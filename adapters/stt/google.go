package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/repositories"
)

// phoneCallModel is tuned for narrowband telephony audio
const phoneCallModel = "phone_call"

// ErrNoSpeech is returned when the segment held no recognizable speech
var ErrNoSpeech = errors.New("no speech detected in audio")

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

// Ensure GoogleSpeechToText implements SpeechToText
var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a client using application default credentials
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client, logger: logger}, nil
}

// TranscribeAudio transcribes one complete caller segment
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	recognitionConfig, err := recognitionConfig(config)
	if err != nil {
		return "", err
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: recognitionConfig,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to recognize audio: %w", err)
	}

	transcript := joinResults(resp.GetResults())
	if transcript == "" {
		return "", ErrNoSpeech
	}
	g.logger.Debug("Transcribed caller segment",
		zap.Int("bytes", len(audioData)),
		zap.Int("chars", len(transcript)))
	return transcript, nil
}

// Close releases the underlying gRPC connection
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

func recognitionConfig(config repositories.AudioConfig) (*speechpb.RecognitionConfig, error) {
	// Convert encoding string to Google Speech API enum
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(config.SampleRate),
		AudioChannelCount:          1,
		LanguageCode:               config.Language,
		EnableAutomaticPunctuation: true,
	}
	if config.SampleRate == 8000 {
		rc.Model = phoneCallModel
		rc.UseEnhanced = true
	}
	return rc, nil
}

// joinResults concatenates the best alternative of every result
func joinResults(results []*speechpb.SpeechRecognitionResult) string {
	var parts []string
	for _, result := range results {
		if len(result.GetAlternatives()) == 0 {
			continue
		}
		if text := strings.TrimSpace(result.GetAlternatives()[0].GetTranscript()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
