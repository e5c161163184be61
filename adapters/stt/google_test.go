package stt

import (
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/satriahrh/voxbridge/domain/repositories"
)

func TestRecognitionConfig(t *testing.T) {
	rc, err := recognitionConfig(repositories.AudioConfig{SampleRate: 8000, Encoding: "MULAW", Language: "en-US"})
	if err != nil {
		t.Fatalf("recognitionConfig failed: %v", err)
	}
	if rc.Encoding != speechpb.RecognitionConfig_MULAW {
		t.Errorf("Expected MULAW encoding, got %v", rc.Encoding)
	}
	if rc.Model != phoneCallModel || !rc.UseEnhanced {
		t.Errorf("Expected enhanced phone model for 8 kHz audio, got %q", rc.Model)
	}

	rc, err = recognitionConfig(repositories.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "en-US"})
	if err != nil {
		t.Fatalf("recognitionConfig failed: %v", err)
	}
	if rc.Model != "" {
		t.Errorf("Expected default model for wideband audio, got %q", rc.Model)
	}

	if _, err := recognitionConfig(repositories.AudioConfig{Encoding: "MP3"}); err == nil {
		t.Error("Expected unsupported encoding error")
	}
}

func TestJoinResults(t *testing.T) {
	results := []*speechpb.SpeechRecognitionResult{
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "I'd like "}, {Transcript: "ignored"}}},
		{},
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "a large pizza"}}},
	}
	if got := joinResults(results); got != "I'd like a large pizza" {
		t.Errorf("unexpected transcript %q", got)
	}
	if got := joinResults(nil); got != "" {
		t.Errorf("Expected empty transcript, got %q", got)
	}
}
