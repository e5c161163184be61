package realtime

import (
	"encoding/json"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// Client event types
const (
	clientSessionUpdate      = "session.update"
	clientAudioAppend        = "input_audio_buffer.append"
	clientAudioCommit        = "input_audio_buffer.commit"
	clientItemCreate         = "conversation.item.create"
	clientResponseCreate     = "response.create"
	clientResponseCancel     = "response.cancel"
	itemTypeMessage          = "message"
	itemTypeFunctionCall     = "function_call"
	itemTypeFunctionCallOut  = "function_call_output"
	contentTypeInputText     = "input_text"
	defaultTranscriptionName = "whisper-1"
)

// EventType discriminates events surfaced to the call session.
// Wire event names are kept where the event maps 1:1 to a server event.
type EventType string

const (
	EventSessionCreated        EventType = "session.created"
	EventSessionUpdated        EventType = "session.updated"
	EventItemCreated           EventType = "conversation.item.created"
	EventInputTranscriptDone   EventType = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptFailed EventType = "conversation.item.input_audio_transcription.failed"
	EventSpeechStarted         EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped         EventType = "input_audio_buffer.speech_stopped"
	EventAudioCommitted        EventType = "input_audio_buffer.committed"
	EventResponseCreated       EventType = "response.created"
	EventResponseDone          EventType = "response.done"
	EventAudioDelta            EventType = "response.audio.delta"
	EventAudioDone             EventType = "response.audio.done"
	EventTranscriptDelta       EventType = "response.audio_transcript.delta"
	EventTranscriptDone        EventType = "response.audio_transcript.done"
	EventTextDelta             EventType = "response.text.delta"
	EventTextDone              EventType = "response.text.done"
	EventFunctionCall          EventType = "response.function_call_arguments.done"
	EventRateLimits            EventType = "rate_limits.updated"
	EventError                 EventType = "error"
	EventFunctionCallRejected  EventType = "function_call.rejected"
	EventRateLimitWarning      EventType = "rate_limits.warning"
)

const (
	serverOutputItemAdded       = "response.output_item.added"
	serverFunctionCallArgsDelta = "response.function_call_arguments.delta"
	errorCodeSessionExpired     = "session_expired"
	rateLimitWarningThreshold   = 0.10
)

// Response statuses reported by response.done
const (
	ResponseStatusCompleted  = "completed"
	ResponseStatusCancelled  = "cancelled"
	ResponseStatusFailed     = "failed"
	ResponseStatusIncomplete = "incomplete"
)

// Item is the subset of a conversation item the bridge tracks
type Item struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Role           string `json:"role,omitempty"`
	Status         string `json:"status,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	Name           string `json:"name,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
}

// ServerError is the payload of an error event
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// SessionExpired reports whether the service ended the session on its side
func (e *ServerError) SessionExpired() bool {
	return e != nil && e.Code == errorCodeSessionExpired
}

// RateLimit is one row of the rate-limit table
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        float64 `json:"limit"`
	Remaining    float64 `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// Low reports whether less than 10% of the limit remains
func (r RateLimit) Low() bool {
	return r.Limit > 0 && r.Remaining < r.Limit*rateLimitWarningThreshold
}

// Event is one parsed server event. Fields are populated according to Type.
type Event struct {
	Type       EventType
	EventID    string
	ResponseID string
	ItemID     string

	// Status of a finished response
	Status string

	// Decoded PCM16 for audio deltas
	Audio []byte

	// Text, transcript, or transcript delta
	Text string

	Item       *Item
	ToolCall   *entities.ToolCall
	RateLimits []RateLimit
	Error      *ServerError
}

// serverEnvelope is decoded once per inbound message; unused fields stay zero
type serverEnvelope struct {
	Type        string          `json:"type"`
	EventID     string          `json:"event_id"`
	ResponseID  string          `json:"response_id"`
	ItemID      string          `json:"item_id"`
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Delta       string          `json:"delta"`
	Arguments   string          `json:"arguments"`
	Transcript  string          `json:"transcript"`
	Text        string          `json:"text"`
	Item        *Item           `json:"item"`
	Response    *responseObject `json:"response"`
	RateLimits  []RateLimit     `json:"rate_limits"`
	Error       *ServerError    `json:"error"`
	Session     json.RawMessage `json:"session"`
	PreviousID  string          `json:"previous_item_id"`
	OutputIndex int             `json:"output_index"`
}

type responseObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type clientEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type sessionUpdateEvent struct {
	clientEvent
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities               []string               `json:"modalities"`
	Instructions             string                 `json:"instructions,omitempty"`
	Voice                    string                 `json:"voice,omitempty"`
	InputAudioFormat         string                 `json:"input_audio_format"`
	OutputAudioFormat        string                 `json:"output_audio_format"`
	InputAudioTranscription  *transcriptionSettings `json:"input_audio_transcription,omitempty"`
	InputAudioNoiseReduction *noiseReduction        `json:"input_audio_noise_reduction,omitempty"`
	TurnDetection            *TurnDetection         `json:"turn_detection"`
	Tools                    []toolSpec             `json:"tools,omitempty"`
	ToolChoice               string                 `json:"tool_choice,omitempty"`
	Temperature              float64                `json:"temperature,omitempty"`
	MaxResponseOutputTokens  interface{}            `json:"max_response_output_tokens,omitempty"`
}

type transcriptionSettings struct {
	Model string `json:"model"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type toolSpec struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type audioAppendEvent struct {
	clientEvent
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	clientEvent
	Item outboundItem `json:"item"`
}

type outboundItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCancelEvent struct {
	clientEvent
	ResponseID string `json:"response_id,omitempty"`
}

func buildSessionPayload(cfg entities.SessionConfig) sessionPayload {
	p := sessionPayload{
		Modalities:              []string{"audio", "text"},
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionSettings{Model: defaultTranscriptionName},
		TurnDetection:           TurnDetectionFor(cfg),
		Temperature:             cfg.Temperature,
	}
	if cfg.NoiseReduction != entities.NoiseReductionNone {
		p.InputAudioNoiseReduction = &noiseReduction{Type: string(cfg.NoiseReduction)}
	}
	if cfg.MaxOutputTokens > 0 {
		p.MaxResponseOutputTokens = cfg.MaxOutputTokens
	} else {
		p.MaxResponseOutputTokens = "inf"
	}
	if len(cfg.Tools) > 0 {
		p.ToolChoice = "auto"
		for _, t := range cfg.Tools {
			p.Tools = append(p.Tools, toolSpec{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
	}
	return p
}
