package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the discriminator of a telephony media-stream message
type EventType string

// Telephony transport events
const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventClear     EventType = "clear"
	EventDTMF      EventType = "dtmf"
)

// Media tracks
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
	TrackBoth     = "both_tracks"
)

// Well-known custom parameter keys
const (
	ParamCallerNumber  = "callerNumber"
	ParamCallID        = "callId"
	ParamBusinessID    = "businessId"
	ParamAgentType     = "agentType"
	ParamDirection     = "direction"
	ParamSessionConfig = "sessionConfig"
	ParamToken         = "token"
)

// ErrUnknownEvent is returned for messages with an unsupported event discriminator
var ErrUnknownEvent = errors.New("unknown telephony event")

// Message is the raw wire shape of every telephony message
type Message struct {
	Event          EventType     `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload carries call identity and routing hints
type StartPayload struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat describes the audio carried by media events
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio chunk
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload carries the reason a stream ended
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkPayload names a playback position
type MarkPayload struct {
	Name string `json:"name"`
}

// Start is the normalized start event
type Start struct {
	CallID           string
	StreamID         string
	CustomParameters map[string]string
}

// Media is the normalized media event
type Media struct {
	Track       string
	Payload     []byte
	TimestampMs int64
	Sequence    int64
}

// Event is the normalized telephony event. Exactly one of Start, Media or Stop is set.
type Event struct {
	Type  EventType
	Start *Start
	Media *Media
	Stop  bool
	// Mark is the name echoed back once playback reached a mark
	Mark string
}

// IsMedia reports whether the event carries audio
func (e Event) IsMedia() bool { return e.Type == EventMedia }

// ParseMessage validates a raw transport message and returns its normalized event
func ParseMessage(data []byte) (Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch msg.Event {
	case EventStart:
		if msg.Start == nil {
			return Event{}, fmt.Errorf("start event missing start payload")
		}
		streamID := msg.StreamSid
		if streamID == "" {
			streamID = msg.Start.StreamSid
		}
		if streamID == "" {
			return Event{}, fmt.Errorf("streamSid is required")
		}
		params := msg.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		return Event{Type: EventStart, Start: &Start{
			CallID:           msg.Start.CallSid,
			StreamID:         streamID,
			CustomParameters: params,
		}}, nil

	case EventMedia:
		if msg.Media == nil {
			return Event{}, fmt.Errorf("media event missing media payload")
		}
		payload, err := decodeBase64(msg.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("invalid media payload: %w", err)
		}
		track := msg.Media.Track
		if track == "" {
			track = TrackInbound
		}
		return Event{Type: EventMedia, Media: &Media{
			Track:       track,
			Payload:     payload,
			TimestampMs: parseInt(msg.Media.Timestamp),
			Sequence:    parseInt(msg.SequenceNumber),
		}}, nil

	case EventStop:
		return Event{Type: EventStop, Stop: true}, nil

	case EventMark:
		ev := Event{Type: EventMark}
		if msg.Mark != nil {
			ev.Mark = msg.Mark.Name
		}
		return ev, nil

	case EventConnected, EventDTMF:
		return Event{Type: msg.Event}, nil

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}
