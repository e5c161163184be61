package entities

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Speaker attributes a transcript fragment
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// TranscriptEntry is one speaker-attributed fragment
type TranscriptEntry struct {
	Speaker  Speaker `json:"speaker" bson:"speaker"`
	Text     string  `json:"text" bson:"text"`
	Sequence int64   `json:"sequence" bson:"sequence"`
}

// TranscriptMetadata describes how the call was configured
type TranscriptMetadata struct {
	Voice         string            `json:"voice" bson:"voice"`
	TurnDetection TurnDetectionMode `json:"turn_detection" bson:"turn_detection"`
	TotalEntries  int               `json:"total_entries" bson:"total_entries"`
}

// TranscriptRecord is persisted once per call at teardown
type TranscriptRecord struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SessionID    string             `json:"session_id" bson:"session_id"`
	BusinessID   string             `json:"business_id" bson:"business_id"`
	CallSid      string             `json:"call_sid" bson:"call_sid"`
	CallerNumber string             `json:"caller_number" bson:"caller_number"`
	Direction    CallDirection      `json:"direction" bson:"direction"`
	StartedAt    time.Time          `json:"started_at" bson:"started_at"`
	EndedAt      time.Time          `json:"ended_at" bson:"ended_at"`
	Entries      []TranscriptEntry  `json:"entries" bson:"entries"`
	Text         string             `json:"text" bson:"text"`
	Summary      string             `json:"summary,omitempty" bson:"summary,omitempty"`
	Metadata     TranscriptMetadata `json:"metadata" bson:"metadata"`
}
