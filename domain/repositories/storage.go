package repositories

import (
	"context"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// TranscriptRepository persists one transcript record per call
type TranscriptRepository interface {
	Save(ctx context.Context, record *entities.TranscriptRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error)
}

// AgentProfile is the business-side configuration of a voice agent
type AgentProfile struct {
	BusinessID   string                 `json:"business_id"`
	AgentType    string                 `json:"agent_type"`
	BusinessName string                 `json:"business_name"`
	Config       entities.SessionConfig `json:"config"`
}

// ProfileSource looks up agent profiles owned by the business records collaborator
type ProfileSource interface {
	GetAgentProfile(ctx context.Context, businessID, agentType string) (*AgentProfile, error)
}
