package api

import (
	"time"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/internal/bridge"
)

// StreamTokenRequest represents the request payload for issuing a stream token
type StreamTokenRequest struct {
	BusinessID string `json:"business_id" validate:"required"`
	AgentType  string `json:"agent_type,omitempty"`
}

// StreamTokenResponse represents the response payload for a stream token
type StreamTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionConfigTokenRequest asks for a signed outbound session config
type SessionConfigTokenRequest struct {
	BusinessID string                 `json:"business_id" validate:"required"`
	Config     entities.SessionConfig `json:"config"`
}

// SessionConfigTokenResponse carries the sessionConfig custom parameter value
type SessionConfigTokenResponse struct {
	SessionConfig string `json:"session_config"`
}

// SessionMessageRequest is an operator text turn for a live call
type SessionMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

// SessionsResponse lists the active calls
type SessionsResponse struct {
	Sessions []bridge.SessionInfo `json:"sessions"`
	Count    int                  `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
