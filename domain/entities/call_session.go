package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CallState represents the lifecycle state of a call session
type CallState string

const (
	CallStateConnecting CallState = "connecting"
	CallStateActive     CallState = "active"
	CallStateDraining   CallState = "draining"
	CallStateClosed     CallState = "closed"
)

// CallDirection is the call-leg direction
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallSession identifies one active call bridged between telephony and the speech service
type CallSession struct {
	ID           string        `json:"id" bson:"_id"`
	BusinessID   string        `json:"business_id" bson:"business_id"`
	CallerNumber string        `json:"caller_number" bson:"caller_number"`
	CallSid      string        `json:"call_sid" bson:"call_sid"`
	StreamSid    string        `json:"stream_sid" bson:"stream_sid"`
	Direction    CallDirection `json:"direction" bson:"direction"`
	CreatedAt    time.Time     `json:"created_at" bson:"created_at"`
	State        CallState     `json:"state" bson:"state"`
}

// NewCallSession creates a call session in the connecting state
func NewCallSession(businessID, callerNumber string, direction CallDirection) *CallSession {
	if direction == "" {
		direction = CallDirectionInbound
	}
	return &CallSession{
		ID:           uuid.New().String(),
		BusinessID:   businessID,
		CallerNumber: callerNumber,
		Direction:    direction,
		CreatedAt:    time.Now(),
		State:        CallStateConnecting,
	}
}

var validTransitions = map[CallState][]CallState{
	CallStateConnecting: {CallStateActive, CallStateDraining, CallStateClosed},
	CallStateActive:     {CallStateDraining, CallStateClosed},
	CallStateDraining:   {CallStateClosed},
}

// CanTransition reports whether moving from the current state to next is allowed
func (c *CallSession) CanTransition(next CallState) bool {
	for _, s := range validTransitions[c.State] {
		if s == next {
			return true
		}
	}
	return false
}

// Transition moves the session to next, rejecting illegal moves
func (c *CallSession) Transition(next CallState) error {
	if !c.CanTransition(next) {
		return errors.New("invalid call state transition from " + string(c.State) + " to " + string(next))
	}
	c.State = next
	return nil
}

// IsTerminal reports whether no further events should be processed
func (c *CallSession) IsTerminal() bool {
	return c.State == CallStateClosed
}

// Validate validates the call session data
func (c *CallSession) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	switch c.Direction {
	case CallDirectionInbound, CallDirectionOutbound:
	default:
		return errors.New("invalid call direction")
	}
	switch c.State {
	case CallStateConnecting, CallStateActive, CallStateDraining, CallStateClosed:
	default:
		return errors.New("invalid call state")
	}
	return nil
}
