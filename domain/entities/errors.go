package entities

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a session failure for the propagation policy
type ErrorKind string

const (
	ErrorKindTransport     ErrorKind = "transport"
	ErrorKindCodec         ErrorKind = "codec"
	ErrorKindProtocol      ErrorKind = "protocol"
	ErrorKindTool          ErrorKind = "tool"
	ErrorKindConfiguration ErrorKind = "configuration"
)

// Retryable reports whether the kind may be recovered through reconnection
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransport
}

// SessionError is the coded error passed between bridge components
type SessionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError wraps err with a kind and operation name
func NewSessionError(kind ErrorKind, op string, err error) error {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or transport when unclassified
func KindOf(err error) ErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindTransport
}
