package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// ErrSessionNotFound is returned for an unknown session id
var ErrSessionNotFound = errors.New("session not found")

// Hub maintains the set of active call sessions
type Hub struct {
	// Registered sessions by session id.
	sessions map[string]*Session

	// Register requests from the sessions.
	register chan *Session

	// Unregister requests from sessions.
	unregister chan *Session

	// Mutex for thread-safe access to sessions map
	mu sync.RWMutex

	done   chan struct{}
	logger *zap.Logger
}

// NewHub creates a new session hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and stops every session when ctx ends
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case s := <-h.register:
			info := s.Info()
			h.mu.Lock()
			h.sessions[info.ID] = s
			count := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("Session registered",
				zap.String("sessionID", info.ID),
				zap.Int("activeSessions", count))

		case s := <-h.unregister:
			info := s.Info()
			h.mu.Lock()
			if current, ok := h.sessions[info.ID]; ok && current == s {
				delete(h.sessions, info.ID)
			}
			count := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("Session unregistered",
				zap.String("sessionID", info.ID),
				zap.Int("activeSessions", count))

		case <-ctx.Done():
			h.mu.RLock()
			for _, s := range h.sessions {
				s.Stop()
			}
			h.mu.RUnlock()
			return
		}
	}
}

// Register adds a session; it is a no-op once the hub stopped
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.done:
	}
}

// Unregister removes a session; it is a no-op once the hub stopped
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Sessions returns snapshots of active sessions, oldest first
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Lookup returns the active session with the given id
func (h *Hub) Lookup(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// UpdateConfig applies a mid-call configuration change to one session
func (h *Hub) UpdateConfig(ctx context.Context, id string, cfg entities.SessionConfig) error {
	s, ok := h.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.UpdateConfig(ctx, cfg)
}

// SendText injects an operator text turn into one session
func (h *Hub) SendText(ctx context.Context, id, text string) error {
	s, ok := h.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.SendText(ctx, text)
}

// Stop ends one session
func (h *Hub) Stop(id string) error {
	s, ok := h.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.Stop()
	return nil
}
