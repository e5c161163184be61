package bridge

import (
	"time"

	"go.uber.org/zap"
)

// Sweeper ends calls that outlive the maximum call duration
type Sweeper struct {
	hub         *Hub
	maxDuration time.Duration
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	now         func() time.Time
}

// NewSweeper creates a new sweeper
func NewSweeper(hub *Hub, maxDuration, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		hub:         hub,
		maxDuration: maxDuration,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Start begins the background sweep
func (s *Sweeper) Start() {
	go s.sweepLoop()
	s.logger.Info("Session sweeper started", zap.Duration("maxCallDuration", s.maxDuration))
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.logger.Info("Session sweeper stopped")
}

func (s *Sweeper) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep stops every session older than the maximum call duration and returns how many
func (s *Sweeper) Sweep() int {
	if s.maxDuration <= 0 {
		return 0
	}
	stopped := 0
	now := s.now()
	for _, info := range s.hub.Sessions() {
		if now.Sub(info.CreatedAt) < s.maxDuration {
			continue
		}
		if err := s.hub.Stop(info.ID); err != nil {
			continue
		}
		stopped++
		s.logger.Warn("Ending call past maximum duration",
			zap.String("sessionID", info.ID),
			zap.Duration("age", now.Sub(info.CreatedAt)))
	}
	return stopped
}
