package websocket

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/repositories"
)

// RoomCleanupService removes stored room states that have been idle too long
type RoomCleanupService struct {
	stateRepo repositories.RoomStateRepository
	clock     clock.Clock
	idleTTL   time.Duration
	interval  time.Duration
	logger    *zap.Logger
	stopChan  chan struct{}
}

// NewRoomCleanupService creates a new room cleanup service
func NewRoomCleanupService(stateRepo repositories.RoomStateRepository, c clock.Clock, idleTTL, interval time.Duration, logger *zap.Logger) *RoomCleanupService {
	if c == nil {
		c = clock.New()
	}
	return &RoomCleanupService{
		stateRepo: stateRepo,
		clock:     c,
		idleTTL:   idleTTL,
		interval:  interval,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *RoomCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Room cleanup service started",
		zap.Duration("idleTTL", s.idleTTL),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *RoomCleanupService) Stop() {
	close(s.stopChan)
	s.logger.Info("Room cleanup service stopped")
}

// cleanupLoop runs the cleanup process periodically
func (s *RoomCleanupService) cleanupLoop() {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunCleanup()
		}
	}
}

// RunCleanup deletes every room state not updated within the idle TTL
func (s *RoomCleanupService) RunCleanup() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.stateRepo.DeleteIdle(ctx, s.clock.Now().Add(-s.idleTTL))
	if err != nil {
		s.logger.Error("Failed to delete idle rooms", zap.Error(err))
		return 0
	}

	if removed > 0 {
		s.logger.Info("Idle rooms removed", zap.Int("count", removed))
	}
	return removed
}
