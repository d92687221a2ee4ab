package service

import (
	"context"
	"fmt"
	"time"

	"batchgate/internal/domain"
	"go.uber.org/zap"
)

const defaultMonitorScanInterval = 30 * time.Second

// ConflictMonitor periodically refreshes open sessions so the conflict book
// tracks batch edits made outside the resolution flow and new batches
// landing from upstream planning.
type ConflictMonitor struct {
	sessions *Sessions
	logger   *zap.Logger
	interval time.Duration
}

func NewConflictMonitor(sessions *Sessions, interval time.Duration, logger *zap.Logger) (*ConflictMonitor, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions manager is required")
	}
	if interval <= 0 {
		interval = defaultMonitorScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConflictMonitor{
		sessions: sessions,
		logger:   logger,
		interval: interval,
	}, nil
}

func (m *ConflictMonitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.scanAll(ctx)
		}
	}
}

func (m *ConflictMonitor) scanAll(ctx context.Context) {
	for _, coordinator := range m.sessions.Active() {
		if err := coordinator.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to refresh session",
				zap.String("targetDate", coordinator.TargetDate().Format(domain.DateLayout)),
				zap.Error(err),
			)
		}
	}
}
