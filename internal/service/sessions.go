package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchgate/internal/domain"
	"go.uber.org/zap"
)

// CoordinatorFactory builds the coordinator for one production day. The
// sessions manager stays free of repository wiring this way.
type CoordinatorFactory func(targetDate time.Time) (*Coordinator, error)

// Sessions hands out one live Coordinator per production day. The first
// request for a day loads the session; later requests share it.
type Sessions struct {
	build  CoordinatorFactory
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*Coordinator
}

func NewSessions(build CoordinatorFactory, logger *zap.Logger) (*Sessions, error) {
	if build == nil {
		return nil, fmt.Errorf("coordinator factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sessions{
		build:  build,
		logger: logger,
		open:   make(map[string]*Coordinator),
	}, nil
}

// For returns the session for the given day, loading it on first use. A
// session that fails to load is not cached; the next request retries.
func (s *Sessions) For(ctx context.Context, targetDate time.Time) (*Coordinator, error) {
	key := domain.NormalizeDate(targetDate).Format(domain.DateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if coordinator, ok := s.open[key]; ok {
		return coordinator, nil
	}

	coordinator, err := s.build(targetDate)
	if err != nil {
		return nil, fmt.Errorf("failed to build session for %s: %w", key, err)
	}
	if err := coordinator.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", key, err)
	}

	s.open[key] = coordinator
	s.logger.Info("session opened", zap.String("targetDate", key))
	return coordinator, nil
}

// Open returns the session for the given day only if it is already loaded.
func (s *Sessions) Open(targetDate time.Time) (*Coordinator, bool) {
	key := domain.NormalizeDate(targetDate).Format(domain.DateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	coordinator, ok := s.open[key]
	return coordinator, ok
}

// Active lists the currently open sessions.
func (s *Sessions) Active() []*Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Coordinator, 0, len(s.open))
	for _, coordinator := range s.open {
		out = append(out, coordinator)
	}
	return out
}

// EvictBefore drops sessions for days before the cutoff and reports how
// many were closed. Past days accumulate otherwise; nothing reopens them
// but their snapshots keep memory alive.
func (s *Sessions) EvictBefore(cutoff time.Time) int {
	cutoff = domain.NormalizeDate(cutoff)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, coordinator := range s.open {
		if coordinator.TargetDate().Before(cutoff) {
			delete(s.open, key)
			evicted++
			s.logger.Info("session evicted", zap.String("targetDate", key))
		}
	}
	return evicted
}
