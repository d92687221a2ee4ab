package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"batchgate/internal/domain"
	"go.uber.org/zap"
)

func TestConflictMonitorRefreshesOpenSessions(t *testing.T) {
	t.Parallel()

	var loads int32
	factory := func(targetDate time.Time) (*Coordinator, error) {
		batches := &fakeBatchRepo{
			listByDateFn: func(ctx context.Context, targetDate time.Time) ([]domain.ProductionBatch, error) {
				atomic.AddInt32(&loads, 1)
				return nil, nil
			},
		}
		return NewCoordinator(
			targetDate,
			batches,
			&fakeConflictRepo{},
			&fakeResolutionRepo{},
			&fakeReadiness{},
			&fakePublisher{},
			4,
			zap.NewNop(),
		)
	}

	sessions, err := NewSessions(factory, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	if _, err := sessions.For(context.Background(), testDate()); err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if _, err := sessions.For(context.Background(), testDate().AddDate(0, 0, 1)); err != nil {
		t.Fatalf("For() error = %v", err)
	}

	monitor, err := NewConflictMonitor(sessions, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConflictMonitor() error = %v", err)
	}

	before := atomic.LoadInt32(&loads)
	monitor.scanAll(context.Background())
	if got := atomic.LoadInt32(&loads) - before; got != 2 {
		t.Fatalf("scan reloaded %d sessions, want 2", got)
	}
}

func TestConflictMonitorStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	sessions, err := NewSessions(testFactory(nil, nil), zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	monitor, err := NewConflictMonitor(sessions, 5*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConflictMonitor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.Start(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestNewConflictMonitorRequiresSessions(t *testing.T) {
	t.Parallel()

	if _, err := NewConflictMonitor(nil, time.Minute, zap.NewNop()); err == nil {
		t.Fatal("NewConflictMonitor(nil) did not fail")
	}
}
