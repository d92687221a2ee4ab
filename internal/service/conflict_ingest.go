package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"batchgate/internal/domain"
	"batchgate/internal/queue"
	"go.uber.org/zap"
)

// ConflictIngest consumes externally reported conflicts and admits them
// into the session for the reported production day. Reported conflicts
// outlive detector re-scans; only an explicit resolution retires them.
type ConflictIngest struct {
	sessions *Sessions
	consumer queue.Consumer
	logger   *zap.Logger
}

func NewConflictIngest(sessions *Sessions, consumer queue.Consumer, logger *zap.Logger) (*ConflictIngest, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions manager is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConflictIngest{
		sessions: sessions,
		consumer: consumer,
		logger:   logger,
	}, nil
}

// Start consumes the conflict report queue until context cancellation.
func (i *ConflictIngest) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return i.consumer.Consume(ctx, queue.QueueConflictReports, i.handleReport)
}

func (i *ConflictIngest) handleReport(ctx context.Context, body []byte) error {
	var report queue.ConflictReport
	if err := json.Unmarshal(body, &report); err != nil {
		i.logger.Warn("dropping malformed conflict report", zap.Error(err))
		return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
	}
	if err := report.Validate(); err != nil {
		i.logger.Warn("dropping invalid conflict report",
			zap.String("reportId", report.ReportID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
	}

	targetDate, err := domain.ParseDate(report.TargetDate)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
	}
	category, err := domain.ParseConflictCategoryFromString(report.Category)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
	}

	coordinator, err := i.sessions.For(ctx, targetDate)
	if err != nil {
		// The session load hit persistence; redelivery retries the report.
		return fmt.Errorf("failed to open session for conflict report: %w", err)
	}

	conflict := domain.ConfigurationConflict{
		AffectedMachineIDs: report.AffectedMachineIDs,
		Category:           category,
		Description:        report.Description,
		Source:             domain.SourceReported,
		ReportedBy:         report.ReportedBy,
	}

	registered, created, err := coordinator.RegisterConflict(ctx, conflict)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
		}
		return fmt.Errorf("failed to admit reported conflict: %w", err)
	}

	if !created {
		i.logger.Info("conflict report matched an active conflict",
			zap.String("reportId", report.ReportID),
			zap.String("conflictId", registered.ID),
		)
	}
	return nil
}
