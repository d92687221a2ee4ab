package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"batchgate/internal/domain"
	"batchgate/internal/observability"
	"batchgate/internal/provider"
	"batchgate/internal/queue"
	"batchgate/internal/ratelimit"
	"batchgate/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minDispatchConcurrency = 1

// DispatchWorker consumes approved batches from the dispatch queue and
// delivers their configuration to the shop-floor gateway. The broker is the
// retry mechanism: transient gateway failures requeue, permanent ones
// dead-letter.
type DispatchWorker struct {
	batches     repository.BatchRepository
	attempts    repository.AttemptRepository
	consumer    queue.Consumer
	publisher   queue.Publisher
	gateway     provider.Gateway
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
}

func NewDispatchWorker(
	batches repository.BatchRepository,
	attempts repository.AttemptRepository,
	consumer queue.Consumer,
	publisher queue.Publisher,
	gateway provider.Gateway,
	rateLimiter ratelimit.RateLimiter,
	concurrency int,
	logger *zap.Logger,
) (*DispatchWorker, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if concurrency < minDispatchConcurrency {
		concurrency = minDispatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchWorker{
		batches:     batches,
		attempts:    attempts,
		consumer:    consumer,
		publisher:   publisher,
		gateway:     gateway,
		rateLimiter: rateLimiter,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

func (w *DispatchWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start consumes the dispatch queue until context cancellation.
func (w *DispatchWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("dispatch worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.QueueMachineDispatch),
			)

			err := w.consumer.Consume(groupCtx, queue.QueueMachineDispatch, w.handleDispatch)
			if err != nil {
				w.logger.Error("dispatch worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("dispatch worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *DispatchWorker) handleDispatch(ctx context.Context, body []byte) error {
	var msg queue.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Warn("dropping malformed dispatch message", zap.Error(err))
		return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
	}
	if err := msg.Validate(); err != nil {
		w.logger.Warn("dropping invalid dispatch message", zap.Error(err))
		return fmt.Errorf("%w: %v", queue.ErrUnprocessable, err)
	}

	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx)

	batch, err := w.batches.GetByID(ctx, msg.BatchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("batch not found for dispatch, dead-lettering",
				zap.String("batchId", msg.BatchID),
			)
			return fmt.Errorf("%w: batch %s not found", queue.ErrUnprocessable, msg.BatchID)
		}
		return fmt.Errorf("failed to load batch for dispatch: %w", err)
	}

	// Stale work: the batch left APPROVED after the message was enqueued.
	if batch.Status != domain.StatusApproved {
		logger.Warn("skipping dispatch for non-approved batch",
			zap.String("batchId", batch.ID),
			zap.String("status", batch.Status.String()),
		)
		return nil
	}

	if w.rateLimiter != nil {
		key := fmt.Sprintf("gateway:%s", strings.ToLower(batch.MachineID))
		if err := w.rateLimiter.Wait(ctx, key); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	prior, err := w.attempts.GetByBatchID(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load prior dispatch attempts: %w", err)
	}
	attemptNumber := len(prior) + 1

	sendStart := w.now()
	response, sendErr := w.gateway.Dispatch(ctx, *batch, msg.Forced)
	w.metrics.ObserveDispatchDuration(w.now().Sub(sendStart))

	if err := w.recordAttempt(ctx, batch.ID, attemptNumber, response, sendErr); err != nil {
		return fmt.Errorf("failed to record dispatch attempt: %w", err)
	}

	if sendErr == nil {
		w.metrics.IncBatchDispatched("delivered")
		w.announceDispatched(ctx, batch, msg)
		return nil
	}

	if provider.IsTransient(sendErr) {
		w.metrics.IncBatchDispatched("requeued")
		return fmt.Errorf("transient gateway failure for batch %s: %w", batch.ID, sendErr)
	}

	w.metrics.IncBatchDispatched("rejected")
	logger.Error("gateway rejected batch configuration, dead-lettering",
		zap.String("batchId", batch.ID),
		zap.String("machineId", batch.MachineID),
		zap.Int("attempt", attemptNumber),
		zap.Error(sendErr),
	)
	return fmt.Errorf("%w: %v", queue.ErrUnprocessable, sendErr)
}

func (w *DispatchWorker) announceDispatched(ctx context.Context, batch *domain.ProductionBatch, msg queue.DispatchMessage) {
	if w.publisher == nil {
		return
	}

	event := queue.WorkflowEvent{
		EventID:       uuid.NewString(),
		Kind:          queue.EventBatchDispatched,
		TargetDate:    batch.TargetDate.Format(domain.DateLayout),
		BatchIDs:      []string{batch.ID},
		MachineIDs:    []string{batch.MachineID},
		Forced:        msg.Forced,
		OccurredAt:    w.now().UTC(),
		CorrelationID: msg.CorrelationID,
	}
	if err := w.publisher.Publish(ctx, queue.QueueWorkflowEvents, event); err != nil {
		w.logger.Error("failed to publish dispatch event",
			zap.String("batchId", batch.ID),
			zap.Error(err),
		)
	}
}

func (w *DispatchWorker) recordAttempt(
	ctx context.Context,
	batchID string,
	attemptNumber int,
	response *provider.GatewayResponse,
	sendErr error,
) error {
	var statusCode *int
	var responseBody *string
	var attemptErr *string

	if response != nil {
		if response.StatusCode > 0 {
			value := response.StatusCode
			statusCode = &value
		}
		if body := strings.TrimSpace(response.Body); body != "" {
			value := response.Body
			responseBody = &value
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value

		var gatewayErr *provider.GatewayError
		if errors.As(sendErr, &gatewayErr) && gatewayErr.StatusCode > 0 && statusCode == nil {
			value := gatewayErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.DispatchAttempt{
		ID:            uuid.NewString(),
		BatchID:       batchID,
		AttemptNumber: attemptNumber,
		StatusCode:    statusCode,
		ResponseBody:  responseBody,
		Error:         attemptErr,
		CreatedAt:     w.now().UTC(),
	}

	return w.attempts.Create(ctx, attempt)
}
