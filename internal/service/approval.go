package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"batchgate/internal/domain"
	"batchgate/internal/observability"
	"batchgate/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ApproveSelection approves the selected batches in bulk. Eligibility
// problems of individual batches (missing, not pending, already being
// worked on) become per-batch outcomes; the call itself fails only for an
// empty selection or, without force, for a selection touched by unresolved
// conflicts. Nothing is mutated when the whole call fails.
func (c *Coordinator) ApproveSelection(ctx context.Context, batchIDs []string, force bool) (*domain.BatchApprovalResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	requested := normalizeSelectionIDs(batchIDs)
	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: no batches selected", domain.ErrEmptySelection)
	}

	start := c.now()
	defer func() {
		c.metrics.ObserveApprovalDuration(c.now().Sub(start))
	}()

	outcomes := make(map[string]domain.BatchOutcome, len(requested))
	var eligible []domain.ProductionBatch

	c.mu.RLock()
	for _, id := range requested {
		batch, ok := c.snapshot[id]
		if !ok {
			outcomes[id] = domain.BatchOutcome{
				BatchID: id,
				Reason:  domain.ReasonNotFound,
				Err:     fmt.Errorf("%w: batch %s", domain.ErrNotFound, id),
			}
			continue
		}
		if batch.Status != domain.StatusPending {
			outcomes[id] = domain.BatchOutcome{
				BatchID: id,
				Reason:  domain.ReasonNotPending,
				Err:     fmt.Errorf("%w: batch %s is %s", domain.ErrNotPending, id, batch.Status),
			}
			continue
		}
		eligible = append(eligible, batch.Clone())
	}
	c.mu.RUnlock()

	// The conflict gate runs before any mutation: one affected eligible
	// batch blocks the whole selection unless the caller forces through.
	if !force {
		if blocked := conflictedBatchIDs(eligible, c.book.Active()); len(blocked) > 0 {
			return nil, fmt.Errorf("%w: batches %s are affected by active conflicts",
				domain.ErrUnresolvedConflicts, strings.Join(blocked, ", "))
		}
	}

	var (
		resultMu sync.Mutex
		approved []domain.ProductionBatch
	)
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range eligible {
		batch := eligible[i]
		g.Go(func() error {
			outcome := c.approveOne(groupCtx, batch, force)

			resultMu.Lock()
			outcomes[batch.ID] = outcome
			if outcome.Approved {
				approved = append(approved, batch)
			}
			resultMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &domain.BatchApprovalResult{
		Outcomes: make([]domain.BatchOutcome, 0, len(requested)),
		Forced:   force,
	}
	for _, id := range requested {
		result.Outcomes = append(result.Outcomes, outcomes[id])
	}

	if len(approved) > 0 {
		c.announceApproval(ctx, approved, force)
	}

	observability.WithContextLogger(c.logger, ctx).Info("selection approval finished",
		zap.String("targetDate", c.targetDate.Format(domain.DateLayout)),
		zap.Int("requested", len(requested)),
		zap.Int("approved", result.SuccessCount()),
		zap.Int("failed", result.FailureCount()),
		zap.Bool("forced", force),
	)
	return result, nil
}

// approveOne moves a single batch through the gate. The batch is taken in
// flight so nothing else mutates it concurrently, then approved with one
// conditional update. Losing either race is a reported failure, never a
// second attempt.
func (c *Coordinator) approveOne(ctx context.Context, batch domain.ProductionBatch, force bool) domain.BatchOutcome {
	if !c.inflight.tryAcquire(batch.ID) {
		c.metrics.IncApprovalFailure(domain.ReasonBatchBusy.String())
		return domain.BatchOutcome{
			BatchID: batch.ID,
			Reason:  domain.ReasonBatchBusy,
			Err:     fmt.Errorf("%w: batch %s", domain.ErrBatchBusy, batch.ID),
		}
	}
	defer c.inflight.release(batch.ID)

	c.metrics.IncApprovalInFlight()
	defer c.metrics.DecApprovalInFlight()

	if err := c.batches.ApproveIfPending(ctx, batch.ID); err != nil {
		if errors.Is(err, domain.ErrNotPending) {
			// Another actor moved the batch between the snapshot check and
			// the update; the next refresh trues the snapshot up.
			c.metrics.IncApprovalFailure(domain.ReasonNotPending.String())
			return domain.BatchOutcome{
				BatchID: batch.ID,
				Reason:  domain.ReasonNotPending,
				Err:     fmt.Errorf("%w: batch %s", domain.ErrNotPending, batch.ID),
			}
		}
		c.metrics.IncApprovalFailure(domain.ReasonPersistence.String())
		return domain.BatchOutcome{
			BatchID: batch.ID,
			Reason:  domain.ReasonPersistence,
			Err:     fmt.Errorf("%w: approve batch %s: %v", domain.ErrPersistence, batch.ID, err),
		}
	}

	c.setSnapshotStatus(batch.ID, domain.StatusApproved)
	c.metrics.IncBatchApproved(force)
	return domain.BatchOutcome{BatchID: batch.ID, Approved: true}
}

func (c *Coordinator) announceApproval(ctx context.Context, approved []domain.ProductionBatch, force bool) {
	approvedIDs := make([]string, 0, len(approved))
	machineIDs := make([]string, 0, len(approved))
	for i := range approved {
		approvedIDs = append(approvedIDs, approved[i].ID)
		machineIDs = append(machineIDs, approved[i].MachineID)
	}

	c.publishEvent(ctx, queue.WorkflowEvent{
		Kind:       queue.EventApprovalCompleted,
		BatchIDs:   approvedIDs,
		MachineIDs: machineIDs,
		Forced:     force,
	})

	if c.publisher == nil {
		return
	}
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	for _, id := range approvedIDs {
		msg := queue.DispatchMessage{
			BatchID:       id,
			CorrelationID: correlationID,
			Forced:        force,
		}
		if err := c.publisher.Publish(ctx, queue.QueueMachineDispatch, msg); err != nil {
			// The approval is already durable; dispatch now depends on a
			// session refresh or manual requeue.
			c.logger.Error("failed to enqueue approved batch for dispatch",
				zap.String("batchId", id),
				zap.Error(err),
			)
		}
	}
}

// conflictedBatchIDs returns the ids of batches blocked by the gate, either
// through their own findings or through an active conflict on their machine.
func conflictedBatchIDs(batches []domain.ProductionBatch, active []domain.ConfigurationConflict) []string {
	var blocked []string
	for i := range batches {
		if domain.IsConflictAffected(batches[i], active) {
			blocked = append(blocked, batches[i].ID)
		}
	}
	return blocked
}

// normalizeSelectionIDs trims the selection and drops blanks and repeats,
// preserving first-seen order.
func normalizeSelectionIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
