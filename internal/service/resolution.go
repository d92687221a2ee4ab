package service

import (
	"context"
	"fmt"

	"batchgate/internal/domain"
	"batchgate/internal/observability"
	"batchgate/internal/queue"
	"go.uber.org/zap"
)

// ApplyResolutions applies operator-chosen remediations. Each resolution is
// handled independently: a conflict retires only when re-detection of its
// machines comes back clean, so a half-effective remediation leaves the
// conflict active and the gate closed. Replaying an already applied
// resolution is a no-op success.
func (c *Coordinator) ApplyResolutions(ctx context.Context, resolutions []domain.ConflictResolution) (*domain.ApplyResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("%w: at least one resolution is required", domain.ErrValidation)
	}

	result := &domain.ApplyResult{Outcomes: make([]domain.ResolutionOutcome, 0, len(resolutions))}
	for i := range resolutions {
		outcome := c.applyOne(ctx, resolutions[i])
		result.Outcomes = append(result.Outcomes, outcome)
		c.metrics.IncResolutionOutcome(outcome.Status.String())

		if outcome.Err != nil {
			observability.WithContextLogger(c.logger, ctx).Warn("resolution not applied",
				zap.String("conflictId", outcome.ConflictID),
				zap.String("batchId", outcome.BatchID),
				zap.String("status", outcome.Status.String()),
				zap.Error(outcome.Err),
			)
		}
	}
	return result, nil
}

func (c *Coordinator) applyOne(ctx context.Context, resolution domain.ConflictResolution) domain.ResolutionOutcome {
	outcome := domain.ResolutionOutcome{
		ConflictID: resolution.ConflictID,
		BatchID:    resolution.BatchID,
	}

	if err := resolution.Validate(); err != nil {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = err
		return outcome
	}

	conflict, err := c.book.Get(resolution.ConflictID)
	if err != nil {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = err
		return outcome
	}
	if !conflict.Active() {
		outcome.Status = domain.ResolutionAlreadyResolved
		return outcome
	}

	if !c.inflight.tryAcquire(resolution.BatchID) {
		outcome.Status = domain.ResolutionBatchBusy
		outcome.Err = fmt.Errorf("%w: batch %s", domain.ErrBatchBusy, resolution.BatchID)
		return outcome
	}
	defer c.inflight.release(resolution.BatchID)

	c.mu.RLock()
	batch, ok := c.snapshot[resolution.BatchID]
	c.mu.RUnlock()
	if !ok {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = fmt.Errorf("%w: batch %s", domain.ErrNotFound, resolution.BatchID)
		return outcome
	}
	if batch.Status != domain.StatusPending {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = fmt.Errorf("%w: batch %s is %s", domain.ErrNotPending, batch.ID, batch.Status)
		return outcome
	}

	if err := c.checkCapacity(batch.MachineID, resolution.Remediations); err != nil {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = err
		return outcome
	}

	remediated, err := domain.ApplyRemediations(batch.Clone(), resolution.Remediations)
	if err != nil {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = err
		return outcome
	}

	// The slot edit persists whether or not it clears the conflict; the
	// operator's change is real either way.
	if err := c.batches.UpdateSlots(ctx, batch.ID, remediated.Slots); err != nil {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = fmt.Errorf("%w: update slots for batch %s: %v", domain.ErrPersistence, batch.ID, err)
		return outcome
	}
	c.setSnapshotSlots(batch.ID, remediated.Slots)

	if c.machinesStillConflicted(conflict.AffectedMachineIDs) {
		outcome.Status = domain.ResolutionStillConflicted
		return outcome
	}

	resolvedAt := c.now().UTC()
	if err := c.book.Resolve(conflict.ID, resolvedAt); err != nil {
		outcome.Status = domain.ResolutionFailed
		outcome.Err = err
		return outcome
	}
	if err := c.conflicts.MarkResolved(ctx, conflict.ID, resolvedAt); err != nil {
		c.logger.Error("failed to persist conflict resolution",
			zap.String("conflictId", conflict.ID),
			zap.Error(err),
		)
	}

	record := resolution
	record.ResolvedAt = resolvedAt
	if err := c.resolutions.Create(ctx, &record); err != nil {
		c.logger.Error("failed to persist resolution audit record",
			zap.String("conflictId", conflict.ID),
			zap.String("batchId", batch.ID),
			zap.Error(err),
		)
	}

	c.metrics.IncConflictResolved(conflict.Category.String())
	c.publishEvent(ctx, queue.WorkflowEvent{
		Kind:       queue.EventConflictResolved,
		ConflictID: conflict.ID,
		BatchIDs:   []string{batch.ID},
		MachineIDs: conflict.AffectedMachineIDs,
	})

	outcome.Status = domain.ResolutionApplied
	return outcome
}

// machinesStillConflicted re-runs detection over every snapshot batch on
// the given machines. The remediated batch alone being clean is not enough
// when the conflict spans a machine with other dirty batches.
func (c *Coordinator) machinesStillConflicted(machineIDs []string) bool {
	affected := make(map[string]bool, len(machineIDs))
	for _, id := range machineIDs {
		affected[id] = true
	}

	for _, batch := range c.candidateBatches() {
		if !affected[batch.MachineID] {
			continue
		}
		if domain.DetectBatchConflicts(batch).HasConflict() {
			return true
		}
	}
	return false
}

// checkCapacity rejects remediations that would move work onto a station
// or color the machine does not have.
func (c *Coordinator) checkCapacity(machineID string, remediations []domain.Remediation) error {
	if c.capacity == nil {
		return nil
	}

	for _, rem := range remediations {
		switch rem.Kind {
		case domain.RemediationReassignStation:
			if !c.capacity.HasStation(machineID, rem.ToStation) {
				return fmt.Errorf("%w: machine %s has no station %s", domain.ErrValidation, machineID, rem.ToStation)
			}
		case domain.RemediationReassignColor:
			if rem.ToColorID != nil && !c.capacity.HasColor(machineID, *rem.ToColorID) {
				return fmt.Errorf("%w: machine %s has no color %s", domain.ErrValidation, machineID, *rem.ToColorID)
			}
		}
	}
	return nil
}
