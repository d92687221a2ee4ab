package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchgate/internal/domain"
	"batchgate/internal/observability"
	"batchgate/internal/queue"
	"batchgate/internal/registry"
	"batchgate/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	minApprovalConcurrency     = 1
	defaultApprovalConcurrency = 8
)

// ReadinessSource provides the latest machine readiness snapshot.
type ReadinessSource interface {
	Snapshot(ctx context.Context) (map[string]domain.MachineReadiness, error)
}

// MachineCapacity answers whether a machine physically has a station or a
// feeder color. The plant catalog implements it; without one, remediations
// are taken at the operator's word.
type MachineCapacity interface {
	HasStation(machineID, station string) bool
	HasColor(machineID, colorID string) bool
}

// Coordinator owns the coordination session for one production day: the
// batch snapshot, the conflict book, and the approval gate. All reads and
// eligibility checks go through the session state; the database is touched
// only to load it and to persist decisions.
type Coordinator struct {
	targetDate time.Time

	batches     repository.BatchRepository
	conflicts   repository.ConflictRepository
	resolutions repository.ResolutionRepository
	book        *registry.Registry
	readiness   ReadinessSource
	publisher   queue.Publisher
	logger      *zap.Logger
	metrics     *observability.Metrics
	capacity    MachineCapacity

	concurrency int
	now         func() time.Time

	mu       sync.RWMutex
	snapshot map[string]domain.ProductionBatch
	order    []string
	ready    map[string]domain.MachineReadiness

	// admitMu serializes conflict admission so persist-then-register stays
	// free of duplicate rows.
	admitMu sync.Mutex

	inflight *inflightSet
}

func NewCoordinator(
	targetDate time.Time,
	batches repository.BatchRepository,
	conflicts repository.ConflictRepository,
	resolutions repository.ResolutionRepository,
	readiness ReadinessSource,
	publisher queue.Publisher,
	concurrency int,
	logger *zap.Logger,
) (*Coordinator, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if conflicts == nil {
		return nil, fmt.Errorf("conflict repository is required")
	}
	if resolutions == nil {
		return nil, fmt.Errorf("resolution repository is required")
	}
	if concurrency < minApprovalConcurrency {
		concurrency = defaultApprovalConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		targetDate:  domain.NormalizeDate(targetDate),
		batches:     batches,
		conflicts:   conflicts,
		resolutions: resolutions,
		book:        registry.New(),
		readiness:   readiness,
		publisher:   publisher,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
		snapshot:    make(map[string]domain.ProductionBatch),
		ready:       make(map[string]domain.MachineReadiness),
		inflight:    newInflightSet(),
	}, nil
}

func (c *Coordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *Coordinator) SetMachineCapacity(capacity MachineCapacity) {
	if c == nil {
		return
	}
	c.capacity = capacity
}

func (c *Coordinator) TargetDate() time.Time {
	return c.targetDate
}

// Refresh reloads the session from its sources: the day's batches, the
// active conflict records, and the machine readiness snapshot. A failed
// readiness fetch keeps the previous snapshot; readiness is advisory and
// must not take the session down with it.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loaded, err := c.batches.ListByDate(ctx, c.targetDate)
	if err != nil {
		return fmt.Errorf("failed to load batches for %s: %w", c.targetDate.Format(domain.DateLayout), err)
	}
	domain.SortBySubmission(loaded)

	active, err := c.conflicts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active conflicts: %w", err)
	}

	ready := c.fetchReadiness(ctx)

	c.mu.Lock()
	c.snapshot = make(map[string]domain.ProductionBatch, len(loaded))
	c.order = make([]string, 0, len(loaded))
	for i := range loaded {
		c.snapshot[loaded[i].ID] = loaded[i]
		c.order = append(c.order, loaded[i].ID)
	}
	if ready != nil {
		c.ready = ready
	}
	c.mu.Unlock()

	c.book.Replace(active)

	if _, _, err := c.ScanConflicts(ctx); err != nil {
		return err
	}

	c.logger.Info("session refreshed",
		zap.String("targetDate", c.targetDate.Format(domain.DateLayout)),
		zap.Int("batches", len(loaded)),
		zap.Int("activeConflicts", c.book.ActiveCount()),
	)
	return nil
}

func (c *Coordinator) fetchReadiness(ctx context.Context) map[string]domain.MachineReadiness {
	if c.readiness == nil {
		return nil
	}
	ready, err := c.readiness.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch machine readiness, keeping previous snapshot", zap.Error(err))
		return nil
	}
	return ready
}

// ScanConflicts re-runs detection over the session's batches. New findings
// are admitted into the conflict book; detector-sourced conflicts whose
// machines come back clean are retired. Reported conflicts are never
// retired by a scan.
func (c *Coordinator) ScanConflicts(ctx context.Context) (registered int, retired int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	batches := c.candidateBatches()
	scanTime := c.now().UTC()

	dirty := make(map[string]bool)
	machines := make(map[string]bool, len(batches))
	for i := range batches {
		machines[batches[i].MachineID] = true

		findings := domain.DetectBatchConflicts(batches[i])
		if !findings.HasConflict() {
			continue
		}
		dirty[batches[i].MachineID] = true

		for _, conflict := range domain.FindingsConflicts(batches[i], findings, scanTime) {
			_, created, admitErr := c.RegisterConflict(ctx, conflict)
			if admitErr != nil {
				return registered, retired, admitErr
			}
			if created {
				registered++
			}
		}
	}

	// Detected conflicts may reference machines whose batches have since
	// left the snapshot; those retire too.
	for _, conflict := range c.book.Active() {
		if conflict.Source != domain.SourceDetected {
			continue
		}
		for _, machineID := range conflict.AffectedMachineIDs {
			machines[machineID] = true
		}
	}

	for machineID := range machines {
		if dirty[machineID] {
			continue
		}
		retired += c.retireDetected(ctx, machineID, scanTime)
	}

	return registered, retired, nil
}

func (c *Coordinator) retireDetected(ctx context.Context, machineID string, at time.Time) int {
	retiredIDs := c.book.RetireDetected(machineID, at)
	for _, id := range retiredIDs {
		if err := c.conflicts.MarkResolved(ctx, id, at); err != nil {
			c.logger.Error("failed to persist conflict retirement",
				zap.String("conflictId", id),
				zap.Error(err),
			)
		}
		c.publishEvent(ctx, queue.WorkflowEvent{
			Kind:       queue.EventConflictResolved,
			ConflictID: id,
			MachineIDs: []string{machineID},
		})
		if conflict, err := c.book.Get(id); err == nil {
			c.metrics.IncConflictResolved(conflict.Category.String())
		}
	}
	return len(retiredIDs)
}

// RegisterConflict admits a conflict into the session book, persisting and
// announcing it when it records a new fact. Admitting a duplicate of an
// active conflict returns the existing record.
func (c *Coordinator) RegisterConflict(ctx context.Context, conflict domain.ConfigurationConflict) (domain.ConfigurationConflict, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := conflict.Validate(); err != nil {
		return domain.ConfigurationConflict{}, false, err
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if existing, ok := c.book.FindActive(conflict); ok {
		return existing, false, nil
	}

	if conflict.ID == "" {
		conflict.ID = uuid.NewString()
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = c.now().UTC()
	}

	// Persist first: a failed write leaves the book untouched so the
	// caller can retry without duplicating records.
	if err := c.conflicts.Create(ctx, &conflict); err != nil {
		return domain.ConfigurationConflict{}, false, fmt.Errorf("%w: persist conflict: %v", domain.ErrPersistence, err)
	}

	registered, _, err := c.book.Register(conflict)
	if err != nil {
		return domain.ConfigurationConflict{}, false, err
	}

	c.metrics.IncConflictDetected(registered.Category.String())
	c.publishEvent(ctx, queue.WorkflowEvent{
		Kind:       queue.EventConflictDetected,
		ConflictID: registered.ID,
		MachineIDs: registered.AffectedMachineIDs,
	})
	c.logger.Info("conflict registered",
		zap.String("conflictId", registered.ID),
		zap.String("category", registered.Category.String()),
		zap.Strings("machineIds", registered.AffectedMachineIDs),
		zap.String("source", registered.Source.String()),
	)
	return registered, true, nil
}

// Summarize describes the current selection: how many batches and machines
// it spans, whether conflicts touch it, and whether it can be processed.
func (c *Coordinator) Summarize(selectedIDs []string) domain.SelectionSummary {
	return domain.Summarize(c.candidateBatches(), selectedIDs, c.book.Active())
}

// ConflictsForSelection lists the active conflicts affecting the selected
// batches' machines. An empty selection means the whole session.
func (c *Coordinator) ConflictsForSelection(selectedIDs []string) []domain.ConfigurationConflict {
	if len(selectedIDs) == 0 {
		return c.book.Active()
	}
	return domain.ConflictsForSelection(c.candidateBatches(), selectedIDs, c.book.Active())
}

// CountBatches counts the session's batches under the given view filter.
func (c *Coordinator) CountBatches(filter domain.BatchFilter) int {
	return domain.CountBatches(c.candidateBatches(), filter, c.book.Active(), c.readyLookup())
}

// ListBatches returns the session's batches under the given view filter, in
// submission order.
func (c *Coordinator) ListBatches(filter domain.BatchFilter) []domain.ProductionBatch {
	candidates := c.candidateBatches()
	active := c.book.Active()
	ready := c.readyLookup()

	var out []domain.ProductionBatch
	for i := range candidates {
		if !domain.MatchesFilter(candidates[i], filter, active, ready) {
			continue
		}
		out = append(out, candidates[i].Clone())
	}
	return out
}

// GetBatch returns one batch from the session snapshot.
func (c *Coordinator) GetBatch(id string) (domain.ProductionBatch, error) {
	c.mu.RLock()
	batch, ok := c.snapshot[id]
	c.mu.RUnlock()

	if !ok {
		return domain.ProductionBatch{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return batch.Clone(), nil
}

// MachineReadiness returns the last readiness snapshot the session fetched.
func (c *Coordinator) MachineReadiness() []domain.MachineReadiness {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.MachineReadiness, 0, len(c.ready))
	for _, r := range c.ready {
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) candidateBatches() []domain.ProductionBatch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.ProductionBatch, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.snapshot[id])
	}
	return out
}

func (c *Coordinator) readyLookup() domain.ReadinessLookup {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	return func(machineID string) bool {
		r, ok := ready[machineID]
		return ok && r.Status == domain.ReadinessReady
	}
}

func (c *Coordinator) setSnapshotStatus(id string, status domain.ApprovalStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.snapshot[id]
	if !ok {
		return
	}
	batch.Status = status
	batch.UpdatedAt = c.now().UTC()
	c.snapshot[id] = batch
}

func (c *Coordinator) setSnapshotSlots(id string, slots []domain.ProductSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.snapshot[id]
	if !ok {
		return
	}
	batch.Slots = slots
	batch.UpdatedAt = c.now().UTC()
	c.snapshot[id] = batch
}

func (c *Coordinator) publishEvent(ctx context.Context, event queue.WorkflowEvent) {
	if c.publisher == nil {
		return
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.TargetDate == "" {
		event.TargetDate = c.targetDate.Format(domain.DateLayout)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.now().UTC()
	}
	if event.CorrelationID == "" {
		if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
			event.CorrelationID = correlationID
		}
	}

	if err := c.publisher.Publish(ctx, queue.QueueWorkflowEvents, event); err != nil {
		c.logger.Error("failed to publish workflow event",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

// inflightSet tracks batch ids currently being mutated. Acquisition never
// blocks: a held id reports busy to the caller instead of queueing work.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (s *inflightSet) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.ids[id]; held {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
