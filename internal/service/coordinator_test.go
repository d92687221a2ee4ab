package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"batchgate/internal/domain"
	"batchgate/internal/queue"
	"batchgate/internal/ratelimit"
	"go.uber.org/zap"
)

func testDate() time.Time {
	return time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
}

func pendingBatch(id, machineID string) domain.ProductionBatch {
	return domain.ProductionBatch{
		ID:         id,
		MachineID:  machineID,
		TargetDate: testDate(),
		Slots: []domain.ProductSlot{
			{ProductName: "widget-a", OccupiedStations: []string{"st-" + id}},
		},
		Status: domain.StatusPending,
	}
}

// conflictedBatch occupies the same station twice, which the detector flags
// as a station overlap.
func conflictedBatch(id, machineID string) domain.ProductionBatch {
	batch := pendingBatch(id, machineID)
	batch.Slots = []domain.ProductSlot{
		{ProductName: "widget-a", OccupiedStations: []string{"st-dup", "st-dup"}},
	}
	return batch
}

type coordinatorFixture struct {
	batches     *fakeBatchRepo
	conflicts   *fakeConflictRepo
	resolutions *fakeResolutionRepo
	readiness   *fakeReadiness
	publisher   *fakePublisher
	coordinator *Coordinator
}

func newTestCoordinator(t *testing.T, seed []domain.ProductionBatch) *coordinatorFixture {
	t.Helper()

	fixture := &coordinatorFixture{
		batches:     &fakeBatchRepo{seed: seed},
		conflicts:   &fakeConflictRepo{},
		resolutions: &fakeResolutionRepo{},
		readiness:   &fakeReadiness{},
		publisher:   &fakePublisher{},
	}

	coordinator, err := NewCoordinator(
		testDate(),
		fixture.batches,
		fixture.conflicts,
		fixture.resolutions,
		fixture.readiness,
		fixture.publisher,
		4,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	fixture.coordinator = coordinator
	fixture.publisher.reset()
	return fixture
}

func TestCoordinatorRefreshRegistersDetectedConflicts(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		pendingBatch("batch-1", "machine-1"),
		conflictedBatch("batch-2", "machine-2"),
	})

	active := fixture.coordinator.ConflictsForSelection(nil)
	if len(active) != 1 {
		t.Fatalf("active conflicts = %d, want 1", len(active))
	}
	if active[0].Category != domain.ConflictStationOverlap {
		t.Fatalf("category = %s, want STATION_OVERLAP", active[0].Category)
	}
	if active[0].Source != domain.SourceDetected {
		t.Fatalf("source = %s, want DETECTED", active[0].Source)
	}

	// The detected conflict is persisted, not just held in memory.
	if got := len(fixture.conflicts.stored()); got != 1 {
		t.Fatalf("persisted conflicts = %d, want 1", got)
	}
}

func TestCoordinatorRefreshIsStableAcrossReloads(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		conflictedBatch("batch-1", "machine-1"),
	})

	first := fixture.coordinator.ConflictsForSelection(nil)
	if len(first) != 1 {
		t.Fatalf("active conflicts = %d, want 1", len(first))
	}

	// A second refresh rehydrates the same fact instead of minting a new
	// record.
	if err := fixture.coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	second := fixture.coordinator.ConflictsForSelection(nil)
	if len(second) != 1 {
		t.Fatalf("active conflicts after reload = %d, want 1", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Fatalf("conflict id changed across reloads: %s vs %s", second[0].ID, first[0].ID)
	}
	if got := len(fixture.conflicts.stored()); got != 1 {
		t.Fatalf("persisted conflicts = %d, want 1", got)
	}
}

func TestCoordinatorScanRetiresCleanedMachines(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		conflictedBatch("batch-1", "machine-1"),
	})
	if fixture.coordinator.Summarize([]string{"batch-1"}).HasConflicts != true {
		t.Fatal("expected the seeded conflict to be active")
	}

	// The upstream planner fixed the batch; the next scan retires the
	// detected conflict.
	fixture.batches.setSeed([]domain.ProductionBatch{pendingBatch("batch-1", "machine-1")})
	if err := fixture.coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got := fixture.coordinator.ConflictsForSelection(nil); len(got) != 0 {
		t.Fatalf("active conflicts = %d, want 0 after clean re-scan", len(got))
	}
	stored := fixture.conflicts.stored()
	if len(stored) != 1 || stored[0].ResolvedAt == nil {
		t.Fatalf("persisted conflict not marked resolved: %+v", stored)
	}
}

func TestCoordinatorScanKeepsReportedConflicts(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		pendingBatch("batch-1", "machine-1"),
	})

	reported := domain.ConfigurationConflict{
		AffectedMachineIDs: []string{"machine-1"},
		Category:           domain.ConflictMachineDoubleBooking,
		Description:        "machine booked by two plans",
		Source:             domain.SourceReported,
		ReportedBy:         "plant-consistency",
	}
	if _, created, err := fixture.coordinator.RegisterConflict(context.Background(), reported); err != nil || !created {
		t.Fatalf("RegisterConflict() = created %v, err %v; want created", created, err)
	}

	// Clean scans must not clear what an external reporter asserted.
	if err := fixture.coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	active := fixture.coordinator.ConflictsForSelection(nil)
	if len(active) != 1 || active[0].Source != domain.SourceReported {
		t.Fatalf("active conflicts = %+v, want the reported conflict", active)
	}
}

func TestCoordinatorRegisterConflictDeduplicates(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		pendingBatch("batch-1", "machine-1"),
	})

	conflict := domain.ConfigurationConflict{
		AffectedMachineIDs: []string{"machine-1"},
		Category:           domain.ConflictMachineDoubleBooking,
		Source:             domain.SourceReported,
		ReportedBy:         "plant-consistency",
	}

	first, created, err := fixture.coordinator.RegisterConflict(context.Background(), conflict)
	if err != nil || !created {
		t.Fatalf("RegisterConflict() = created %v, err %v; want created", created, err)
	}
	second, created, err := fixture.coordinator.RegisterConflict(context.Background(), conflict)
	if err != nil {
		t.Fatalf("RegisterConflict() repeat error = %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate admission created a new record: created=%v, ids %s vs %s", created, second.ID, first.ID)
	}
	if got := len(fixture.conflicts.stored()); got != 1 {
		t.Fatalf("persisted conflicts = %d, want 1", got)
	}
}

func TestCoordinatorRegisterConflictPersistFailureLeavesBookClean(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		pendingBatch("batch-1", "machine-1"),
	})
	fixture.conflicts.createFn = func(ctx context.Context, c *domain.ConfigurationConflict) error {
		return errors.New("insert failed")
	}

	conflict := domain.ConfigurationConflict{
		AffectedMachineIDs: []string{"machine-1"},
		Category:           domain.ConflictMachineDoubleBooking,
		Source:             domain.SourceReported,
		ReportedBy:         "plant-consistency",
	}
	if _, _, err := fixture.coordinator.RegisterConflict(context.Background(), conflict); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("RegisterConflict() error = %v, want ErrPersistence", err)
	}
	if got := fixture.coordinator.ConflictsForSelection(nil); len(got) != 0 {
		t.Fatalf("book holds %d conflicts after failed persist, want 0", len(got))
	}

	// Once persistence recovers, the same admission succeeds.
	fixture.conflicts.createFn = nil
	if _, created, err := fixture.coordinator.RegisterConflict(context.Background(), conflict); err != nil || !created {
		t.Fatalf("RegisterConflict() retry = created %v, err %v; want created", created, err)
	}
}

func TestCoordinatorSummarize(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		pendingBatch("batch-1", "machine-1"),
		pendingBatch("batch-2", "machine-1"),
		conflictedBatch("batch-3", "machine-2"),
	})

	summary := fixture.coordinator.Summarize([]string{"batch-1", "batch-2"})
	if summary.BatchCount != 2 || summary.MachineCount != 1 {
		t.Fatalf("summary = %+v, want 2 batches on 1 machine", summary)
	}
	if summary.HasConflicts {
		t.Fatal("selection on machine-1 must not report machine-2's conflict")
	}
	if !summary.CanProcess {
		t.Fatal("pending selection should be processable")
	}

	summary = fixture.coordinator.Summarize([]string{"batch-3"})
	if !summary.HasConflicts {
		t.Fatal("selection of the conflicted batch must report conflicts")
	}
	if !summary.CanProcess {
		t.Fatal("conflicts inform but never block the processable flag")
	}
}

func TestCoordinatorCountBatchesUsesReadiness(t *testing.T) {
	t.Parallel()

	fixture := &coordinatorFixture{
		batches: &fakeBatchRepo{seed: []domain.ProductionBatch{
			pendingBatch("batch-1", "machine-1"),
			pendingBatch("batch-2", "machine-2"),
		}},
		conflicts:   &fakeConflictRepo{},
		resolutions: &fakeResolutionRepo{},
		readiness: &fakeReadiness{
			snapshotFn: func(ctx context.Context) (map[string]domain.MachineReadiness, error) {
				return map[string]domain.MachineReadiness{
					"machine-1": {MachineID: "machine-1", Status: domain.ReadinessReady},
					"machine-2": {MachineID: "machine-2", Status: domain.ReadinessMaintenance},
				}, nil
			},
		},
		publisher: &fakePublisher{},
	}

	coordinator, err := NewCoordinator(
		testDate(),
		fixture.batches,
		fixture.conflicts,
		fixture.resolutions,
		fixture.readiness,
		fixture.publisher,
		4,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got := coordinator.CountBatches(domain.FilterAll); got != 2 {
		t.Fatalf("CountBatches(all) = %d, want 2", got)
	}
	if got := coordinator.CountBatches(domain.FilterReady); got != 1 {
		t.Fatalf("CountBatches(ready) = %d, want 1", got)
	}
}

func TestCoordinatorRefreshToleratesReadinessFailure(t *testing.T) {
	t.Parallel()

	fixture := &coordinatorFixture{
		batches:     &fakeBatchRepo{seed: []domain.ProductionBatch{pendingBatch("batch-1", "machine-1")}},
		conflicts:   &fakeConflictRepo{},
		resolutions: &fakeResolutionRepo{},
		readiness: &fakeReadiness{
			snapshotFn: func(ctx context.Context) (map[string]domain.MachineReadiness, error) {
				return nil, errors.New("redis unavailable")
			},
		},
		publisher: &fakePublisher{},
	}

	coordinator, err := NewCoordinator(
		testDate(),
		fixture.batches,
		fixture.conflicts,
		fixture.resolutions,
		fixture.readiness,
		fixture.publisher,
		4,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v, readiness must stay advisory", err)
	}
}

func TestCoordinatorGetBatch(t *testing.T) {
	t.Parallel()

	fixture := newTestCoordinator(t, []domain.ProductionBatch{
		pendingBatch("batch-1", "machine-1"),
	})

	batch, err := fixture.coordinator.GetBatch("batch-1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if batch.ID != "batch-1" {
		t.Fatalf("batch id = %s, want batch-1", batch.ID)
	}

	// Mutating the returned copy must not leak into the session.
	batch.Slots[0].OccupiedStations[0] = "st-mutated"
	again, err := fixture.coordinator.GetBatch("batch-1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if again.Slots[0].OccupiedStations[0] == "st-mutated" {
		t.Fatal("GetBatch() leaked a mutable reference to session state")
	}

	if _, err := fixture.coordinator.GetBatch("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetBatch(missing) error = %v, want ErrNotFound", err)
	}
}

type fakeBatchRepo struct {
	mu   sync.Mutex
	seed []domain.ProductionBatch

	listByDateFn       func(ctx context.Context, targetDate time.Time) ([]domain.ProductionBatch, error)
	getByIDFn          func(ctx context.Context, id string) (*domain.ProductionBatch, error)
	approveIfPendingFn func(ctx context.Context, id string) error
	updateSlotsFn      func(ctx context.Context, id string, slots []domain.ProductSlot) error
}

func (f *fakeBatchRepo) setSeed(seed []domain.ProductionBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seed = seed
}

func (f *fakeBatchRepo) ListByDate(ctx context.Context, targetDate time.Time) ([]domain.ProductionBatch, error) {
	if f.listByDateFn != nil {
		return f.listByDateFn(ctx, targetDate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ProductionBatch, len(f.seed))
	for i := range f.seed {
		out[i] = f.seed[i].Clone()
	}
	return out, nil
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.ProductionBatch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.seed {
		if f.seed[i].ID == id {
			batch := f.seed[i].Clone()
			return &batch, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) ApproveIfPending(ctx context.Context, id string) error {
	if f.approveIfPendingFn != nil {
		return f.approveIfPendingFn(ctx, id)
	}
	return nil
}

func (f *fakeBatchRepo) UpdateSlots(ctx context.Context, id string, slots []domain.ProductSlot) error {
	if f.updateSlotsFn != nil {
		return f.updateSlotsFn(ctx, id, slots)
	}
	return nil
}

type fakeConflictRepo struct {
	mu        sync.Mutex
	conflicts []domain.ConfigurationConflict

	createFn       func(ctx context.Context, c *domain.ConfigurationConflict) error
	listActiveFn   func(ctx context.Context) ([]domain.ConfigurationConflict, error)
	markResolvedFn func(ctx context.Context, id string, at time.Time) error
}

func (f *fakeConflictRepo) stored() []domain.ConfigurationConflict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConfigurationConflict(nil), f.conflicts...)
}

func (f *fakeConflictRepo) Create(ctx context.Context, c *domain.ConfigurationConflict) error {
	if f.createFn != nil {
		return f.createFn(ctx, c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = append(f.conflicts, *c)
	return nil
}

func (f *fakeConflictRepo) ListActive(ctx context.Context) ([]domain.ConfigurationConflict, error) {
	if f.listActiveFn != nil {
		return f.listActiveFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []domain.ConfigurationConflict
	for i := range f.conflicts {
		if f.conflicts[i].Active() {
			active = append(active, f.conflicts[i])
		}
	}
	return active, nil
}

func (f *fakeConflictRepo) MarkResolved(ctx context.Context, id string, at time.Time) error {
	if f.markResolvedFn != nil {
		return f.markResolvedFn(ctx, id, at)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conflicts {
		if f.conflicts[i].ID == id && f.conflicts[i].ResolvedAt == nil {
			resolvedAt := at
			f.conflicts[i].ResolvedAt = &resolvedAt
		}
	}
	return nil
}

type fakeResolutionRepo struct {
	mu          sync.Mutex
	resolutions []domain.ConflictResolution

	createFn func(ctx context.Context, res *domain.ConflictResolution) error
}

func (f *fakeResolutionRepo) stored() []domain.ConflictResolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConflictResolution(nil), f.resolutions...)
}

func (f *fakeResolutionRepo) Create(ctx context.Context, res *domain.ConflictResolution) error {
	if f.createFn != nil {
		return f.createFn(ctx, res)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolutions = append(f.resolutions, *res)
	return nil
}

func (f *fakeResolutionRepo) GetByConflictID(ctx context.Context, conflictID string) ([]domain.ConflictResolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ConflictResolution
	for i := range f.resolutions {
		if f.resolutions[i].ConflictID == conflictID {
			out = append(out, f.resolutions[i])
		}
	}
	return out, nil
}

type fakeReadiness struct {
	snapshotFn func(ctx context.Context) (map[string]domain.MachineReadiness, error)
}

func (f *fakeReadiness) Snapshot(ctx context.Context) (map[string]domain.MachineReadiness, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(ctx)
	}
	return map[string]domain.MachineReadiness{}, nil
}

type publishedMessage struct {
	queueName string
	msg       queue.Message
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage

	publishFn func(ctx context.Context, queueName string, msg queue.Message) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.Message) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{queueName: queueName, msg: msg})
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
}

func (f *fakePublisher) messages(queueName string) []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []queue.Message
	for _, p := range f.published {
		if p.queueName == queueName {
			out = append(out, p.msg)
		}
	}
	return out
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, key string) (bool, error)
	waitFn  func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, key)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)
