// Package registry keeps the in-memory book of configuration conflicts for
// one coordination session. It is the single source of truth the approval
// gate consults; persistence mirrors it but never feeds the gate directly.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"batchgate/internal/domain"
	"github.com/google/uuid"
)

// Registry is a concurrency-safe conflict book. Conflicts enter through the
// detector or through external reports and stay active until explicitly
// retired.
type Registry struct {
	mu        sync.RWMutex
	conflicts map[string]domain.ConfigurationConflict
	order     []string

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		conflicts: make(map[string]domain.ConfigurationConflict),
		now:       time.Now,
	}
}

// Register adds a conflict, assigning id and creation time when missing,
// and reports whether a new record was created. An active conflict with the
// same category and machine set is treated as the same fact: the existing
// record is returned instead of a duplicate.
func (r *Registry) Register(conflict domain.ConfigurationConflict) (domain.ConfigurationConflict, bool, error) {
	if err := conflict.Validate(); err != nil {
		return domain.ConfigurationConflict{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.findActiveLocked(conflict); ok {
		return existing, false, nil
	}

	if conflict.ID == "" {
		conflict.ID = uuid.NewString()
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = r.now()
	}

	if _, exists := r.conflicts[conflict.ID]; !exists {
		r.order = append(r.order, conflict.ID)
	}
	r.conflicts[conflict.ID] = conflict
	return conflict, true, nil
}

// FindActive returns the active conflict recording the same fact, if any.
func (r *Registry) FindActive(conflict domain.ConfigurationConflict) (domain.ConfigurationConflict, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findActiveLocked(conflict)
}

func (r *Registry) findActiveLocked(conflict domain.ConfigurationConflict) (domain.ConfigurationConflict, bool) {
	for _, id := range r.order {
		existing := r.conflicts[id]
		if !existing.Active() || existing.Category != conflict.Category {
			continue
		}
		if sameMachineSet(existing.AffectedMachineIDs, conflict.AffectedMachineIDs) {
			return existing, true
		}
	}
	return domain.ConfigurationConflict{}, false
}

func sameMachineSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Get returns the conflict with the given id.
func (r *Registry) Get(id string) (domain.ConfigurationConflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conflict, ok := r.conflicts[id]
	if !ok {
		return domain.ConfigurationConflict{}, fmt.Errorf("%w: conflict %s", domain.ErrNotFound, id)
	}
	return conflict, nil
}

// Active lists active conflicts in registration order.
func (r *Registry) Active() []domain.ConfigurationConflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ConfigurationConflict
	for _, id := range r.order {
		if conflict := r.conflicts[id]; conflict.Active() {
			out = append(out, conflict)
		}
	}
	return out
}

// ActiveForMachine lists active conflicts covering the given machine.
func (r *Registry) ActiveForMachine(machineID string) []domain.ConfigurationConflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ConfigurationConflict
	for _, id := range r.order {
		conflict := r.conflicts[id]
		if conflict.Active() && conflict.Affects(machineID) {
			out = append(out, conflict)
		}
	}
	return out
}

// Resolve marks a conflict resolved at the given time. Resolving an already
// resolved conflict is a no-op so retries stay safe.
func (r *Registry) Resolve(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict, ok := r.conflicts[id]
	if !ok {
		return fmt.Errorf("%w: conflict %s", domain.ErrNotFound, id)
	}
	if !conflict.Active() {
		return nil
	}
	conflict.ResolvedAt = &at
	r.conflicts[id] = conflict
	return nil
}

// RetireDetected retires every active detector-sourced conflict covering the
// machine and returns the retired ids. Called after a re-scan of the
// machine's batches comes back clean; reported conflicts stay untouched
// because only their reporter knows whether the external contention cleared.
func (r *Registry) RetireDetected(machineID string, at time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var retired []string
	for _, id := range r.order {
		conflict := r.conflicts[id]
		if !conflict.Active() || conflict.Source != domain.SourceDetected || !conflict.Affects(machineID) {
			continue
		}
		conflict.ResolvedAt = &at
		r.conflicts[id] = conflict
		retired = append(retired, id)
	}
	return retired
}

// Replace resets the book to the given records, preserving their order.
// Used when a session rehydrates from persistence.
func (r *Registry) Replace(conflicts []domain.ConfigurationConflict) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conflicts = make(map[string]domain.ConfigurationConflict, len(conflicts))
	r.order = r.order[:0]
	for _, conflict := range conflicts {
		if conflict.ID == "" {
			continue
		}
		if _, exists := r.conflicts[conflict.ID]; !exists {
			r.order = append(r.order, conflict.ID)
		}
		r.conflicts[conflict.ID] = conflict
	}
}

// ActiveCount returns the number of active conflicts.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conflict := range r.conflicts {
		if conflict.Active() {
			n++
		}
	}
	return n
}
