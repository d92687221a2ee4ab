package domain

import (
	"fmt"
	"strings"
)

// BatchFilter names a view over the batch list for counting and selection.
type BatchFilter string

const (
	FilterAll       BatchFilter = "ALL"
	FilterReady     BatchFilter = "READY"
	FilterPending   BatchFilter = "PENDING"
	FilterApproved  BatchFilter = "APPROVED"
	FilterRejected  BatchFilter = "REJECTED"
	FilterConflicts BatchFilter = "CONFLICTS"
)

func (f BatchFilter) String() string { return string(f) }

func (f BatchFilter) IsValid() bool {
	switch f {
	case FilterAll, FilterReady, FilterPending, FilterApproved, FilterRejected, FilterConflicts:
		return true
	}
	return false
}

func ParseBatchFilterFromString(s string) (BatchFilter, error) {
	f := BatchFilter(strings.ToUpper(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", fmt.Errorf("%w: invalid batch filter %q", ErrValidation, s)
	}
	return f, nil
}

// SelectionSummary describes a user-chosen batch set for the operator
// console. CanProcess and HasConflicts vary independently: conflicts decide
// whether approval needs a forced override, not whether the selection is
// actionable at all.
type SelectionSummary struct {
	BatchCount   int
	MachineCount int
	HasConflicts bool
	CanProcess   bool
}

// ReadinessLookup reports whether a machine is ready to run. A nil lookup
// treats every machine as ready.
type ReadinessLookup func(machineID string) bool

// Summarize filters candidates down to the selected ids and aggregates them
// against the active conflict set. The selection can be processed when it is
// non-empty and every selected batch is still pending.
func Summarize(candidates []ProductionBatch, selectedIDs []string, active []ConfigurationConflict) SelectionSummary {
	selected := SelectBatches(candidates, selectedIDs)

	summary := SelectionSummary{BatchCount: len(selected)}
	machines := make(map[string]struct{}, len(selected))
	allPending := true
	for i := range selected {
		batch := &selected[i]
		machines[batch.MachineID] = struct{}{}
		if batch.Status != StatusPending {
			allPending = false
		}
		if !summary.HasConflicts && IsConflictAffected(*batch, active) {
			summary.HasConflicts = true
		}
	}
	summary.MachineCount = len(machines)
	summary.CanProcess = summary.BatchCount > 0 && allPending
	return summary
}

// SelectBatches filters candidates by id membership, preserving candidate
// order. Ids with no matching candidate are skipped; bulk operations surface
// them per batch instead.
func SelectBatches(candidates []ProductionBatch, ids []string) []ProductionBatch {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []ProductionBatch
	for i := range candidates {
		if _, ok := wanted[candidates[i].ID]; ok {
			out = append(out, candidates[i])
		}
	}
	return out
}

// ConflictsForSelection returns the active conflicts whose machine sets
// intersect the machines of the selected batches, in input order.
func ConflictsForSelection(candidates []ProductionBatch, selectedIDs []string, active []ConfigurationConflict) []ConfigurationConflict {
	selected := SelectBatches(candidates, selectedIDs)
	if len(selected) == 0 {
		return nil
	}
	machines := make(map[string]struct{}, len(selected))
	for i := range selected {
		machines[selected[i].MachineID] = struct{}{}
	}

	var out []ConfigurationConflict
	for _, conflict := range active {
		if !conflict.Active() {
			continue
		}
		for _, machineID := range conflict.AffectedMachineIDs {
			if _, ok := machines[machineID]; ok {
				out = append(out, conflict)
				break
			}
		}
	}
	return out
}

// MatchesFilter reports whether a batch belongs to the given view. All
// views share DetectBatchConflicts semantics so listings never drift from
// the summary. The ready view requires a pending batch on a ready machine;
// readiness never feeds conflict detection, only this view.
func MatchesFilter(batch ProductionBatch, filter BatchFilter, active []ConfigurationConflict, ready ReadinessLookup) bool {
	switch filter {
	case FilterAll:
		return true
	case FilterReady:
		return batch.Status == StatusPending && (ready == nil || ready(batch.MachineID))
	case FilterPending:
		return batch.Status == StatusPending
	case FilterApproved:
		return batch.Status == StatusApproved
	case FilterRejected:
		return batch.Status == StatusRejected
	case FilterConflicts:
		return IsConflictAffected(batch, active)
	}
	return false
}

// CountBatches counts candidates matching the filter; it backs the
// console's filter chips.
func CountBatches(candidates []ProductionBatch, filter BatchFilter, active []ConfigurationConflict, ready ReadinessLookup) int {
	count := 0
	for i := range candidates {
		if MatchesFilter(candidates[i], filter, active, ready) {
			count++
		}
	}
	return count
}
