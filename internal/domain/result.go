package domain

// FailureReason classifies why one batch in a bulk approval did not flip.
type FailureReason string

const (
	ReasonNotFound    FailureReason = "NOT_FOUND"
	ReasonNotPending  FailureReason = "NOT_PENDING"
	ReasonBatchBusy   FailureReason = "BATCH_BUSY"
	ReasonPersistence FailureReason = "PERSISTENCE"
)

func (r FailureReason) String() string { return string(r) }

// BatchOutcome is the per-batch result inside a bulk approval. Exactly one
// of Approved or Reason is meaningful.
type BatchOutcome struct {
	BatchID  string
	Approved bool
	Reason   FailureReason
	Err      error
}

// BatchApprovalResult aggregates a whole bulk approval run. Outcomes keep
// the selection's order so operators can line results up with their picks.
type BatchApprovalResult struct {
	Outcomes []BatchOutcome
	Forced   bool
}

// IsFullySuccessful reports whether every selected batch was approved.
func (r BatchApprovalResult) IsFullySuccessful() bool {
	for i := range r.Outcomes {
		if !r.Outcomes[i].Approved {
			return false
		}
	}
	return true
}

func (r BatchApprovalResult) SuccessCount() int {
	n := 0
	for i := range r.Outcomes {
		if r.Outcomes[i].Approved {
			n++
		}
	}
	return n
}

func (r BatchApprovalResult) FailureCount() int {
	return len(r.Outcomes) - r.SuccessCount()
}

// ResolutionStatus is the per-resolution verdict of a resolution pass.
type ResolutionStatus string

const (
	// ResolutionApplied means the edits landed and re-detection came back
	// clean, so the conflict was retired.
	ResolutionApplied ResolutionStatus = "APPLIED"
	// ResolutionAlreadyResolved means the conflict was retired before this
	// pass touched it.
	ResolutionAlreadyResolved ResolutionStatus = "ALREADY_RESOLVED"
	// ResolutionStillConflicted means the edits landed but re-detection
	// still found contention, so the conflict stays active.
	ResolutionStillConflicted ResolutionStatus = "STILL_CONFLICTED"
	// ResolutionBatchBusy means another mutation held the batch.
	ResolutionBatchBusy ResolutionStatus = "BATCH_BUSY"
	// ResolutionFailed means the edits were invalid or persistence failed;
	// nothing changed.
	ResolutionFailed ResolutionStatus = "FAILED"
)

func (s ResolutionStatus) String() string { return string(s) }

// ResolutionOutcome is one resolution's result inside a resolution pass.
type ResolutionOutcome struct {
	ConflictID string
	BatchID    string
	Status     ResolutionStatus
	Err        error
}

// ApplyResult aggregates a resolution pass over several conflicts.
type ApplyResult struct {
	Outcomes []ResolutionOutcome
}

func (r ApplyResult) AppliedCount() int {
	n := 0
	for i := range r.Outcomes {
		if r.Outcomes[i].Status == ResolutionApplied {
			n++
		}
	}
	return n
}

func (r ApplyResult) AllApplied() bool {
	for i := range r.Outcomes {
		if r.Outcomes[i].Status != ResolutionApplied && r.Outcomes[i].Status != ResolutionAlreadyResolved {
			return false
		}
	}
	return true
}
