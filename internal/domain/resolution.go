package domain

import (
	"fmt"
	"strings"
	"time"
)

// RemediationKind names the edit a resolution applies to a batch.
type RemediationKind string

const (
	RemediationReassignStation RemediationKind = "REASSIGN_STATION"
	RemediationReassignColor   RemediationKind = "REASSIGN_COLOR"
)

func (k RemediationKind) String() string { return string(k) }

func (k RemediationKind) IsValid() bool {
	return k == RemediationReassignStation || k == RemediationReassignColor
}

// ColorRole selects which color assignment of a slot a remediation targets.
type ColorRole string

const (
	ColorRolePrimary   ColorRole = "PRIMARY"
	ColorRoleSecondary ColorRole = "SECONDARY"
)

func (r ColorRole) String() string { return string(r) }

func (r ColorRole) IsValid() bool {
	return r == ColorRolePrimary || r == ColorRoleSecondary
}

// Remediation is one concrete edit: move a slot off a contended station, or
// repoint a slot's color assignment. SlotIndex addresses the slot inside the
// batch being remediated.
type Remediation struct {
	Kind        RemediationKind
	SlotIndex   int
	FromStation string
	ToStation   string
	ColorRole   ColorRole
	ToColorID   *string
}

func (r *Remediation) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: invalid remediation kind %q", ErrValidation, r.Kind)
	}
	if r.SlotIndex < 0 {
		return fmt.Errorf("%w: slot index must not be negative", ErrValidation)
	}
	switch r.Kind {
	case RemediationReassignStation:
		if strings.TrimSpace(r.FromStation) == "" || strings.TrimSpace(r.ToStation) == "" {
			return fmt.Errorf("%w: station reassignment requires from and to stations", ErrValidation)
		}
	case RemediationReassignColor:
		if !r.ColorRole.IsValid() {
			return fmt.Errorf("%w: invalid color role %q", ErrValidation, r.ColorRole)
		}
	}
	return nil
}

// ConflictResolution pairs a registered conflict with the remediations an
// operator chose for one of its batches.
type ConflictResolution struct {
	ConflictID   string
	BatchID      string
	Remediations []Remediation
	ResolvedBy   string
	ResolvedAt   time.Time
}

func (r *ConflictResolution) Validate() error {
	if strings.TrimSpace(r.ConflictID) == "" {
		return fmt.Errorf("%w: conflict id must not be empty", ErrValidation)
	}
	if strings.TrimSpace(r.BatchID) == "" {
		return fmt.Errorf("%w: batch id must not be empty", ErrValidation)
	}
	if len(r.Remediations) == 0 {
		return fmt.Errorf("%w: resolution must carry at least one remediation", ErrValidation)
	}
	for i := range r.Remediations {
		if err := r.Remediations[i].Validate(); err != nil {
			return fmt.Errorf("remediation %d: %w", i, err)
		}
	}
	return nil
}

// ApplyRemediation returns a deep copy of the batch with one remediation
// applied. The input batch is never mutated. Reassigning a station that the
// target slot does not occupy is an error; the caller decides whether that
// fails the whole resolution.
func ApplyRemediation(batch ProductionBatch, rem Remediation) (ProductionBatch, error) {
	if err := rem.Validate(); err != nil {
		return ProductionBatch{}, err
	}
	if rem.SlotIndex >= len(batch.Slots) {
		return ProductionBatch{}, fmt.Errorf("%w: slot index %d out of range for batch %s",
			ErrValidation, rem.SlotIndex, batch.ID)
	}

	next := batch.Clone()
	slot := &next.Slots[rem.SlotIndex]

	switch rem.Kind {
	case RemediationReassignStation:
		replaced := false
		for i, station := range slot.OccupiedStations {
			if station == rem.FromStation {
				slot.OccupiedStations[i] = rem.ToStation
				replaced = true
				break
			}
		}
		if !replaced {
			return ProductionBatch{}, fmt.Errorf("%w: slot %d of batch %s does not occupy station %s",
				ErrValidation, rem.SlotIndex, batch.ID, rem.FromStation)
		}
	case RemediationReassignColor:
		switch rem.ColorRole {
		case ColorRolePrimary:
			slot.PrimaryColorID = cloneStringPtr(rem.ToColorID)
		case ColorRoleSecondary:
			slot.SecondaryColorID = cloneStringPtr(rem.ToColorID)
		}
	}

	return next, nil
}

// ApplyRemediations folds a full remediation list over a batch, returning
// the edited copy. Application stops at the first failing remediation.
func ApplyRemediations(batch ProductionBatch, rems []Remediation) (ProductionBatch, error) {
	next := batch
	for i, rem := range rems {
		edited, err := ApplyRemediation(next, rem)
		if err != nil {
			return ProductionBatch{}, fmt.Errorf("remediation %d: %w", i, err)
		}
		next = edited
	}
	return next, nil
}
