package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the wire and persistence format for production days.
const DateLayout = "2006-01-02"

// NormalizeDate truncates a timestamp to its production day, UTC midnight.
func NormalizeDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a yyyy-mm-dd production day.
func ParseDate(s string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, want yyyy-mm-dd", ErrValidation, s)
	}
	return parsed, nil
}

// ApprovalStatus represents the lifecycle state of a production batch.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

func (s ApprovalStatus) String() string { return string(s) }

func (s ApprovalStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed. Both approval
// and rejection are terminal; nothing returns a batch to PENDING.
func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func ParseApprovalStatusFromString(s string) (ApprovalStatus, error) {
	st := ApprovalStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid approval status %q", ErrValidation, s)
	}
	return st, nil
}

// ProductSlot is one product's configuration within a batch: the stations it
// physically occupies on the machine and the color resources it consumes.
// Slots are immutable once submitted except through conflict resolution.
type ProductSlot struct {
	ProductName      string
	OccupiedStations []string
	PrimaryColorID   *string
	SecondaryColorID *string
}

func (s ProductSlot) clone() ProductSlot {
	out := ProductSlot{ProductName: s.ProductName}
	if len(s.OccupiedStations) > 0 {
		out.OccupiedStations = append([]string(nil), s.OccupiedStations...)
	}
	out.PrimaryColorID = cloneStringPtr(s.PrimaryColorID)
	out.SecondaryColorID = cloneStringPtr(s.SecondaryColorID)
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ProductionBatch is a production run assigned to one machine, composed of
// one or more product slots. TargetDate scopes the batch to one production
// day's coordination session.
type ProductionBatch struct {
	ID          string
	MachineID   string
	TargetDate  time.Time
	Slots       []ProductSlot
	Status      ApprovalStatus
	SubmittedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b *ProductionBatch) Validate() error {
	if strings.TrimSpace(b.MachineID) == "" {
		return fmt.Errorf("%w: machine id is required", ErrValidation)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: invalid approval status %q", ErrValidation, b.Status)
	}
	if len(b.Slots) == 0 {
		return fmt.Errorf("%w: batch must include at least one product slot", ErrValidation)
	}
	for i, slot := range b.Slots {
		if strings.TrimSpace(slot.ProductName) == "" {
			return fmt.Errorf("%w: slot %d: product name is required", ErrValidation, i)
		}
		if len(slot.OccupiedStations) == 0 {
			return fmt.Errorf("%w: slot %d: at least one station is required", ErrValidation, i)
		}
		for _, station := range slot.OccupiedStations {
			if strings.TrimSpace(station) == "" {
				return fmt.Errorf("%w: slot %d: station id must not be empty", ErrValidation, i)
			}
		}
	}
	return nil
}

// Clone returns a deep copy, safe to mutate without touching the original.
func (b ProductionBatch) Clone() ProductionBatch {
	out := b
	if len(b.Slots) > 0 {
		out.Slots = make([]ProductSlot, len(b.Slots))
		for i := range b.Slots {
			out.Slots[i] = b.Slots[i].clone()
		}
	}
	if b.SubmittedAt != nil {
		t := *b.SubmittedAt
		out.SubmittedAt = &t
	}
	return out
}

// SortBySubmission orders batches by submission time ascending. Batches with
// no submission timestamp sort as earliest; ties break on id so output is
// stable across calls.
func SortBySubmission(batches []ProductionBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i].SubmittedAt, batches[j].SubmittedAt
		switch {
		case a == nil && b == nil:
			return batches[i].ID < batches[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return batches[i].ID < batches[j].ID
		default:
			return a.Before(*b)
		}
	})
}
