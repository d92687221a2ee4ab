package queue

import (
	"fmt"
	"strings"
	"time"

	"batchgate/internal/domain"
)

// DispatchMessage is the machine.dispatch payload: one approved batch to
// deliver to the shop-floor gateway.
type DispatchMessage struct {
	BatchID       string `json:"batchId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Forced        bool   `json:"forced,omitempty"`
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	return nil
}

func (m DispatchMessage) MessageID() string   { return m.BatchID }
func (m DispatchMessage) Correlation() string { return m.CorrelationID }

// Priority lets forced approvals jump routine dispatches in the queue.
func (m DispatchMessage) Priority() uint8 {
	if m.Forced {
		return 3
	}
	return 2
}

// ConflictReport is the conflict.reports payload: a conflict detected by an
// external consistency service (typically cross-batch machine
// double-booking). TargetDate names the production day the contention was
// observed for.
type ConflictReport struct {
	ReportID           string   `json:"reportId"`
	TargetDate         string   `json:"targetDate"`
	AffectedMachineIDs []string `json:"affectedMachineIds"`
	Category           string   `json:"category"`
	Description        string   `json:"description,omitempty"`
	ReportedBy         string   `json:"reportedBy"`
	CorrelationID      string   `json:"correlationId,omitempty"`
}

func (m ConflictReport) Validate() error {
	if strings.TrimSpace(m.ReportID) == "" {
		return fmt.Errorf("reportId is required")
	}
	if _, err := domain.ParseDate(m.TargetDate); err != nil {
		return fmt.Errorf("invalid targetDate %q", m.TargetDate)
	}
	if len(m.AffectedMachineIDs) == 0 {
		return fmt.Errorf("affectedMachineIds must not be empty")
	}
	if _, err := domain.ParseConflictCategoryFromString(m.Category); err != nil {
		return fmt.Errorf("invalid category %q", m.Category)
	}
	if strings.TrimSpace(m.ReportedBy) == "" {
		return fmt.Errorf("reportedBy is required")
	}
	return nil
}

func (m ConflictReport) MessageID() string   { return m.ReportID }
func (m ConflictReport) Correlation() string { return m.CorrelationID }

// EventKind classifies workflow events on the outbound feed.
type EventKind string

const (
	EventApprovalCompleted EventKind = "APPROVAL_COMPLETED"
	EventConflictDetected  EventKind = "CONFLICT_DETECTED"
	EventConflictResolved  EventKind = "CONFLICT_RESOLVED"
	EventBatchDispatched   EventKind = "BATCH_DISPATCHED"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventApprovalCompleted, EventConflictDetected, EventConflictResolved, EventBatchDispatched:
		return true
	}
	return false
}

// WorkflowEvent is the workflow.events payload. UI collaborators subscribe
// to this feed instead of observing coordinator state.
type WorkflowEvent struct {
	EventID       string    `json:"eventId"`
	Kind          EventKind `json:"kind"`
	TargetDate    string    `json:"targetDate,omitempty"`
	BatchIDs      []string  `json:"batchIds,omitempty"`
	ConflictID    string    `json:"conflictId,omitempty"`
	MachineIDs    []string  `json:"machineIds,omitempty"`
	Forced        bool      `json:"forced,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func (m WorkflowEvent) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("invalid event kind %q", m.Kind)
	}
	if m.OccurredAt.IsZero() {
		return fmt.Errorf("occurredAt is required")
	}
	return nil
}

func (m WorkflowEvent) MessageID() string   { return m.EventID }
func (m WorkflowEvent) Correlation() string { return m.CorrelationID }
