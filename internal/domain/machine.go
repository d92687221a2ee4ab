package domain

import (
	"fmt"
	"strings"
	"time"
)

// ReadinessStatus describes whether a machine can take work. It carries
// display semantics only and is never an input to conflict detection.
type ReadinessStatus string

const (
	ReadinessReady       ReadinessStatus = "READY"
	ReadinessWarmup      ReadinessStatus = "WARMUP"
	ReadinessMaintenance ReadinessStatus = "MAINTENANCE"
	ReadinessOffline     ReadinessStatus = "OFFLINE"
)

func (s ReadinessStatus) String() string { return string(s) }

func (s ReadinessStatus) IsValid() bool {
	switch s {
	case ReadinessReady, ReadinessWarmup, ReadinessMaintenance, ReadinessOffline:
		return true
	}
	return false
}

func ParseReadinessStatusFromString(s string) (ReadinessStatus, error) {
	st := ReadinessStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid readiness status %q", ErrValidation, s)
	}
	return st, nil
}

// MachineReadiness is the last readiness snapshot reported for a machine by
// the shop-floor gateway. Read-only to this service.
type MachineReadiness struct {
	MachineID  string
	Status     ReadinessStatus
	ReportedAt time.Time
}
