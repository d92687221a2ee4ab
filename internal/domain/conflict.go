package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConflictCategory classifies a configuration conflict.
type ConflictCategory string

const (
	// ConflictStationOverlap marks a station claimed by more than one slot
	// of the same batch.
	ConflictStationOverlap ConflictCategory = "STATION_OVERLAP"
	// ConflictColorReuse marks a color id used more than once within a
	// batch. One dye resource serves at most one slot per run.
	ConflictColorReuse ConflictCategory = "COLOR_REUSE"
	// ConflictMachineDoubleBooking marks cross-batch contention reported by
	// the plant consistency service.
	ConflictMachineDoubleBooking ConflictCategory = "MACHINE_DOUBLE_BOOKING"
)

func (c ConflictCategory) String() string { return string(c) }

func (c ConflictCategory) IsValid() bool {
	switch c {
	case ConflictStationOverlap, ConflictColorReuse, ConflictMachineDoubleBooking:
		return true
	}
	return false
}

func ParseConflictCategoryFromString(s string) (ConflictCategory, error) {
	cat := ConflictCategory(strings.ToUpper(strings.TrimSpace(s)))
	if !cat.IsValid() {
		return "", fmt.Errorf("%w: invalid conflict category %q", ErrValidation, s)
	}
	return cat, nil
}

// ConflictSource records where a conflict record entered the system.
type ConflictSource string

const (
	SourceDetected ConflictSource = "DETECTED"
	SourceReported ConflictSource = "REPORTED"
)

func (s ConflictSource) String() string { return string(s) }

func (s ConflictSource) IsValid() bool {
	return s == SourceDetected || s == SourceReported
}

// ConfigurationConflict is a contention over shared machine resources that
// must be resolved (or explicitly overridden) before approval.
type ConfigurationConflict struct {
	ID                 string
	AffectedMachineIDs []string
	Category           ConflictCategory
	Description        string
	Source             ConflictSource
	ReportedBy         string
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

// Active reports whether the conflict still gates approval.
func (c ConfigurationConflict) Active() bool { return c.ResolvedAt == nil }

// Affects reports whether the conflict covers the given machine.
func (c ConfigurationConflict) Affects(machineID string) bool {
	for _, id := range c.AffectedMachineIDs {
		if id == machineID {
			return true
		}
	}
	return false
}

func (c *ConfigurationConflict) Validate() error {
	if len(c.AffectedMachineIDs) == 0 {
		return fmt.Errorf("%w: conflict must name at least one machine", ErrValidation)
	}
	for _, id := range c.AffectedMachineIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: affected machine id must not be empty", ErrValidation)
		}
	}
	if !c.Category.IsValid() {
		return fmt.Errorf("%w: invalid conflict category %q", ErrValidation, c.Category)
	}
	if !c.Source.IsValid() {
		return fmt.Errorf("%w: invalid conflict source %q", ErrValidation, c.Source)
	}
	return nil
}

// ConflictFindings is the outcome of scanning one batch for internal
// resource contention.
type ConflictFindings struct {
	StationConflict   bool
	ColorConflict     bool
	DuplicateStations []string
	DuplicateColors   []string
}

// HasConflict reports whether any contention was found. Every match is a
// hard conflict; the detector does not grade severity.
func (f ConflictFindings) HasConflict() bool {
	return f.StationConflict || f.ColorConflict
}

// DetectBatchConflicts scans a batch's product slots for station and color
// contention. Stations form a multiset across all slots: a station claimed
// twice flags a station conflict. Color ids (primary or secondary) may be
// used at most once across the whole batch. Identical batches always yield
// identical findings regardless of slot order.
func DetectBatchConflicts(batch ProductionBatch) ConflictFindings {
	stationUse := make(map[string]int)
	colorUse := make(map[string]int)

	for _, slot := range batch.Slots {
		for _, station := range slot.OccupiedStations {
			if station == "" {
				continue
			}
			stationUse[station]++
		}
		for _, colorID := range []*string{slot.PrimaryColorID, slot.SecondaryColorID} {
			if colorID == nil || *colorID == "" {
				continue
			}
			colorUse[*colorID]++
		}
	}

	var findings ConflictFindings
	for station, uses := range stationUse {
		if uses > 1 {
			findings.StationConflict = true
			findings.DuplicateStations = append(findings.DuplicateStations, station)
		}
	}
	for colorID, uses := range colorUse {
		if uses > 1 {
			findings.ColorConflict = true
			findings.DuplicateColors = append(findings.DuplicateColors, colorID)
		}
	}

	sort.Strings(findings.DuplicateStations)
	sort.Strings(findings.DuplicateColors)
	return findings
}

// IsConflictAffected applies the combined conflict rule: a batch is affected
// when its own slot scan finds contention, or when any active conflict
// covers its machine. The second arm lets externally reported conflicts
// (such as cross-batch double-booking) gate approval even though the batch
// itself is internally consistent.
func IsConflictAffected(batch ProductionBatch, active []ConfigurationConflict) bool {
	if DetectBatchConflicts(batch).HasConflict() {
		return true
	}
	for _, conflict := range active {
		if conflict.Active() && conflict.Affects(batch.MachineID) {
			return true
		}
	}
	return false
}

// FindingsConflicts converts a batch's findings into conflict records, one
// per category, for registration and display. Returns nil when the batch is
// clean.
func FindingsConflicts(batch ProductionBatch, findings ConflictFindings, now time.Time) []ConfigurationConflict {
	var out []ConfigurationConflict
	if findings.StationConflict {
		out = append(out, ConfigurationConflict{
			AffectedMachineIDs: []string{batch.MachineID},
			Category:           ConflictStationOverlap,
			Description: fmt.Sprintf("batch %s claims stations %s more than once",
				batch.ID, strings.Join(findings.DuplicateStations, ", ")),
			Source:    SourceDetected,
			CreatedAt: now,
		})
	}
	if findings.ColorConflict {
		out = append(out, ConfigurationConflict{
			AffectedMachineIDs: []string{batch.MachineID},
			Category:           ConflictColorReuse,
			Description: fmt.Sprintf("batch %s reuses colors %s across slots",
				batch.ID, strings.Join(findings.DuplicateColors, ", ")),
			Source:    SourceDetected,
			CreatedAt: now,
		})
	}
	return out
}
