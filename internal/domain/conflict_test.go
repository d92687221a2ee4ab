package domain

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func cleanBatch() ProductionBatch {
	return ProductionBatch{
		ID:        "batch-1",
		MachineID: "machine-1",
		Status:    StatusPending,
		Slots: []ProductSlot{
			{
				ProductName:      "widget-a",
				OccupiedStations: []string{"st-1", "st-2"},
				PrimaryColorID:   strPtr("color-red"),
			},
			{
				ProductName:      "widget-b",
				OccupiedStations: []string{"st-3"},
				PrimaryColorID:   strPtr("color-blue"),
				SecondaryColorID: strPtr("color-green"),
			},
		},
	}
}

func TestDetectBatchConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		mutate       func(*ProductionBatch)
		wantStation  bool
		wantColor    bool
		wantStations []string
		wantColors   []string
	}{
		{
			name:   "clean batch",
			mutate: func(b *ProductionBatch) {},
		},
		{
			name: "station shared across slots",
			mutate: func(b *ProductionBatch) {
				b.Slots[1].OccupiedStations = []string{"st-1"}
			},
			wantStation:  true,
			wantStations: []string{"st-1"},
		},
		{
			name: "station repeated within one slot",
			mutate: func(b *ProductionBatch) {
				b.Slots[0].OccupiedStations = []string{"st-1", "st-1"}
			},
			wantStation:  true,
			wantStations: []string{"st-1"},
		},
		{
			name: "primary color shared across slots",
			mutate: func(b *ProductionBatch) {
				b.Slots[1].PrimaryColorID = strPtr("color-red")
			},
			wantColor:  true,
			wantColors: []string{"color-red"},
		},
		{
			name: "primary of one slot equals secondary of another",
			mutate: func(b *ProductionBatch) {
				b.Slots[1].SecondaryColorID = strPtr("color-red")
			},
			wantColor:  true,
			wantColors: []string{"color-red"},
		},
		{
			name: "primary and secondary equal within one slot",
			mutate: func(b *ProductionBatch) {
				b.Slots[0].SecondaryColorID = strPtr("color-red")
			},
			wantColor:  true,
			wantColors: []string{"color-red"},
		},
		{
			name: "nil colors never collide",
			mutate: func(b *ProductionBatch) {
				b.Slots[0].PrimaryColorID = nil
				b.Slots[1].PrimaryColorID = nil
				b.Slots[1].SecondaryColorID = nil
			},
		},
		{
			name: "empty string identifiers are skipped",
			mutate: func(b *ProductionBatch) {
				b.Slots[0].OccupiedStations = []string{"", "st-1"}
				b.Slots[1].OccupiedStations = []string{"", "st-3"}
				b.Slots[0].PrimaryColorID = strPtr("")
				b.Slots[1].PrimaryColorID = strPtr("")
			},
		},
		{
			name: "both kinds at once",
			mutate: func(b *ProductionBatch) {
				b.Slots[1].OccupiedStations = []string{"st-2"}
				b.Slots[1].SecondaryColorID = strPtr("color-red")
			},
			wantStation:  true,
			wantColor:    true,
			wantStations: []string{"st-2"},
			wantColors:   []string{"color-red"},
		},
		{
			name: "duplicate lists are sorted",
			mutate: func(b *ProductionBatch) {
				b.Slots[0].OccupiedStations = []string{"st-9", "st-2"}
				b.Slots[1].OccupiedStations = []string{"st-9", "st-2"}
			},
			wantStation:  true,
			wantStations: []string{"st-2", "st-9"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			batch := cleanBatch()
			tt.mutate(&batch)

			got := DetectBatchConflicts(batch)
			if got.StationConflict != tt.wantStation {
				t.Fatalf("StationConflict = %v, want %v", got.StationConflict, tt.wantStation)
			}
			if got.ColorConflict != tt.wantColor {
				t.Fatalf("ColorConflict = %v, want %v", got.ColorConflict, tt.wantColor)
			}
			if !reflect.DeepEqual(got.DuplicateStations, tt.wantStations) {
				t.Fatalf("DuplicateStations = %v, want %v", got.DuplicateStations, tt.wantStations)
			}
			if !reflect.DeepEqual(got.DuplicateColors, tt.wantColors) {
				t.Fatalf("DuplicateColors = %v, want %v", got.DuplicateColors, tt.wantColors)
			}
			if got.HasConflict() != (tt.wantStation || tt.wantColor) {
				t.Fatalf("HasConflict() = %v, want %v", got.HasConflict(), tt.wantStation || tt.wantColor)
			}
		})
	}
}

func TestDetectBatchConflictsOrderIndependent(t *testing.T) {
	t.Parallel()

	batch := cleanBatch()
	batch.Slots[1].OccupiedStations = []string{"st-2"}

	reversed := batch.Clone()
	reversed.Slots[0], reversed.Slots[1] = reversed.Slots[1], reversed.Slots[0]

	a := DetectBatchConflicts(batch)
	b := DetectBatchConflicts(reversed)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("findings differ across slot orders: %+v vs %+v", a, b)
	}
}

func TestIsConflictAffected(t *testing.T) {
	t.Parallel()

	resolvedAt := time.Now()

	tests := []struct {
		name   string
		mutate func(*ProductionBatch)
		active []ConfigurationConflict
		want   bool
	}{
		{
			name:   "clean batch with no conflicts",
			mutate: func(b *ProductionBatch) {},
		},
		{
			name: "own station contention",
			mutate: func(b *ProductionBatch) {
				b.Slots[1].OccupiedStations = []string{"st-1"}
			},
			want: true,
		},
		{
			name:   "active external conflict on same machine",
			mutate: func(b *ProductionBatch) {},
			active: []ConfigurationConflict{{
				ID:                 "conf-1",
				AffectedMachineIDs: []string{"machine-1"},
				Category:           ConflictMachineDoubleBooking,
				Source:             SourceReported,
			}},
			want: true,
		},
		{
			name:   "active external conflict on another machine",
			mutate: func(b *ProductionBatch) {},
			active: []ConfigurationConflict{{
				ID:                 "conf-1",
				AffectedMachineIDs: []string{"machine-9"},
				Category:           ConflictMachineDoubleBooking,
				Source:             SourceReported,
			}},
		},
		{
			name:   "resolved conflict no longer gates",
			mutate: func(b *ProductionBatch) {},
			active: []ConfigurationConflict{{
				ID:                 "conf-1",
				AffectedMachineIDs: []string{"machine-1"},
				Category:           ConflictMachineDoubleBooking,
				Source:             SourceReported,
				ResolvedAt:         &resolvedAt,
			}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			batch := cleanBatch()
			tt.mutate(&batch)

			if got := IsConflictAffected(batch, tt.active); got != tt.want {
				t.Fatalf("IsConflictAffected() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigurationConflictValidate(t *testing.T) {
	t.Parallel()

	base := ConfigurationConflict{
		AffectedMachineIDs: []string{"machine-1"},
		Category:           ConflictStationOverlap,
		Source:             SourceDetected,
	}

	tests := []struct {
		name    string
		mutate  func(*ConfigurationConflict)
		wantErr bool
	}{
		{
			name:   "valid conflict",
			mutate: func(c *ConfigurationConflict) {},
		},
		{
			name: "no machines",
			mutate: func(c *ConfigurationConflict) {
				c.AffectedMachineIDs = nil
			},
			wantErr: true,
		},
		{
			name: "blank machine id",
			mutate: func(c *ConfigurationConflict) {
				c.AffectedMachineIDs = []string{" "}
			},
			wantErr: true,
		},
		{
			name: "invalid category",
			mutate: func(c *ConfigurationConflict) {
				c.Category = ConflictCategory("NOISE")
			},
			wantErr: true,
		},
		{
			name: "invalid source",
			mutate: func(c *ConfigurationConflict) {
				c.Source = ConflictSource("GUESSED")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := base
			tt.mutate(&current)

			err := current.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestParseConflictCategoryFromString(t *testing.T) {
	t.Parallel()

	got, err := ParseConflictCategoryFromString(" station_overlap ")
	if err != nil {
		t.Fatalf("ParseConflictCategoryFromString() unexpected error = %v", err)
	}
	if got != ConflictStationOverlap {
		t.Fatalf("ParseConflictCategoryFromString() = %s, want %s", got, ConflictStationOverlap)
	}

	_, err = ParseConflictCategoryFromString("cosmic_rays")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseConflictCategoryFromString() error = %v, want ErrValidation", err)
	}
}
