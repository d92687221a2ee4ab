package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MachineProfile names the stations a machine exposes and the color ids its
// feeder holds. Remediations that move work onto a station or color the
// machine does not have are rejected before anything is persisted.
type MachineProfile struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Stations []string `yaml:"stations"`
	ColorIDs []string `yaml:"colorIds"`
}

// MachineCatalog is the plant's machine inventory, loaded from YAML. The
// catalog is optional and may be partial: machines it does not list are
// unconstrained.
type MachineCatalog struct {
	Machines []MachineProfile `yaml:"machines"`

	byID map[string]MachineProfile
}

// LoadMachineCatalog reads and validates the catalog file.
func LoadMachineCatalog(path string) (*MachineCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine catalog %s: %w", path, err)
	}

	catalog, err := ParseMachineCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("invalid machine catalog %s: %w", path, err)
	}
	return catalog, nil
}

// ParseMachineCatalog parses catalog YAML and builds the lookup index.
func ParseMachineCatalog(data []byte) (*MachineCatalog, error) {
	var catalog MachineCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse machine catalog: %w", err)
	}

	catalog.byID = make(map[string]MachineProfile, len(catalog.Machines))
	for i, machine := range catalog.Machines {
		id := normalizeID(machine.ID)
		if id == "" {
			return nil, fmt.Errorf("machine %d has no id", i)
		}
		if _, exists := catalog.byID[id]; exists {
			return nil, fmt.Errorf("duplicate machine id %q", machine.ID)
		}
		if len(machine.Stations) == 0 {
			return nil, fmt.Errorf("machine %q lists no stations", machine.ID)
		}

		seenStations := make(map[string]struct{}, len(machine.Stations))
		for _, station := range machine.Stations {
			station = normalizeID(station)
			if station == "" {
				return nil, fmt.Errorf("machine %q has an empty station", machine.ID)
			}
			if _, dup := seenStations[station]; dup {
				return nil, fmt.Errorf("machine %q lists station %q twice", machine.ID, station)
			}
			seenStations[station] = struct{}{}
		}

		seenColors := make(map[string]struct{}, len(machine.ColorIDs))
		for _, colorID := range machine.ColorIDs {
			colorID = normalizeID(colorID)
			if colorID == "" {
				return nil, fmt.Errorf("machine %q has an empty color id", machine.ID)
			}
			if _, dup := seenColors[colorID]; dup {
				return nil, fmt.Errorf("machine %q lists color %q twice", machine.ID, colorID)
			}
			seenColors[colorID] = struct{}{}
		}

		catalog.byID[id] = machine
	}

	return &catalog, nil
}

// Profile returns the catalog entry for a machine, if it has one.
func (c *MachineCatalog) Profile(machineID string) (MachineProfile, bool) {
	if c == nil {
		return MachineProfile{}, false
	}
	profile, ok := c.byID[normalizeID(machineID)]
	return profile, ok
}

// HasStation reports whether the machine can host the station. Machines
// absent from the catalog are unconstrained.
func (c *MachineCatalog) HasStation(machineID, station string) bool {
	profile, ok := c.Profile(machineID)
	if !ok {
		return true
	}

	station = normalizeID(station)
	for _, candidate := range profile.Stations {
		if normalizeID(candidate) == station {
			return true
		}
	}
	return false
}

// HasColor reports whether the machine's feeder holds the color. Machines
// absent from the catalog are unconstrained.
func (c *MachineCatalog) HasColor(machineID, colorID string) bool {
	profile, ok := c.Profile(machineID)
	if !ok {
		return true
	}

	colorID = normalizeID(colorID)
	for _, candidate := range profile.ColorIDs {
		if normalizeID(candidate) == colorID {
			return true
		}
	}
	return false
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
