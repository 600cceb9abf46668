package sensor

import (
	"fmt"

	"github.com/grasplet-dashboard/exporter/grasplet"
)

// Device metadata shared by every SIM.
const (
	Manufacturer = "Grasplet"
	Model        = "Data SIM"
	SWVersion    = "1.0"
)

// Device groups the sensors of one SIM.
type Device struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SWVersion    string `json:"sw_version"`
}

// Entity is one sensor of one SIM.
type Entity struct {
	UniqueID string
	Name     string
	SIMID    grasplet.SIMID
	Device   Device
	Field    Field
}

// Source is the shared snapshot cache sensors read from.
type Source interface {
	// Snapshot returns the last fetched SIM list, false when nothing was
	// fetched yet.
	Snapshot() ([]grasplet.SIM, bool)

	// Available reports whether the last refresh succeeded.
	Available() bool
}

// Reading is the state of an entity.
type Reading struct {
	Available bool
	Known     bool
	Value     any
}

// Entities returns every sensor for the given SIMs.
func Entities(sims []grasplet.SIM) []Entity {
	entities := make([]Entity, 0, len(sims)*len(Fields))
	for _, sim := range sims {
		name := sim.DisplayName()
		device := Device{
			Identifier:   string(sim.ID),
			Name:         name,
			Manufacturer: Manufacturer,
			Model:        Model,
			SWVersion:    SWVersion,
		}
		for _, f := range Fields {
			entities = append(entities, Entity{
				UniqueID: fmt.Sprintf("%s_%s", sim.ID, f.Key),
				Name:     fmt.Sprintf("%s %s", name, f.Name),
				SIMID:    sim.ID,
				Device:   device,
				Field:    f,
			})
		}
	}
	return entities
}

// Read returns the entity's current state from the source. A SIM missing
// from the snapshot is unknown, not an error.
func Read(src Source, e Entity) Reading {
	reading := Reading{Available: src.Available()}

	sims, ok := src.Snapshot()
	if !ok {
		return reading
	}
	sim, ok := find(sims, e.SIMID)
	if !ok {
		return reading
	}

	reading.Value, reading.Known = e.Field.Extract(sim)
	if !reading.Known {
		reading.Value = nil
	}
	return reading
}

func find(sims []grasplet.SIM, id grasplet.SIMID) (grasplet.SIM, bool) {
	for _, sim := range sims {
		if sim.ID == id {
			return sim, true
		}
	}
	return grasplet.SIM{}, false
}
