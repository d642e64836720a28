/*
Package scenario provides pre-built record tables for rehearsals and tests.

AVAILABLE SCENARIOS:

	incident-2025: the vial mix-up as found in production: unassigned
	               shots, shots on dry-stock vials, shots on the previous
	               vial, legacy UUID and "vial-1" ids
	clean:         the same injections already on the right vials
	edge-cases:    undecodable and undatable records, unknown vial ids,
	               boundary-instant timestamps, unrelated entity kinds

All scenarios pair with the incident-2025 policy preset.

HOW SCENARIOS WORK:
 1. Build raw items with the configured schema (attribute names)
 2. Seed a store (sqlite for rehearsals, memory for tests)
 3. Run the reconciler against it

SEE ALSO:
  - factory/policy.go: incident-2025 preset
  - cmd/vialfix: `vialfix import --scenario NAME`
*/
package scenario

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/factory"
)

// Scenario describes one dataset.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Policy      string `json:"policy"`
}

const (
	Incident  = "incident-2025"
	Clean     = "clean"
	EdgeCases = "edge-cases"
)

// User is the partition every scenario item lives in.
const User = "USER#demo"

// Vial ids of the incident.
const (
	VialA  engine.VialID = "vial_20240805_1"
	VialB  engine.VialID = "vial_20240805_2"
	VialC  engine.VialID = "vial_20241029_1"
	VialD2 engine.VialID = "vial_20241029_2"
	VialD3 engine.VialID = "vial_20241029_3"
	VialD4 engine.VialID = "vial_20241029_4"
)

var scenarios = []Scenario{
	{
		ID:          Incident,
		Name:        "Vial mix-up",
		Description: "18 shots; 10 are unassigned, on dry stock, on the previous vial or on a legacy id",
		Policy:      factory.IncidentPresetName,
	},
	{
		ID:          Clean,
		Name:        "Already reconciled",
		Description: "The incident shots, all on the vial the policy names",
		Policy:      factory.IncidentPresetName,
	},
	{
		ID:          EdgeCases,
		Name:        "Edge cases",
		Description: "Bad timestamps, bad attribute types, unknown vials, boundary instants",
		Policy:      factory.IncidentPresetName,
	},
}

// List returns every scenario.
func List() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// Get returns a scenario by id.
func Get(id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// Items builds the raw items of a scenario.
func Items(id string, schema engine.Schema) ([]engine.Item, error) {
	schema = schema.WithDefaults()
	switch id {
	case Incident:
		return incidentItems(schema, false), nil
	case Clean:
		return incidentItems(schema, true), nil
	case EdgeCases:
		return edgeCaseItems(schema), nil
	}
	return nil, fmt.Errorf("unknown scenario %q", id)
}

// Seeder is a store that accepts raw items.
type Seeder interface {
	PutAll(ctx context.Context, items []engine.Item) error
}

// Load seeds store with a scenario and returns its description.
func Load(ctx context.Context, store Seeder, id string, schema engine.Schema) (Scenario, error) {
	s, ok := Get(id)
	if !ok {
		return Scenario{}, fmt.Errorf("unknown scenario %q", id)
	}
	items, err := Items(id, schema)
	if err != nil {
		return Scenario{}, err
	}
	if err := store.PutAll(ctx, items); err != nil {
		return Scenario{}, fmt.Errorf("failed to load scenario %s: %w", id, err)
	}
	return s, nil
}

// =============================================================================
// INCIDENT
// =============================================================================

type shot struct {
	ts      string
	dose    string
	stored  string // "" = NULL
	correct engine.VialID
}

// incidentShots is the injection log of the incident, in time order.
var incidentShots = []shot{
	{"2025-08-02T08:00:00", "2.5", "vial_20240805_1", VialA},
	{"2025-08-09T08:00:00", "2.5", "vial_20240805_1", VialA},
	{"2025-08-16T08:00:00", "2.5", "", VialA},
	{"2025-08-23T08:00:00", "2.5", "vial_20241029_2", VialA},
	{"2025-08-30T08:00:00", "5", "vial_20240805_1", VialA},
	{"2025-09-06T08:00:00", "5", "vial_20240805_2", VialA},
	{"2025-09-12T21:30:00", "5", "vial_20240805_1", VialA},
	{"2025-09-13T08:00:00", "5", "25eaa9d1-676f-47c8-ad0b-6e5783bb912e", VialB},
	{"2025-09-20T08:00:00", "5", "vial_20240805_2", VialB},
	{"2025-09-27T08:00:00", "5", "c45df327-4a87-4cb6-971b-f490d03e5ae1", VialB},
	{"2025-10-04T08:00:00", "7.5", "vial_20241029_3", VialB},
	{"2025-10-11T08:00:00", "7.5", "vial_20240805_2", VialB},
	{"2025-10-18T08:00:00", "7.5", "", VialB},
	{"2025-10-25T08:00:00", "7.5", "vial_20240805_2", VialB},
	{"2025-10-29T07:00:00", "7.5", "vial_20240805_2", VialC},
	{"2025-11-05T09:00:00", "7.5", "vial_20241029_2", VialC},
	{"2025-11-12T08:00:00", "7.5", "vial-1", VialC},
	{"2025-11-19T08:00:00", "7.5", "vial_20241029_1", VialC},
}

// IncidentChanges is the number of incident shots whose association is wrong.
const IncidentChanges = 10

// IncidentVials are the vial records of the incident. Reconstitution dates
// match the incident-2025 boundaries, so deriving a policy from them
// reproduces the preset.
func IncidentVials() []engine.Vial {
	return []engine.Vial{
		vial(VialA, engine.VialActive, "2025-08-01", "2024-08-05", "2025-09-20"),
		vial(VialB, engine.VialActive, "2025-09-13", "2024-08-05", "2025-11-10"),
		vial(VialC, engine.VialActive, "2025-10-29", "2024-10-29", ""),
		vial(VialD2, engine.VialDryStock, "", "2024-10-29", ""),
		vial(VialD3, engine.VialDryStock, "", "2024-10-29", ""),
		vial(VialD4, engine.VialDryStock, "", "2024-10-29", ""),
	}
}

// ExpectedVial returns the vial the policy assigns to the incident shot at ts.
func ExpectedVial(ts string) (engine.VialID, bool) {
	for _, s := range incidentShots {
		if s.ts == ts {
			return s.correct, true
		}
	}
	return "", false
}

func incidentItems(schema engine.Schema, clean bool) []engine.Item {
	var items []engine.Item
	for _, v := range IncidentVials() {
		items = append(items, schema.EncodeVial(v))
	}
	for _, s := range incidentShots {
		var vialID *engine.VialID
		switch {
		case clean:
			vialID = s.correct.Ptr()
		case s.stored != "":
			vialID = engine.VialID(s.stored).Ptr()
		}
		items = append(items, schema.EncodeInjection(injection(s.ts, s.dose, vialID)))
	}
	return items
}

// =============================================================================
// EDGE CASES
// =============================================================================

func edgeCaseItems(schema engine.Schema) []engine.Item {
	var items []engine.Item
	for _, v := range IncidentVials()[:3] {
		items = append(items, schema.EncodeVial(v))
	}

	// A vial whose reconstitution date is not a date.
	badVial := schema.EncodeVial(vial("vial_bad_date", engine.VialActive, "", "", ""))
	badVial[schema.ReconstitutedOn] = engine.String("13/09/2025")
	items = append(items, badVial)

	// Exactly on a boundary instant.
	items = append(items, schema.EncodeInjection(injection("2025-10-29T00:00:00Z", "7.5", VialB.Ptr())))
	items = append(items, schema.EncodeInjection(injection("2025-09-13T00:00:00", "5", VialB.Ptr())))

	// Vial id nobody knows.
	items = append(items, schema.EncodeInjection(injection("2025-10-01T08:00:00", "5", engine.VialID("vial_unknown").Ptr())))

	// Empty string association counts as unassigned.
	empty := schema.EncodeInjection(injection("2025-08-20T08:00:00", "2.5", nil))
	empty[schema.VialID] = engine.String("")
	items = append(items, empty)

	// No timestamp at all.
	noTS := schema.EncodeInjection(injection("", "5", VialA.Ptr()))
	noTS[schema.SortKey] = engine.String("INJECTION#no-timestamp")
	items = append(items, noTS)

	// Timestamp without a date.
	items = append(items, schema.EncodeInjection(injection("yesterday", "5", VialA.Ptr())))

	// Dose stored as a map.
	badDose := schema.EncodeInjection(injection("2025-09-01T08:00:00", "5", VialA.Ptr()))
	badDose[schema.Dose] = engine.Opaque("M", `{"value":{"N":"5"}}`)
	items = append(items, badDose)

	// Association stored as a number.
	badVialID := schema.EncodeInjection(injection("2025-09-02T08:00:00", "5", nil))
	badVialID[schema.VialID] = engine.Attribute{Kind: engine.AttrNumber, S: "7"}
	items = append(items, badVialID)

	// Another entity kind sharing the table.
	items = append(items, engine.Item{
		schema.PartitionKey: engine.String(User),
		schema.SortKey:      engine.String("PROFILE"),
		schema.KindAttr:     engine.String("PROFILE"),
		schema.VialID:       engine.String(string(VialD2)),
	})

	return items
}

// EdgeCaseChanges and EdgeCaseUnresolved are the expected plan sizes for
// the edge-cases scenario.
const (
	EdgeCaseChanges    = 3 // boundary instant, unknown vial, empty association
	EdgeCaseUnresolved = 5 // bad vial date, no timestamp, "yesterday", map dose, numeric vial id
)

// =============================================================================
// HELPERS
// =============================================================================

func vial(id engine.VialID, status engine.VialStatus, reconstituted, ordered, expires string) engine.Vial {
	return engine.Vial{
		ID:              id,
		Key:             engine.Key{PK: User, SK: "VIAL#" + string(id)},
		Status:          status,
		ReconstitutedOn: reconstituted,
		OrderedOn:       ordered,
		ExpiresOn:       expires,
	}
}

func injection(ts, dose string, vialID *engine.VialID) engine.Injection {
	return engine.Injection{
		Key:       engine.Key{PK: User, SK: "INJECTION#" + ts},
		Timestamp: ts,
		Dose:      decimal.RequireFromString(dose),
		VialID:    vialID,
	}
}
