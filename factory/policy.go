/*
Package factory provides file to Go policy conversion.

PURPOSE:
  Converts policy definitions (YAML or JSON) into engine.Policy values so
  the boundary table, the dry-stock list and the alias table can change
  without a code change. Also derives a policy from the vial records
  themselves, and carries the presets for known incidents.

FILE SCHEMA (YAML; JSON is accepted as well):
  version: "2025-11-incident"
  default: vial_20240805_1
  boundaries:
    - from: "2025-09-13"
      vial: vial_20240805_2
    - from: "2025-10-29"
      vial: vial_20241029_1
  dry_stock:
    - vial_20241029_2
  aliases:
    version: "1"
    entries:
      vial-1: vial_20241029_1

KEY FEATURES:
  - Rejects unknown fields (a typo must not silently drop a boundary)
  - Validates the result with engine.Policy.Validate
  - Round-trips: ToFile + Marshal produce a file ParsePolicy accepts

USAGE:
  f := NewPolicyFactory()

  // From a file
  policy, err := f.LoadFile("policy.yaml")

  // From the vial records (reconstitution dates)
  policy, err := f.Derive(vials, "derived")

  // Known incident
  policy, err := f.Preset("incident-2025")

SEE ALSO:
  - engine/policy.go: Policy type definition
  - scenario: datasets matching the presets
*/
package factory

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/warp/vialfix/engine"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// PolicyFile is the on-disk representation of a policy.
type PolicyFile struct {
	Version    string         `yaml:"version" json:"version"`
	Default    string         `yaml:"default" json:"default"`
	Boundaries []BoundaryFile `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`
	DryStock   []string       `yaml:"dry_stock,omitempty" json:"dry_stock,omitempty"`
	Aliases    *AliasFile     `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// BoundaryFile starts a new interval.
type BoundaryFile struct {
	From string `yaml:"from" json:"from"`
	Vial string `yaml:"vial" json:"vial"`
}

// AliasFile is a versioned legacy -> canonical id map.
type AliasFile struct {
	Version string            `yaml:"version,omitempty" json:"version,omitempty"`
	Entries map[string]string `yaml:"entries" json:"entries"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts policy files to engine policies.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// LoadFile reads and parses a policy file.
func (f *PolicyFactory) LoadFile(path string) (engine.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicy(data)
}

// ParsePolicy parses YAML or JSON into a validated policy.
func (f *PolicyFactory) ParsePolicy(data []byte) (engine.Policy, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return engine.Policy{}, fmt.Errorf("failed to parse policy: %w", err)
	}
	return f.FromFile(pf)
}

// FromFile converts a PolicyFile and validates the result.
func (f *PolicyFactory) FromFile(pf PolicyFile) (engine.Policy, error) {
	policy := engine.Policy{
		Version: pf.Version,
		Default: engine.VialID(pf.Default),
	}
	for _, b := range pf.Boundaries {
		policy.Boundaries = append(policy.Boundaries, engine.Boundary{From: b.From, Vial: engine.VialID(b.Vial)})
	}
	for _, id := range pf.DryStock {
		policy.DryStock = append(policy.DryStock, engine.VialID(id))
	}
	if pf.Aliases != nil {
		policy.Aliases.Version = pf.Aliases.Version
		if len(pf.Aliases.Entries) > 0 {
			policy.Aliases.Entries = make(map[engine.VialID]engine.VialID, len(pf.Aliases.Entries))
			for from, to := range pf.Aliases.Entries {
				policy.Aliases.Entries[engine.VialID(from)] = engine.VialID(to)
			}
		}
	}

	if err := policy.Validate(); err != nil {
		return engine.Policy{}, err
	}
	return policy, nil
}

// ToFile converts a policy to its file form.
func (f *PolicyFactory) ToFile(policy engine.Policy) PolicyFile {
	pf := PolicyFile{
		Version: policy.Version,
		Default: string(policy.Default),
	}
	for _, b := range policy.Boundaries {
		pf.Boundaries = append(pf.Boundaries, BoundaryFile{From: b.From, Vial: string(b.Vial)})
	}
	for _, id := range policy.DryStock {
		pf.DryStock = append(pf.DryStock, string(id))
	}
	if len(policy.Aliases.Entries) > 0 || policy.Aliases.Version != "" {
		pf.Aliases = &AliasFile{Version: policy.Aliases.Version, Entries: map[string]string{}}
		for from, to := range policy.Aliases.Entries {
			pf.Aliases.Entries[string(from)] = string(to)
		}
	}
	return pf
}

// Marshal renders a policy as YAML.
func (f *PolicyFactory) Marshal(policy engine.Policy) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f.ToFile(policy)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// DERIVATION
// =============================================================================

// Derive builds a boundary table from vial metadata: vials are used in
// order of their start date (reconstitution, else order date), the earliest
// is the default and each later one starts a new interval. Dry-stock vials
// and vials without a start date are left out; dry-stock vials go to the
// exclusion list. Two usable vials starting on the same day is an error.
func (f *PolicyFactory) Derive(vials []engine.Vial, version string) (engine.Policy, error) {
	var usable []engine.Vial
	policy := engine.Policy{Version: version}
	for _, v := range vials {
		if v.IsDryStock() {
			policy.DryStock = append(policy.DryStock, v.ID)
			continue
		}
		if v.StartDate() == "" {
			continue
		}
		usable = append(usable, v)
	}
	if len(usable) == 0 {
		return engine.Policy{}, &engine.PolicyError{Field: "default", Message: "no vial has a reconstitution or order date"}
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].StartDate() != usable[j].StartDate() {
			return usable[i].StartDate() < usable[j].StartDate()
		}
		return usable[i].ID < usable[j].ID
	})
	sort.Slice(policy.DryStock, func(i, j int) bool { return policy.DryStock[i] < policy.DryStock[j] })

	policy.Default = usable[0].ID
	for i, v := range usable[1:] {
		if v.StartDate() == usable[i].StartDate() {
			return engine.Policy{}, &engine.PolicyError{
				Field:   "boundaries",
				Message: fmt.Sprintf("vials %s and %s both start on %s", usable[i].ID, v.ID, v.StartDate()),
			}
		}
		policy.Boundaries = append(policy.Boundaries, engine.Boundary{From: v.StartDate(), Vial: v.ID})
	}

	if err := policy.Validate(); err != nil {
		return engine.Policy{}, err
	}
	return policy, nil
}

// DeriveFromItems decodes raw vial items and derives a policy. Items that
// fail to decode are returned alongside so the caller can report them.
func (f *PolicyFactory) DeriveFromItems(schema engine.Schema, items []engine.Item, version string) (engine.Policy, []error, error) {
	schema = schema.WithDefaults()
	var (
		vials   []engine.Vial
		skipped []error
	)
	for _, it := range items {
		v, err := schema.DecodeVial(it)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		vials = append(vials, v)
	}
	policy, err := f.Derive(vials, version)
	return policy, skipped, err
}

// =============================================================================
// PRESETS
// =============================================================================

// IncidentPresetName is the boundary table for the 2025 vial mix-up.
const IncidentPresetName = "incident-2025"

var presets = map[string]PolicyFile{
	IncidentPresetName: {
		Version: IncidentPresetName,
		Default: "vial_20240805_1",
		Boundaries: []BoundaryFile{
			{From: "2025-09-13", Vial: "vial_20240805_2"},
			{From: "2025-10-29", Vial: "vial_20241029_1"},
		},
		DryStock: []string{"vial_20241029_2", "vial_20241029_3", "vial_20241029_4"},
		Aliases: &AliasFile{
			Version: "1",
			Entries: map[string]string{
				"25eaa9d1-676f-47c8-ad0b-6e5783bb912e": "vial_20240805_2",
				"c45df327-4a87-4cb6-971b-f490d03e5ae1": "vial_20240805_2",
				"vial-1":                               "vial_20241029_1",
			},
		},
	},
}

// Preset returns a named built-in policy.
func (f *PolicyFactory) Preset(name string) (engine.Policy, error) {
	pf, ok := presets[name]
	if !ok {
		return engine.Policy{}, fmt.Errorf("unknown policy preset %q (available: %v)", name, PresetNames())
	}
	return f.FromFile(pf)
}

// PresetNames lists the built-in presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
