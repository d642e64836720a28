/*
planner.go - Snapshot -> change-set

PURPOSE:
  Loads every vial and injection once, asks the policy which vial each
  injection belongs to, and lists the injections whose stored association
  disagrees. Also computes the current and the expected distribution so the
  operator can check the plan before anything is written.

NEEDS-CHANGE RULE:
  An injection is changed when, after alias resolution, its association is
    - unassigned (NULL or missing)          -> ReasonUnassigned
    - a dry-stock vial                      -> ReasonDryStock
    - a different vial than the policy says -> ReasonMismatch
    - a legacy alias of the right vial      -> ReasonAlias
  The policy is ground truth: a manual assignment to another valid vial is
  overwritten unless PreserveOverrides is set, in which case it is kept if
  that vial's own window contains the injection date.

DRY STOCK:
  The effective exclusion set is the policy's list plus every vial whose
  status in the snapshot is dry_stock. A policy that targets a vial the
  table marks as dry stock aborts planning.

FAILURE POLICY:
  - scan failure:          abort (no plan from a partial snapshot)
  - invalid policy:        abort
  - undecodable record:    skipped, listed in Unresolved
  - unparseable timestamp: skipped, listed in Unresolved, counted under
                           LabelUnresolved in the expected distribution

ORDERING:
  Changes keep scan order for reporting. They carry no ordering dependency:
  each one is keyed by its own injection and can be applied in any order.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CHANGE
// =============================================================================

type ChangeReason string

const (
	ReasonUnassigned ChangeReason = "unassigned"
	ReasonDryStock   ChangeReason = "dry_stock"
	ReasonMismatch   ChangeReason = "mismatch"
	ReasonAlias      ChangeReason = "alias"
)

// Change is one planned correction. Never persisted.
type Change struct {
	Key       Key             `json:"key"`
	Timestamp string          `json:"timestamp"`
	Dose      decimal.Decimal `json:"dose_mg"`
	Previous  *VialID         `json:"previous"`
	Correct   VialID          `json:"correct"`
	Reason    ChangeReason    `json:"reason"`
}

// PreviousLabel renders the previous association, "NULL" when unassigned.
func (c Change) PreviousLabel() string {
	if c.Previous == nil {
		return "NULL"
	}
	return string(*c.Previous)
}

func (c Change) String() string {
	date := DateOf(c.Timestamp)
	if date == "" {
		date = "unknown"
	}
	return fmt.Sprintf("%s (%s): %s -> %s", date, formatDose(c.Dose), c.PreviousLabel(), c.Correct)
}

// Override is a non-policy association kept because PreserveOverrides is set.
type Override struct {
	Key       Key    `json:"key"`
	Timestamp string `json:"timestamp"`
	Current   VialID `json:"current"`
	Policy    VialID `json:"policy"`
	Window    Window `json:"window"`
}

// Unresolved is a record the planner could not decide on.
type Unresolved struct {
	Kind      Kind   `json:"kind"`
	Key       Key    `json:"key"`
	Timestamp string `json:"timestamp,omitempty"`
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

// =============================================================================
// PLAN
// =============================================================================

// Plan is the full output of one planning pass.
type Plan struct {
	PolicyVersion string       `json:"policy_version"`
	AliasVersion  string       `json:"alias_version,omitempty"`
	Injections    int          `json:"injections"`
	Vials         int          `json:"vials"`
	DryStock      []VialID     `json:"dry_stock"`
	Current       Distribution `json:"current"`
	Changes       []Change     `json:"changes"`
	Expected      Distribution `json:"expected"`
	Overrides     []Override   `json:"overrides,omitempty"`
	Unresolved    []Unresolved `json:"unresolved,omitempty"`
}

// IsEmpty reports whether the plan has nothing to write.
func (p *Plan) IsEmpty() bool { return len(p.Changes) == 0 }

// Snapshot is the raw content read from the store for one run.
type Snapshot struct {
	Vials      []Item
	Injections []Item
}

// =============================================================================
// PLANNER
// =============================================================================

// Planner computes change-sets. Policy and Schema are fixed for its lifetime.
type Planner struct {
	Store             RecordStore
	Schema            Schema
	Policy            Policy
	PreserveOverrides bool
	Logger            *zerolog.Logger
}

// NewPlanner creates a planner over store with the given policy.
func NewPlanner(store RecordStore, schema Schema, policy Policy) *Planner {
	return &Planner{Store: store, Schema: schema.WithDefaults(), Policy: policy}
}

func (p *Planner) log() *zerolog.Logger {
	if p.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return p.Logger
}

// Load reads the snapshot: all injections, then all vials.
func (p *Planner) Load(ctx context.Context) (Snapshot, error) {
	injections, err := p.Store.ScanByKind(ctx, KindInjection)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load injections: %w", err)
	}
	p.log().Info().Int("count", len(injections)).Msg("fetched injections")

	vials, err := p.Store.ScanByKind(ctx, KindVial)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load vials: %w", err)
	}
	p.log().Info().Int("count", len(vials)).Msg("fetched vials")

	return Snapshot{Vials: vials, Injections: injections}, nil
}

// Plan validates the policy, loads a snapshot and plans against it.
// The policy is checked first so a bad table never costs a scan.
func (p *Planner) Plan(ctx context.Context) (*Plan, error) {
	if err := p.Policy.Validate(); err != nil {
		return nil, err
	}
	snap, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	return p.PlanSnapshot(snap)
}

// PlanSnapshot is the pure part of planning. It performs no I/O.
func (p *Planner) PlanSnapshot(snap Snapshot) (*Plan, error) {
	schema := p.Schema.WithDefaults()
	policy := p.Policy
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{
		PolicyVersion: policy.Version,
		AliasVersion:  policy.Aliases.Version,
		Injections:    len(snap.Injections),
		Vials:         len(snap.Vials),
		Changes:       []Change{},
	}

	// 1. Vials: decode and build the effective dry-stock set
	vials := make(map[VialID]Vial, len(snap.Vials))
	dry := make(map[VialID]bool)
	for _, id := range policy.DryStock {
		dry[id] = true
	}
	for _, it := range snap.Vials {
		v, err := schema.DecodeVial(it)
		if err != nil {
			plan.Unresolved = append(plan.Unresolved, unresolvedFrom(KindVial, err))
			p.log().Warn().Err(err).Msg("skipping vial")
			continue
		}
		vials[v.ID] = v
		if v.IsDryStock() {
			dry[v.ID] = true
		}
	}
	for _, target := range policy.Targets() {
		if dry[target] {
			return nil, &PolicyError{Field: "targets", Message: fmt.Sprintf("vial %s is dry stock in the table", target)}
		}
	}
	plan.DryStock = sortedIDs(dry)

	isDry := func(label string) bool {
		canonical, _ := policy.Aliases.Resolve(VialID(label))
		return dry[VialID(label)] || dry[canonical]
	}
	current := newDistributionBuilder(isDry)
	expected := newDistributionBuilder(isDry)

	// 2. Injections: decide each one independently
	for _, it := range snap.Injections {
		inj, err := schema.DecodeInjection(it)
		if err != nil {
			plan.Unresolved = append(plan.Unresolved, unresolvedFrom(KindInjection, err))
			p.log().Warn().Err(err).Msg("skipping injection")
			continue
		}

		currentLabel := LabelUnassigned
		if inj.VialID != nil {
			currentLabel = string(*inj.VialID)
		}
		current.add(currentLabel, inj)

		correct, ok := policy.CorrectVialFor(inj.Timestamp)
		if !ok {
			expected.add(LabelUnresolved, inj)
			plan.Unresolved = append(plan.Unresolved, Unresolved{
				Kind:      KindInjection,
				Key:       inj.Key,
				Timestamp: inj.Timestamp,
				Reason:    fmt.Sprintf("cannot determine vial for %q", inj.Timestamp),
				Err:       ErrNoTimestamp,
			})
			p.log().Warn().Str("key", inj.Key.String()).Str("timestamp", inj.Timestamp).Msg("cannot determine vial")
			continue
		}
		expected.add(string(correct), inj)

		reason, needsChange := p.classify(inj, correct, dry, vials, plan)
		if !needsChange {
			continue
		}
		plan.Changes = append(plan.Changes, Change{
			Key:       inj.Key,
			Timestamp: inj.Timestamp,
			Dose:      inj.Dose,
			Previous:  inj.VialID,
			Correct:   correct,
			Reason:    reason,
		})
	}

	plan.Current = current.build()
	plan.Expected = expected.build()
	return plan, nil
}

// classify applies the needs-change rule. Overrides kept under
// PreserveOverrides are recorded on the plan.
func (p *Planner) classify(inj Injection, correct VialID, dry map[VialID]bool, vials map[VialID]Vial, plan *Plan) (ChangeReason, bool) {
	if inj.VialID == nil {
		return ReasonUnassigned, true
	}
	raw := *inj.VialID
	canonical, aliased := p.Policy.Aliases.Resolve(raw)

	if dry[raw] || dry[canonical] {
		return ReasonDryStock, true
	}
	if canonical != correct {
		if p.PreserveOverrides {
			if v, known := vials[canonical]; known && !v.IsDryStock() {
				if w, ok := v.Window(); ok && w.Contains(inj.Date()) {
					plan.Overrides = append(plan.Overrides, Override{
						Key:       inj.Key,
						Timestamp: inj.Timestamp,
						Current:   raw,
						Policy:    correct,
						Window:    w,
					})
					return "", false
				}
			}
		}
		return ReasonMismatch, true
	}
	if aliased {
		return ReasonAlias, true
	}
	return "", false
}

func unresolvedFrom(kind Kind, err error) Unresolved {
	u := Unresolved{Kind: kind, Reason: err.Error(), Err: err}
	var de *DecodeError
	if errors.As(err, &de) {
		u.Key = de.Key
	}
	return u
}

func sortedIDs(set map[VialID]bool) []VialID {
	out := make([]VialID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
