/*
policy.go - Boundary table and the assignment rule

PURPOSE:
  Decides which vial an injection should be credited to, from its date
  alone. Vials are used one after another: each new reconstitution becomes
  the target for every injection from that day forward.

BOUNDARY TABLE:
  Default + ordered boundaries describe half-open, inclusive-left intervals:

    [-inf,        2025-09-13)  -> Default       (vial A)
    [2025-09-13,  2025-10-29)  -> Boundaries[0] (vial B)
    [2025-10-29,  +inf)        -> Boundaries[1] (vial C)

  Dates are compared as YYYY-MM-DD strings. The format is fixed-width and
  zero-padded, so lexicographic order is chronological order.

DRY STOCK:
  Dry-stock vials are excluded from the table by construction. Validate
  rejects a table that targets one; CorrectVialFor never filters at runtime.

ALIASES:
  Legacy or duplicate vial ids (e.g. UUIDs created by an older client) are
  folded into canonical ids through a versioned AliasTable before any
  comparison with the policy result.

EXAMPLE:
  p := Policy{
      Default: "vial_a",
      Boundaries: []Boundary{
          {From: "2025-09-13", Vial: "vial_b"},
          {From: "2025-10-29", Vial: "vial_c"},
      },
      DryStock: []VialID{"vial_d"},
  }
  if err := p.Validate(); err != nil { ... }
  id, ok := p.CorrectVialFor("2025-09-13T00:00") // "vial_b", true
*/
package engine

import "fmt"

// =============================================================================
// POLICY
// =============================================================================

// Boundary starts a new interval at From (inclusive).
type Boundary struct {
	From string `json:"from" yaml:"from"`
	Vial VialID `json:"vial" yaml:"vial"`
}

// Policy is the complete assignment input for one run.
type Policy struct {
	Version    string     `json:"version"`
	Default    VialID     `json:"default"`
	Boundaries []Boundary `json:"boundaries"`
	DryStock   []VialID   `json:"dry_stock"`
	Aliases    AliasTable `json:"aliases"`
}

// Validate checks the table is usable. Every decision downstream depends on
// it, so callers must fail the run before any write if this returns an error.
func (p Policy) Validate() error {
	if p.Default == "" {
		return &PolicyError{Field: "default", Message: "boundary table is empty: no default vial"}
	}

	seen := map[VialID]string{p.Default: "default"}
	prev := ""
	for i, b := range p.Boundaries {
		field := fmt.Sprintf("boundaries[%d]", i)
		if !ValidDate(b.From) {
			return &PolicyError{Field: field, Message: fmt.Sprintf("from %q is not a YYYY-MM-DD date", b.From)}
		}
		if b.Vial == "" {
			return &PolicyError{Field: field, Message: "missing vial"}
		}
		if prev != "" && b.From <= prev {
			return &PolicyError{Field: field, Message: fmt.Sprintf("from %s is not after %s", b.From, prev)}
		}
		if other, dup := seen[b.Vial]; dup {
			return &PolicyError{Field: field, Message: fmt.Sprintf("vial %s already targeted by %s", b.Vial, other)}
		}
		seen[b.Vial] = field
		prev = b.From
	}

	for _, ds := range p.DryStock {
		if field, targeted := seen[ds]; targeted {
			return &PolicyError{Field: field, Message: fmt.Sprintf("targets dry-stock vial %s", ds)}
		}
	}

	return p.Aliases.validate(seen, p.IsDryStock)
}

// CorrectVialFor maps a timestamp to the vial it should be credited to.
// Returns false if the timestamp is empty or has no valid date prefix.
func (p Policy) CorrectVialFor(timestamp string) (VialID, bool) {
	date := DateOf(timestamp)
	if date == "" {
		return "", false
	}
	for i := len(p.Boundaries) - 1; i >= 0; i-- {
		if date >= p.Boundaries[i].From {
			return p.Boundaries[i].Vial, true
		}
	}
	return p.Default, true
}

// Targets lists every vial the policy can return, in date order.
func (p Policy) Targets() []VialID {
	out := make([]VialID, 0, len(p.Boundaries)+1)
	out = append(out, p.Default)
	for _, b := range p.Boundaries {
		out = append(out, b.Vial)
	}
	return out
}

// IsDryStock reports whether id is in the configured exclusion set.
func (p Policy) IsDryStock(id VialID) bool {
	for _, ds := range p.DryStock {
		if ds == id {
			return true
		}
	}
	return false
}

// WindowFor returns the interval the policy assigns to id.
func (p Policy) WindowFor(id VialID) (Window, bool) {
	targets := p.Targets()
	for i, t := range targets {
		if t != id {
			continue
		}
		var w Window
		if i > 0 {
			w.Start = p.Boundaries[i-1].From
		}
		if i < len(p.Boundaries) {
			w.End = p.Boundaries[i].From
		}
		return w, true
	}
	return Window{}, false
}

// =============================================================================
// WINDOW
// =============================================================================

// Window is a half-open date interval [Start, End). Empty bounds are open.
type Window struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Contains reports whether date (YYYY-MM-DD) lies inside the window.
func (w Window) Contains(date string) bool {
	if date == "" {
		return false
	}
	if w.Start != "" && date < w.Start {
		return false
	}
	if w.End != "" && date >= w.End {
		return false
	}
	return true
}

func (w Window) String() string {
	start, end := w.Start, w.End
	if start == "" {
		start = "-inf"
	}
	if end == "" {
		end = "+inf"
	}
	return "[" + start + ", " + end + ")"
}

// Window is the vial's own usable interval from its metadata.
// A vial with no start date has no usable window.
func (v Vial) Window() (Window, bool) {
	start := v.StartDate()
	if start == "" {
		return Window{}, false
	}
	return Window{Start: start, End: v.ExpiresOn}, true
}

// =============================================================================
// ALIAS TABLE
// =============================================================================

// AliasTable folds legacy vial ids into canonical ones.
type AliasTable struct {
	Version string            `json:"version,omitempty"`
	Entries map[VialID]VialID `json:"entries,omitempty"`
}

// Resolve returns the canonical id and whether id was an alias.
func (a AliasTable) Resolve(id VialID) (VialID, bool) {
	if canonical, ok := a.Entries[id]; ok {
		return canonical, true
	}
	return id, false
}

// validate rejects chains and aliases that shadow a policy target.
func (a AliasTable) validate(targets map[VialID]string, isDryStock func(VialID) bool) error {
	for from, to := range a.Entries {
		field := fmt.Sprintf("aliases[%s]", from)
		if to == "" {
			return &PolicyError{Field: field, Message: "empty canonical id"}
		}
		if from == to {
			return &PolicyError{Field: field, Message: "alias points at itself"}
		}
		if isDryStock(to) {
			return &PolicyError{Field: field, Message: fmt.Sprintf("canonical id %s is dry stock", to)}
		}
		if _, chained := a.Entries[to]; chained {
			return &PolicyError{Field: field, Message: fmt.Sprintf("canonical id %s is itself an alias", to)}
		}
		if owner, shadow := targets[from]; shadow {
			return &PolicyError{Field: field, Message: fmt.Sprintf("alias shadows policy target of %s", owner)}
		}
	}
	return nil
}
