/*
Package engine provides the vial/injection reconciliation core.

PURPOSE:
  Injections consume material from exactly one vial. The upstream app stores
  both record kinds in a single key-value table and sometimes leaves the
  injection -> vial association missing, stale, or pointing at a vial that is
  still dry stock. This package decides which vial every injection SHOULD
  point at and plans (and applies) the minimal set of corrections.

KEY CONCEPTS IN THIS FILE (types.go):
  - VialID / Key: Type-safe identifiers for the two record kinds
  - Vial: A container with a reconstitution date and a status
  - Injection: A timestamped, dosed consumption event
  - Date helpers: the policy works on the YYYY-MM-DD prefix of timestamps

PIPELINE:
  RecordStore.ScanByKind  ->  Planner.Plan  ->  Executor.Apply
        (store.go)           (planner.go)      (executor.go)
                                  |
                             Policy.CorrectVialFor
                                (policy.go)

DESIGN PRINCIPLES:
  1. Decode at the boundary: raw items become typed structs immediately
  2. Precision: doses use decimal.Decimal, never float64
  3. Policy is input: boundaries, dry stock and aliases are passed in
  4. Independent writes: every change is keyed by its own record

SEE ALSO:
  - attribute.go: Tagged-union attribute values
  - schema.go: Attribute names and decoding
  - policy.go: Boundary table and assignment rule
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type VialID string

// Ptr returns a pointer to a copy of id. Used for nullable associations.
func (id VialID) Ptr() *VialID { return &id }

// Kind is the record type discriminator stored on every item.
type Kind string

const (
	KindInjection Kind = "INJECTION"
	KindVial      Kind = "VIAL"
)

// Key is the composite primary key of an item (partition key + sort key).
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k Key) String() string { return k.PK + "/" + k.SK }

// =============================================================================
// VIAL
// =============================================================================

type VialStatus string

const (
	VialActive   VialStatus = "active"
	VialDryStock VialStatus = "dry_stock"
	VialDepleted VialStatus = "depleted"
)

// Vial is a container of reconstituted substance.
// Dates are kept as YYYY-MM-DD strings because the policy compares them
// lexicographically.
type Vial struct {
	ID              VialID
	Key             Key
	Status          VialStatus
	ReconstitutedOn string // empty for dry stock
	OrderedOn       string
	ExpiresOn       string // optional, exclusive
}

// IsDryStock reports whether the vial is still powder.
func (v Vial) IsDryStock() bool { return v.Status == VialDryStock }

// StartDate is the first day the vial may receive consumption.
// Falls back to the order date when no reconstitution date was recorded.
func (v Vial) StartDate() string {
	if v.ReconstitutedOn != "" {
		return v.ReconstitutedOn
	}
	return v.OrderedOn
}

// =============================================================================
// INJECTION
// =============================================================================

// Injection is a single consumption event.
type Injection struct {
	Key       Key
	Timestamp string          // ISO-8601, sortable as a string
	Dose      decimal.Decimal // mg
	VialID    *VialID         // nil = unassigned
}

// Date returns the YYYY-MM-DD portion of the timestamp, or "" if missing.
func (i Injection) Date() string { return DateOf(i.Timestamp) }

// CurrentVial renders the association for reports.
func (i Injection) CurrentVial() string {
	if i.VialID == nil {
		return "NULL"
	}
	return string(*i.VialID)
}

// =============================================================================
// DATE HELPERS
// =============================================================================

const DateLayout = "2006-01-02"

// DateOf returns the first 10 characters of ts if they form a valid
// YYYY-MM-DD date. Returns "" otherwise.
func DateOf(ts string) string {
	if len(ts) < len(DateLayout) {
		return ""
	}
	prefix := ts[:len(DateLayout)]
	if _, err := time.Parse(DateLayout, prefix); err != nil {
		return ""
	}
	return prefix
}

// ValidDate reports whether s is exactly a YYYY-MM-DD date.
func ValidDate(s string) bool {
	return len(s) == len(DateLayout) && DateOf(s) == s
}

// UpdateTimestamp formats the write time stored alongside a corrected association.
func UpdateTimestamp(at time.Time) string {
	return at.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Clock returns the current time. Replaced in tests.
type Clock func() time.Time

func formatDose(d decimal.Decimal) string { return fmt.Sprintf("%smg", d.String()) }
