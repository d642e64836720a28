package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DISTRIBUTION - shots and total dose per vial
// =============================================================================

const (
	LabelUnassigned = "NULL/unassigned"
	LabelUnresolved = "UNRESOLVED"
)

// Shot is one injection as listed under a vial.
type Shot struct {
	Key       Key             `json:"key"`
	Timestamp string          `json:"timestamp"`
	Dose      decimal.Decimal `json:"dose_mg"`
}

// Date returns the shot's date or "unknown".
func (s Shot) Date() string {
	if d := DateOf(s.Timestamp); d != "" {
		return d
	}
	return "unknown"
}

// DistributionRow aggregates the shots credited to one vial label.
type DistributionRow struct {
	Vial     string          `json:"vial"`
	Count    int             `json:"count"`
	TotalMg  decimal.Decimal `json:"total_mg"`
	DryStock bool            `json:"dry_stock"`
	Shots    []Shot          `json:"shots"`
}

// Distribution is sorted by vial label; shots inside a row by timestamp.
type Distribution struct {
	Rows []DistributionRow `json:"rows"`
}

// Row returns the row for label, if any.
func (d Distribution) Row(label string) (DistributionRow, bool) {
	for _, r := range d.Rows {
		if r.Vial == label {
			return r, true
		}
	}
	return DistributionRow{}, false
}

// Total is the number of shots across all rows.
func (d Distribution) Total() int {
	n := 0
	for _, r := range d.Rows {
		n += r.Count
	}
	return n
}

// HasDryStockShots reports whether any dry-stock vial holds shots.
func (d Distribution) HasDryStockShots() bool {
	for _, r := range d.Rows {
		if r.DryStock && r.Count > 0 {
			return true
		}
	}
	return false
}

type distributionBuilder struct {
	rows  map[string]*DistributionRow
	isDry func(label string) bool
}

func newDistributionBuilder(isDry func(string) bool) *distributionBuilder {
	return &distributionBuilder{rows: make(map[string]*DistributionRow), isDry: isDry}
}

func (b *distributionBuilder) add(label string, inj Injection) {
	row, ok := b.rows[label]
	if !ok {
		row = &DistributionRow{Vial: label, TotalMg: decimal.Zero, DryStock: b.isDry(label)}
		b.rows[label] = row
	}
	row.Count++
	row.TotalMg = row.TotalMg.Add(inj.Dose)
	row.Shots = append(row.Shots, Shot{Key: inj.Key, Timestamp: inj.Timestamp, Dose: inj.Dose})
}

func (b *distributionBuilder) build() Distribution {
	out := Distribution{Rows: make([]DistributionRow, 0, len(b.rows))}
	for _, row := range b.rows {
		sort.SliceStable(row.Shots, func(i, j int) bool {
			return row.Shots[i].Timestamp < row.Shots[j].Timestamp
		})
		out.Rows = append(out.Rows, *row)
	}
	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].Vial < out.Rows[j].Vial })
	return out
}
