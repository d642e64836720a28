/*
store.go - Persistence contract for the shared record table

PURPOSE:
  Defines the interface between the reconciliation logic and the key-value
  table. The engine only ever needs two things from it:
  - ScanByKind(): every raw item of one kind, all pages, or an error
  - UpdateAssociation(): set the vial id + update timestamp on one injection

KEY INTERFACES:
  RecordStore: scan + association update (implemented by every backend)
  RunStore:    audit of reconciliation runs

PAGINATION:
  Backends implement a single-page fetch (PageFunc) and delegate to
  CollectPages, which follows cursors until exhausted. A page failure fails
  the whole scan with a *ScanError that carries the last good cursor, so an
  operator can see where the table stopped answering. Partial results are
  never returned.

WRITE SEMANTICS:
  UpdateAssociation is unconditional: last writer wins. A concurrent writer
  that changes the same injection during a run will be overwritten.
  UpdateAssociationIf adds an expected-previous-value check and returns
  ErrConcurrentModification when the stored value moved.

IMPLEMENTATIONS:
  - store/dynamo: production table (aws-sdk-go-v2)
  - store/sqlite: local replica of the table + run audit
  - store/memory: in-memory, for tests
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// RECORD STORE
// =============================================================================

// RecordStore is the typed get/put contract over the record table.
type RecordStore interface {
	// ScanByKind returns every item whose kind attribute equals kind.
	ScanByKind(ctx context.Context, kind Kind) ([]Item, error)

	// UpdateAssociation sets the association and update timestamp on key.
	// No compare-and-swap is performed.
	UpdateAssociation(ctx context.Context, key Key, vial VialID, at time.Time) error

	// UpdateAssociationIf is UpdateAssociation guarded by the expected
	// current association (nil = expected unassigned).
	UpdateAssociationIf(ctx context.Context, key Key, expected *VialID, vial VialID, at time.Time) error
}

// =============================================================================
// PAGINATION
// =============================================================================

// Cursor is the continuation token of a scan: the key of the last item read.
type Cursor struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (c Cursor) String() string { return c.PK + "/" + c.SK }

// Page is one fetched page. Next is nil on the last page.
type Page struct {
	Items []Item
	Next  *Cursor
}

// PageFunc fetches the page after the given cursor (nil = first page).
type PageFunc func(ctx context.Context, kind Kind, after *Cursor) (Page, error)

// CollectPages follows cursors until exhausted.
// Any page error aborts the scan; nothing collected so far is returned.
func CollectPages(ctx context.Context, kind Kind, fetch PageFunc) ([]Item, error) {
	var (
		items []Item
		last  *Cursor
		pages int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, &ScanError{Kind: kind, Pages: pages, Items: len(items), LastCursor: last, Err: err}
		}

		page, err := fetch(ctx, kind, last)
		if err != nil {
			return nil, &ScanError{Kind: kind, Pages: pages, Items: len(items), LastCursor: last, Err: err}
		}
		pages++
		items = append(items, page.Items...)

		if page.Next == nil {
			return items, nil
		}
		if last != nil && *page.Next == *last {
			return nil, &ScanError{Kind: kind, Pages: pages, Items: len(items), LastCursor: last,
				Err: fmt.Errorf("cursor did not advance past %s", last)}
		}
		next := *page.Next
		last = &next
	}
}

// =============================================================================
// RUN AUDIT
// =============================================================================

type RunStatus string

const (
	RunPlanned               RunStatus = "planned" // dry-run
	RunCompleted             RunStatus = "completed"
	RunCompletedWithFailures RunStatus = "completed_with_failures"
	RunAborted               RunStatus = "aborted"
)

// Run records one execution of the job.
type Run struct {
	ID            string    `json:"id"`
	Table         string    `json:"table"`
	DryRun        bool      `json:"dry_run"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Status        RunStatus `json:"status"`
	Injections    int       `json:"injections"`
	Vials         int       `json:"vials"`
	Planned       int       `json:"planned"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Unresolved    int       `json:"unresolved"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RunStore persists run records. Append-only from the engine's point of view.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
