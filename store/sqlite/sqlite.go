/*
Package sqlite provides a SQLite-backed replica of the record table.

PURPOSE:
  Holds a local copy of the shared key-value table (imported from a
  DynamoDB JSON export or a scenario) so the reconciler can be rehearsed
  end-to-end without touching production, and keeps the audit trail of
  reconciliation runs for both backends.

INTERFACES IMPLEMENTED:
  engine.RecordStore: scan by kind + association update
  engine.RunStore:    reconciliation run audit

KEY TABLES:
  items:               one row per item; attributes stored verbatim as
                       tagged JSON ({"S": ...}), kind copied into a column
                       for the scan filter
  reconciliation_runs: one row per run (planned, completed, aborted...)

PAGINATION:
  Scans are keyset-paginated on (pk, sk), mirroring the continuation key
  of the production table, and go through engine.CollectPages.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, like the rest of the stores.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./vialfix.db", engine.DefaultSchema())
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
  - store/dynamo: Production table
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/vialfix/engine"
)

const DefaultPageSize = 100

// timeLayout is fixed-width so started_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the record and run stores using SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	schema   engine.Schema
	PageSize int
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, schema engine.Schema) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, schema: schema.WithDefaults(), PageSize: DefaultPageSize}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Items (replica of the shared record table)
	CREATE TABLE IF NOT EXISTS items (
		pk TEXT NOT NULL,
		sk TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		attrs_json TEXT NOT NULL,
		PRIMARY KEY (pk, sk)
	);

	CREATE INDEX IF NOT EXISTS idx_items_kind_key
		ON items(kind, pk, sk);

	-- Reconciliation Runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		policy_version TEXT,
		status TEXT NOT NULL,
		injections INTEGER DEFAULT 0,
		vials INTEGER DEFAULT 0,
		planned INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		unresolved INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_status
		ON reconciliation_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ITEMS (engine.RecordStore interface)
// =============================================================================

// Put inserts or replaces one raw item.
func (s *Store) Put(ctx context.Context, it engine.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putItem(ctx, s.db, it)
}

// PutAll writes items atomically.
func (s *Store) PutAll(ctx context.Context, items []engine.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		if err := s.putItem(ctx, tx, it); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) putItem(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, it engine.Item) error {
	kind := s.schema.KindOf(it)
	key, err := s.schema.KeyOf(kind, it)
	if err != nil {
		return err
	}
	attrs, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", key, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO items (pk, sk, kind, attrs_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(pk, sk) DO UPDATE SET
			kind = excluded.kind,
			attrs_json = excluded.attrs_json
	`, key.PK, key.SK, string(kind), string(attrs))
	if err != nil {
		return fmt.Errorf("failed to put item %s: %w", key, err)
	}
	return nil
}

// Get returns the item at key, or nil if absent.
func (s *Store) Get(ctx context.Context, key engine.Key) (engine.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItem(ctx, s.db, key)
}

func (s *Store) getItem(ctx context.Context, db interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key engine.Key) (engine.Item, error) {
	var attrs string
	err := db.QueryRowContext(ctx,
		"SELECT attrs_json FROM items WHERE pk = ? AND sk = ?", key.PK, key.SK,
	).Scan(&attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAttrs(key, attrs)
}

// ScanByKind returns every item of kind, following pages.
func (s *Store) ScanByKind(ctx context.Context, kind engine.Kind) ([]engine.Item, error) {
	return engine.CollectPages(ctx, kind, s.ScanPage)
}

// ScanPage returns one keyset page of items of kind after the cursor.
func (s *Store) ScanPage(ctx context.Context, kind engine.Kind, after *engine.Cursor) (engine.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	var (
		rows *sql.Rows
		err  error
	)
	// Fetch one extra row to learn whether another page exists.
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT pk, sk, attrs_json FROM items
			WHERE kind = ?
			ORDER BY pk, sk
			LIMIT ?
		`, string(kind), size+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT pk, sk, attrs_json FROM items
			WHERE kind = ? AND (pk > ? OR (pk = ? AND sk > ?))
			ORDER BY pk, sk
			LIMIT ?
		`, string(kind), after.PK, after.PK, after.SK, size+1)
	}
	if err != nil {
		return engine.Page{}, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var (
		page    engine.Page
		lastKey engine.Key
	)
	for rows.Next() {
		var key engine.Key
		var attrs string
		if err := rows.Scan(&key.PK, &key.SK, &attrs); err != nil {
			return engine.Page{}, fmt.Errorf("failed to scan item: %w", err)
		}
		if len(page.Items) == size {
			page.Next = &engine.Cursor{PK: lastKey.PK, SK: lastKey.SK}
			break
		}
		it, err := decodeAttrs(key, attrs)
		if err != nil {
			return engine.Page{}, err
		}
		page.Items = append(page.Items, it)
		lastKey = key
	}
	if err := rows.Err(); err != nil {
		return engine.Page{}, err
	}
	return page, nil
}

// UpdateAssociation sets the vial id and update timestamp. Last writer wins.
func (s *Store) UpdateAssociation(ctx context.Context, key engine.Key, vial engine.VialID, at time.Time) error {
	return s.update(ctx, key, nil, false, vial, at)
}

// UpdateAssociationIf is UpdateAssociation guarded by the expected current value.
func (s *Store) UpdateAssociationIf(ctx context.Context, key engine.Key, expected *engine.VialID, vial engine.VialID, at time.Time) error {
	return s.update(ctx, key, expected, true, vial, at)
}

func (s *Store) update(ctx context.Context, key engine.Key, expected *engine.VialID, conditional bool, vial engine.VialID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	it, err := s.getItem(ctx, tx, key)
	if err != nil {
		return err
	}
	if it == nil {
		return engine.ErrItemNotFound
	}

	if conditional {
		stored := it[s.schema.VialID]
		if !matchesExpected(stored, expected) {
			return engine.ErrConcurrentModification
		}
	}

	it[s.schema.VialID] = engine.String(string(vial))
	it[s.schema.UpdatedAt] = engine.String(engine.UpdateTimestamp(at))

	attrs, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE items SET attrs_json = ? WHERE pk = ? AND sk = ?",
		string(attrs), key.PK, key.SK,
	); err != nil {
		return fmt.Errorf("failed to update item %s: %w", key, err)
	}

	return tx.Commit()
}

// Dump returns all items in key order as one JSON document. Two dumps are
// byte-equal iff the table content is identical.
func (s *Store) Dump(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT pk, sk, kind, attrs_json FROM items ORDER BY pk, sk")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var pk, sk, kind, attrs string
		if err := rows.Scan(&pk, &sk, &kind, &attrs); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(attrs))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Count returns the number of items of each kind.
func (s *Store) Count(ctx context.Context) (map[engine.Kind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM items GROUP BY kind")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[engine.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[engine.Kind(kind)] = n
	}
	return counts, rows.Err()
}

// Reset deletes every item. Run history is kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM items")
	return err
}

// =============================================================================
// RECONCILIATION RUNS (engine.RunStore interface)
// =============================================================================

// SaveRun inserts or updates a run record.
func (s *Store) SaveRun(ctx context.Context, r engine.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs
		(id, table_name, dry_run, policy_version, status, injections, vials, planned,
		 succeeded, failed, unresolved, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			injections = excluded.injections,
			vials = excluded.vials,
			planned = excluded.planned,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			unresolved = excluded.unresolved,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt sql.NullString
	if !r.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: r.CompletedAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Table, r.DryRun, nullString(r.PolicyVersion), string(r.Status),
		r.Injections, r.Vials, r.Planned, r.Succeeded, r.Failed, r.Unresolved,
		nullString(r.Error), r.StartedAt.UTC().Format(timeLayout), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, table_name, dry_run, policy_version, status, injections, vials, planned,
		       succeeded, failed, unresolved, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.Run
	for rows.Next() {
		var (
			r             engine.Run
			status        string
			policyVersion sql.NullString
			errText       sql.NullString
			startedAt     string
			completedAt   sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Table, &r.DryRun, &policyVersion, &status,
			&r.Injections, &r.Vials, &r.Planned, &r.Succeeded, &r.Failed, &r.Unresolved,
			&errText, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = engine.RunStatus(status)
		r.PolicyVersion = policyVersion.String
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			r.CompletedAt, _ = time.Parse(timeLayout, completedAt.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func decodeAttrs(key engine.Key, attrs string) (engine.Item, error) {
	var it engine.Item
	if err := json.Unmarshal([]byte(attrs), &it); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", key, err)
	}
	return it, nil
}

func matchesExpected(stored engine.Attribute, expected *engine.VialID) bool {
	if expected == nil {
		return stored.Kind == "" || stored.IsNull() || (stored.Kind == engine.AttrString && stored.S == "")
	}
	return stored.Kind == engine.AttrString && stored.S == string(*expected)
}
