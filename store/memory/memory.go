// Package memory provides an in-memory record table (for testing/dev).
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/warp/vialfix/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation of engine.RecordStore + RunStore
// =============================================================================

const DefaultPageSize = 25

type Memory struct {
	mu     sync.RWMutex
	schema engine.Schema
	items  map[engine.Key]engine.Item
	runs   []engine.Run

	// PageSize bounds each scan page so pagination is exercised.
	PageSize int

	// FailPage, if set, is consulted before each page fetch (page counts from 0).
	FailPage func(kind engine.Kind, page int) error

	// FailUpdate, if set, is consulted before each association write.
	FailUpdate func(key engine.Key) error

	scanPages map[engine.Kind]int
}

func NewMemory(schema engine.Schema) *Memory {
	return &Memory{
		schema:    schema.WithDefaults(),
		items:     make(map[engine.Key]engine.Item),
		PageSize:  DefaultPageSize,
		scanPages: make(map[engine.Kind]int),
	}
}

// Put stores a raw item, replacing any item with the same key.
func (m *Memory) Put(_ context.Context, it engine.Item) error {
	key, err := m.schema.KeyOf(m.schema.KindOf(it), it)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = it.Clone()
	return nil
}

// PutAll stores every item, stopping at the first invalid one.
func (m *Memory) PutAll(ctx context.Context, items []engine.Item) error {
	for _, it := range items {
		if err := m.Put(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the item at key.
func (m *Memory) Get(key engine.Key) (engine.Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// ScanByKind follows pages through engine.CollectPages.
func (m *Memory) ScanByKind(ctx context.Context, kind engine.Kind) ([]engine.Item, error) {
	m.mu.Lock()
	m.scanPages[kind] = 0
	m.mu.Unlock()
	return engine.CollectPages(ctx, kind, m.ScanPage)
}

// ScanPage returns up to PageSize items of kind after the cursor, in key order.
func (m *Memory) ScanPage(_ context.Context, kind engine.Kind, after *engine.Cursor) (engine.Page, error) {
	m.mu.Lock()
	page := m.scanPages[kind]
	m.scanPages[kind] = page + 1
	m.mu.Unlock()

	if m.FailPage != nil {
		if err := m.FailPage(kind, page); err != nil {
			return engine.Page{}, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	keys := m.sortedKeysLocked()
	var out engine.Page
	for _, k := range keys {
		if after != nil && !keyAfter(k, *after) {
			continue
		}
		it := m.items[k]
		if m.schema.KindOf(it) != kind {
			continue
		}
		if len(out.Items) == size {
			last := out.Items[len(out.Items)-1]
			lk, _ := m.schema.KeyOf(kind, last)
			out.Next = &engine.Cursor{PK: lk.PK, SK: lk.SK}
			return out, nil
		}
		out.Items = append(out.Items, it.Clone())
	}
	return out, nil
}

// UpdateAssociation sets the vial id and update timestamp. Last writer wins.
func (m *Memory) UpdateAssociation(_ context.Context, key engine.Key, vial engine.VialID, at time.Time) error {
	return m.update(key, nil, false, vial, at)
}

// UpdateAssociationIf is UpdateAssociation guarded by the expected current value.
func (m *Memory) UpdateAssociationIf(_ context.Context, key engine.Key, expected *engine.VialID, vial engine.VialID, at time.Time) error {
	return m.update(key, expected, true, vial, at)
}

func (m *Memory) update(key engine.Key, expected *engine.VialID, conditional bool, vial engine.VialID, at time.Time) error {
	if m.FailUpdate != nil {
		if err := m.FailUpdate(key); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return engine.ErrItemNotFound
	}
	if conditional && !associationMatches(it[m.schema.VialID], expected) {
		return engine.ErrConcurrentModification
	}

	updated := it.Clone()
	updated[m.schema.VialID] = engine.String(string(vial))
	updated[m.schema.UpdatedAt] = engine.String(engine.UpdateTimestamp(at))
	m.items[key] = updated
	return nil
}

// associationMatches compares a stored attribute to an expected association.
func associationMatches(stored engine.Attribute, expected *engine.VialID) bool {
	if expected == nil {
		return stored.Kind == "" || stored.IsNull() || (stored.Kind == engine.AttrString && stored.S == "")
	}
	return stored.Kind == engine.AttrString && stored.S == string(*expected)
}

// Reset deletes every item. Runs are kept.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[engine.Key]engine.Item)
	return nil
}

// Dump renders the whole table deterministically. Two dumps are byte-equal
// iff the table content is identical.
func (m *Memory) Dump() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeysLocked()
	items := make([]engine.Item, 0, len(keys))
	for _, k := range keys {
		items = append(items, m.items[k])
	}
	b, _ := json.Marshal(items)
	return b
}

func (m *Memory) sortedKeysLocked() []engine.Key {
	keys := make([]engine.Key, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PK != keys[j].PK {
			return keys[i].PK < keys[j].PK
		}
		return keys[i].SK < keys[j].SK
	})
	return keys
}

func keyAfter(k engine.Key, c engine.Cursor) bool {
	if k.PK != c.PK {
		return k.PK > c.PK
	}
	return k.SK > c.SK
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run engine.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListRuns returns the newest runs first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Run, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
