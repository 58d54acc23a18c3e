package database

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/nfrund/hookscript/internal/script"
)

// MemoryRecords is a process-local script.RecordStore for development and
// tests. Records are copied in and out.
type MemoryRecords struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{tables: make(map[string]map[string]map[string]any)}
}

func (m *MemoryRecords) Get(ctx context.Context, entityType, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tables[entityType][id]
	if !ok {
		return nil, script.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

// Find returns matching records ordered by id
func (m *MemoryRecords) Find(ctx context.Context, entityType string, filter map[string]any, limit int) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table := m.tables[entityType]
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0)
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if matches(table[id], filter) {
			out = append(out, copyRecord(table[id]))
		}
	}
	return out, nil
}

func (m *MemoryRecords) Create(ctx context.Context, entityType string, fields map[string]any) (map[string]any, error) {
	rec := copyRecord(fields)
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	rec["id"] = id

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[entityType] == nil {
		m.tables[entityType] = make(map[string]map[string]any)
	}
	m.tables[entityType][id] = rec
	return copyRecord(rec), nil
}

func (m *MemoryRecords) Update(ctx context.Context, entityType, id string, fields map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[entityType][id]
	if !ok {
		return nil, script.ErrRecordNotFound
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	return copyRecord(rec), nil
}

func matches(rec, filter map[string]any) bool {
	for k, want := range filter {
		if !reflect.DeepEqual(rec[k], want) {
			return false
		}
	}
	return true
}

func copyRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
