package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nfrund/hookscript/internal/script"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifier(kind, name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid %s %q", kind, name)
	}
	return nil
}

// SurrealRecords is the script.RecordStore over SurrealDB. An entity type is
// a table; ids are the record key without the table prefix.
type SurrealRecords struct {
	db *surrealdb.DB
}

// NewSurrealRecords creates a record store on an open connection
func NewSurrealRecords(db *surrealdb.DB) *SurrealRecords {
	return &SurrealRecords{db: db}
}

func (r *SurrealRecords) Get(ctx context.Context, entityType, id string) (map[string]any, error) {
	if err := checkIdentifier("entity type", entityType); err != nil {
		return nil, err
	}
	row, err := QueryOne[map[string]any](ctx, r.db,
		"SELECT * FROM type::thing($tb, $id)",
		map[string]any{"tb": entityType, "id": id})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, script.ErrRecordNotFound
	}
	return normalizeRecord(*row), nil
}

func (r *SurrealRecords) Find(ctx context.Context, entityType string, filter map[string]any, limit int) ([]map[string]any, error) {
	if err := checkIdentifier("entity type", entityType); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if err := checkIdentifier("field", k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := map[string]any{"tb": entityType, "limit": limit}
	clauses := make([]string, 0, len(keys))
	for i, k := range keys {
		param := fmt.Sprintf("f%d", i)
		clauses = append(clauses, fmt.Sprintf("%s = $%s", k, param))
		params[param] = filter[k]
	}

	query := "SELECT * FROM type::table($tb)"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id LIMIT $limit"

	rows, err := Query[map[string]any](ctx, r.db, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, normalizeRecord(row))
	}
	return out, nil
}

func (r *SurrealRecords) Create(ctx context.Context, entityType string, fields map[string]any) (map[string]any, error) {
	if err := checkIdentifier("entity type", entityType); err != nil {
		return nil, err
	}
	content := withoutID(fields)
	row, err := QueryOne[map[string]any](ctx, r.db,
		"CREATE type::table($tb) CONTENT $content RETURN AFTER",
		map[string]any{"tb": entityType, "content": content})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("create %s returned no record", entityType)
	}
	return normalizeRecord(*row), nil
}

func (r *SurrealRecords) Update(ctx context.Context, entityType, id string, fields map[string]any) (map[string]any, error) {
	if err := checkIdentifier("entity type", entityType); err != nil {
		return nil, err
	}
	row, err := QueryOne[map[string]any](ctx, r.db,
		"UPDATE type::thing($tb, $id) MERGE $content RETURN AFTER",
		map[string]any{"tb": entityType, "id": id, "content": withoutID(fields)})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, script.ErrRecordNotFound
	}
	return normalizeRecord(*row), nil
}

func withoutID(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

// normalizeRecord flattens record ids into their key so scripts see plain
// strings
func normalizeRecord(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case models.RecordID:
		return fmt.Sprint(val.ID)
	case *models.RecordID:
		if val == nil {
			return nil
		}
		return fmt.Sprint(val.ID)
	case map[string]any:
		return normalizeRecord(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
