package catalogue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nfrund/hookscript/internal/database"
	"github.com/nfrund/hookscript/internal/script"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

const surrealTable = "script"

// scriptRow is the stored shape of a script record
type scriptRow struct {
	ID          *models.RecordID `json:"id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Code        string           `json:"code"`
	Status      string           `json:"status"`
	Trigger     script.Trigger   `json:"trigger"`
	ErrorCount  int64            `json:"error_count"`
	UpdatedAt   string           `json:"updated_at"`
}

func (r *scriptRow) toScript() *script.Script {
	s := &script.Script{
		Name:        r.Name,
		Description: r.Description,
		Code:        r.Code,
		Status:      script.ScriptStatus(r.Status),
		Trigger:     r.Trigger,
		ErrorCount:  r.ErrorCount,
	}
	if r.ID != nil {
		s.ID = script.ScriptID(fmt.Sprint(r.ID.ID))
	}
	if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
		s.UpdatedAt = t
	}
	return s
}

func toScripts(rows []scriptRow) []*script.Script {
	out := make([]*script.Script, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toScript())
	}
	return out
}

// Surreal stores scripts in the `script` table, keyed by script id
type Surreal struct {
	db      *surrealdb.DB
	changes listeners
}

// NewSurreal prepares the script table on an open connection
func NewSurreal(ctx context.Context, db *surrealdb.DB) (*Surreal, error) {
	err := database.Execute(ctx, db, `
		DEFINE TABLE IF NOT EXISTS script SCHEMALESS;
		DEFINE FIELD IF NOT EXISTS error_count ON script TYPE int DEFAULT 0;
		DEFINE INDEX IF NOT EXISTS script_name ON script FIELDS name UNIQUE;
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare script table: %w", err)
	}
	return &Surreal{db: db}, nil
}

func (s *Surreal) one(ctx context.Context, key, query string, params map[string]any) (*script.Script, error) {
	row, err := database.QueryOne[scriptRow](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", key, err)
	}
	if row == nil {
		return nil, script.NewNotFoundError(key)
	}
	return row.toScript(), nil
}

func (s *Surreal) Get(ctx context.Context, id script.ScriptID) (*script.Script, error) {
	return s.one(ctx, string(id), "SELECT * FROM type::thing($tb, $id)",
		map[string]any{"tb": surrealTable, "id": string(id)})
}

func (s *Surreal) GetByName(ctx context.Context, name string) (*script.Script, error) {
	return s.one(ctx, name, "SELECT * FROM type::table($tb) WHERE name = $name",
		map[string]any{"tb": surrealTable, "name": name})
}

func (s *Surreal) Find(ctx context.Context, q script.Query) ([]*script.Script, error) {
	params := map[string]any{"tb": surrealTable, "active": string(script.StatusActive)}
	var where string
	switch q.Kind {
	case script.QueryByStatus:
		where = "status = $status"
		params["status"] = string(q.Status)
	case script.QueryByEvent:
		where = "status = $active AND trigger.kind = $kind AND trigger.entity_type = $entity_type AND trigger.event = $event"
		params["kind"] = string(script.TriggerEvent)
		params["entity_type"] = q.EntityType
		params["event"] = string(q.Event)
	case script.QueryScheduled:
		where = "status = $active AND trigger.kind = $kind"
		params["kind"] = string(script.TriggerCron)
	case script.QueryByAPI:
		where = "status = $active AND trigger.kind = $kind AND trigger.path = $path AND trigger.method = $method"
		params["kind"] = string(script.TriggerAPI)
		params["path"] = q.Path
		params["method"] = strings.ToUpper(q.Method)
	default:
		return nil, fmt.Errorf("unknown query kind %q", string(q.Kind))
	}

	rows, err := database.Query[scriptRow](ctx, s.db,
		"SELECT * FROM type::table($tb) WHERE "+where+" ORDER BY name", params)
	if err != nil {
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	return toScripts(rows), nil
}

func (s *Surreal) RecordError(ctx context.Context, id script.ScriptID) error {
	row, err := database.QueryOne[scriptRow](ctx, s.db,
		"UPDATE type::thing($tb, $id) SET error_count += 1 RETURN AFTER",
		map[string]any{"tb": surrealTable, "id": string(id)})
	if err != nil {
		return fmt.Errorf("failed to record error for script %s: %w", id, err)
	}
	if row == nil {
		return script.NewNotFoundError(string(id))
	}
	return nil
}

// Put upserts the script. The stored error counter is kept.
func (s *Surreal) Put(ctx context.Context, sc *script.Script) (*script.Script, error) {
	if sc == nil {
		return nil, Validate(nil)
	}
	prepared := prepare(sc)
	if err := Validate(prepared); err != nil {
		return nil, err
	}

	if existing, err := s.GetByName(ctx, prepared.Name); err == nil && existing.ID != prepared.ID {
		return nil, ErrDuplicateName
	} else if err != nil && !script.IsNotFound(err) {
		return nil, err
	}

	content := map[string]any{
		"name":        prepared.Name,
		"description": prepared.Description,
		"code":        prepared.Code,
		"status":      string(prepared.Status),
		"trigger":     prepared.Trigger,
		"updated_at":  prepared.UpdatedAt.Format(time.RFC3339Nano),
	}
	row, err := database.QueryOne[scriptRow](ctx, s.db,
		"UPSERT type::thing($tb, $id) MERGE $content RETURN AFTER",
		map[string]any{"tb": surrealTable, "id": string(prepared.ID), "content": content})
	if err != nil {
		return nil, fmt.Errorf("failed to save script %q: %w", prepared.Name, err)
	}
	if row == nil {
		return nil, fmt.Errorf("save of script %q returned no record", prepared.Name)
	}

	s.changes.notify()
	return row.toScript(), nil
}

func (s *Surreal) Delete(ctx context.Context, id script.ScriptID) error {
	row, err := database.QueryOne[scriptRow](ctx, s.db,
		"DELETE type::thing($tb, $id) RETURN BEFORE",
		map[string]any{"tb": surrealTable, "id": string(id)})
	if err != nil {
		return fmt.Errorf("failed to delete script %s: %w", id, err)
	}
	if row == nil {
		return script.NewNotFoundError(string(id))
	}
	s.changes.notify()
	return nil
}

func (s *Surreal) List(ctx context.Context) ([]*script.Script, error) {
	rows, err := database.Query[scriptRow](ctx, s.db, "SELECT * FROM type::table($tb) ORDER BY name",
		map[string]any{"tb": surrealTable})
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	return toScripts(rows), nil
}

func (s *Surreal) OnChange(fn func()) {
	s.changes.add(fn)
}
