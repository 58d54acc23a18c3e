package catalogue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nfrund/hookscript/internal/script"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

const scriptColumns = `id, name, description, code, status, trigger_kind, entity_type, event, expression, path, method, error_count, updated_at`

// SQLite stores scripts in a single table
type SQLite struct {
	db      *sql.DB
	changes listeners
}

// NewSQLite opens (and migrates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: writers serialize and :memory: stays a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if path != ":memory:" {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("failed to migrate script catalogue: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (*script.Script, error) {
	var (
		s         script.Script
		id        string
		status    string
		kind      string
		event     string
		updatedAt string
	)
	err := row.Scan(&id, &s.Name, &s.Description, &s.Code, &status, &kind,
		&s.Trigger.EntityType, &event, &s.Trigger.Expression, &s.Trigger.Path, &s.Trigger.Method,
		&s.ErrorCount, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.ID = script.ScriptID(id)
	s.Status = script.ScriptStatus(status)
	s.Trigger.Kind = script.TriggerKind(kind)
	s.Trigger.Event = script.EventType(event)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		s.UpdatedAt = t
	}
	return &s, nil
}

func (s *SQLite) getOne(ctx context.Context, key, where string, arg any) (*script.Script, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE `+where, arg)
	sc, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, script.NewNotFoundError(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", key, err)
	}
	return sc, nil
}

func (s *SQLite) Get(ctx context.Context, id script.ScriptID) (*script.Script, error) {
	return s.getOne(ctx, string(id), `id = ?`, string(id))
}

func (s *SQLite) GetByName(ctx context.Context, name string) (*script.Script, error) {
	return s.getOne(ctx, name, `name = ?`, name)
}

func (s *SQLite) Find(ctx context.Context, q script.Query) ([]*script.Script, error) {
	var (
		where string
		args  []any
	)
	active := string(script.StatusActive)
	switch q.Kind {
	case script.QueryByStatus:
		where, args = `status = ?`, []any{string(q.Status)}
	case script.QueryByEvent:
		where = `status = ? AND trigger_kind = ? AND entity_type = ? AND event = ?`
		args = []any{active, string(script.TriggerEvent), q.EntityType, string(q.Event)}
	case script.QueryScheduled:
		where, args = `status = ? AND trigger_kind = ?`, []any{active, string(script.TriggerCron)}
	case script.QueryByAPI:
		where = `status = ? AND trigger_kind = ? AND path = ? AND method = ?`
		args = []any{active, string(script.TriggerAPI), q.Path, strings.ToUpper(q.Method)}
	default:
		return nil, fmt.Errorf("unknown query kind %q", string(q.Kind))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE `+where+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*script.Script, error) {
	defer rows.Close()
	out := make([]*script.Script, 0)
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordError(ctx context.Context, id script.ScriptID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scripts SET error_count = error_count + 1 WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to record error for script %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return script.NewNotFoundError(string(id))
	}
	return nil
}

// Put upserts the script. The stored error counter is kept.
func (s *SQLite) Put(ctx context.Context, sc *script.Script) (*script.Script, error) {
	if sc == nil {
		return nil, Validate(nil)
	}
	prepared := prepare(sc)
	if err := Validate(prepared); err != nil {
		return nil, err
	}

	var other string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM scripts WHERE name = ? AND id != ?`, prepared.Name, string(prepared.ID)).Scan(&other)
	if err == nil {
		return nil, ErrDuplicateName
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check script name: %w", err)
	}

	t := prepared.Trigger
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scripts(`+scriptColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, code=excluded.code,
		   status=excluded.status, trigger_kind=excluded.trigger_kind, entity_type=excluded.entity_type,
		   event=excluded.event, expression=excluded.expression, path=excluded.path,
		   method=excluded.method, updated_at=excluded.updated_at`,
		string(prepared.ID), prepared.Name, prepared.Description, prepared.Code, string(prepared.Status),
		string(t.Kind), t.EntityType, string(t.Event), t.Expression, t.Path, t.Method,
		prepared.ErrorCount, prepared.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save script %q: %w", prepared.Name, err)
	}

	s.changes.notify()
	return s.Get(ctx, prepared.ID)
}

func (s *SQLite) Delete(ctx context.Context, id script.ScriptID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete script %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return script.NewNotFoundError(string(id))
	}
	s.changes.notify()
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]*script.Script, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	return collect(rows)
}

func (s *SQLite) OnChange(fn func()) {
	s.changes.add(fn)
}

// Shutdown lets the DI container close the database
func (s *SQLite) Shutdown() error {
	return s.Close()
}
