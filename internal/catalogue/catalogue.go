// Package catalogue provides the script catalogue backends: an in-memory
// map, a directory of YAML records, SQLite and SurrealDB.
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nfrund/hookscript/internal/script"
)

// ErrDuplicateName is returned when a script name is already used by another
// script
var ErrDuplicateName = errors.New("script name already in use")

// Store is a catalogue that can also be edited
type Store interface {
	script.Catalogue

	// Put creates or replaces a script. A script without an id gets one.
	Put(ctx context.Context, s *script.Script) (*script.Script, error)
	// Delete removes a script by id
	Delete(ctx context.Context, id script.ScriptID) error
	// List returns every script in name order
	List(ctx context.Context) ([]*script.Script, error)
	// OnChange registers a listener called after the catalogue contents change
	OnChange(fn func())
}

var validate = validator.New()

// Validate checks a script record. A cron expression is only checked for
// presence; the scheduler decides whether it can run.
func Validate(s *script.Script) error {
	if s == nil {
		return fmt.Errorf("script is nil")
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid script %q: %w", s.Name, err)
	}
	if err := s.Trigger.Validate(); err != nil {
		return fmt.Errorf("invalid script %q: %w", s.Name, err)
	}
	return nil
}

// prepare assigns an id and timestamp before validation
func prepare(s *script.Script) *script.Script {
	out := *s
	if out.ID == "" {
		out.ID = script.ScriptID(uuid.NewString())
	}
	if out.Status == "" {
		out.Status = script.StatusDraft
	}
	out.UpdatedAt = time.Now().UTC()
	return &out
}

func clone(s *script.Script) *script.Script {
	out := *s
	return &out
}

func sortByName(scripts []*script.Script) {
	sort.Slice(scripts, func(i, j int) bool {
		if scripts[i].Name == scripts[j].Name {
			return scripts[i].ID < scripts[j].ID
		}
		return scripts[i].Name < scripts[j].Name
	})
}

// listeners fans out change notifications
type listeners struct {
	mu  sync.Mutex
	fns []func()
}

func (l *listeners) add(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners) notify() {
	l.mu.Lock()
	fns := append([]func(){}, l.fns...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
