package catalogue

import (
	"context"
	"sync"

	"github.com/nfrund/hookscript/internal/script"
)

// Memory is a map-backed catalogue. Callers get copies, never the stored
// records.
type Memory struct {
	mu      sync.RWMutex
	scripts map[script.ScriptID]*script.Script
	changes listeners
}

// NewMemory creates a catalogue holding the given scripts. Invalid scripts are
// rejected.
func NewMemory(scripts ...*script.Script) (*Memory, error) {
	m := &Memory{scripts: make(map[script.ScriptID]*script.Script)}
	for _, s := range scripts {
		if _, err := m.put(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Memory) Get(ctx context.Context, id script.ScriptID) (*script.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scripts[id]
	if !ok {
		return nil, script.NewNotFoundError(string(id))
	}
	return clone(s), nil
}

func (m *Memory) GetByName(ctx context.Context, name string) (*script.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.scripts {
		if s.Name == name {
			return clone(s), nil
		}
	}
	return nil, script.NewNotFoundError(name)
}

func (m *Memory) Find(ctx context.Context, q script.Query) ([]*script.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*script.Script, 0)
	for _, s := range m.scripts {
		if q.Matches(s) {
			out = append(out, clone(s))
		}
	}
	sortByName(out)
	return out, nil
}

func (m *Memory) RecordError(ctx context.Context, id script.ScriptID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scripts[id]
	if !ok {
		return script.NewNotFoundError(string(id))
	}
	s.ErrorCount++
	return nil
}

func (m *Memory) Put(ctx context.Context, s *script.Script) (*script.Script, error) {
	out, err := m.put(s)
	if err != nil {
		return nil, err
	}
	m.changes.notify()
	return out, nil
}

func (m *Memory) put(s *script.Script) (*script.Script, error) {
	if s == nil {
		return nil, Validate(nil)
	}
	prepared := prepare(s)
	if err := Validate(prepared); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.scripts {
		if existing.Name == prepared.Name && id != prepared.ID {
			return nil, ErrDuplicateName
		}
	}
	if existing, ok := m.scripts[prepared.ID]; ok && prepared.ErrorCount == 0 {
		prepared.ErrorCount = existing.ErrorCount
	}
	m.scripts[prepared.ID] = prepared
	return clone(prepared), nil
}

func (m *Memory) Delete(ctx context.Context, id script.ScriptID) error {
	m.mu.Lock()
	if _, ok := m.scripts[id]; !ok {
		m.mu.Unlock()
		return script.NewNotFoundError(string(id))
	}
	delete(m.scripts, id)
	m.mu.Unlock()

	m.changes.notify()
	return nil
}

func (m *Memory) List(ctx context.Context) ([]*script.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*script.Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		out = append(out, clone(s))
	}
	sortByName(out)
	return out, nil
}

func (m *Memory) OnChange(fn func()) {
	m.changes.add(fn)
}

// replace swaps the whole contents, keeping the error counters of scripts
// that survive
func (m *Memory) replace(scripts []*script.Script) {
	m.mu.Lock()
	next := make(map[script.ScriptID]*script.Script, len(scripts))
	for _, s := range scripts {
		if existing, ok := m.scripts[s.ID]; ok {
			s.ErrorCount = existing.ErrorCount
		}
		next[s.ID] = s
	}
	m.scripts = next
	m.mu.Unlock()

	m.changes.notify()
}
