package script

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubCatalogue is an in-package catalogue for executor and orchestrator
// tests
type stubCatalogue struct {
	mu        sync.Mutex
	scripts   map[ScriptID]*Script
	errCounts map[ScriptID]int
	recordErr error
	findErr   error
}

func newStubCatalogue(scripts ...*Script) *stubCatalogue {
	c := &stubCatalogue{
		scripts:   make(map[ScriptID]*Script),
		errCounts: make(map[ScriptID]int),
	}
	for _, s := range scripts {
		c.scripts[s.ID] = s
	}
	return c
}

func (c *stubCatalogue) Get(ctx context.Context, id ScriptID) (*Script, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scripts[id]
	if !ok {
		return nil, NewNotFoundError(string(id))
	}
	return s, nil
}

func (c *stubCatalogue) GetByName(ctx context.Context, name string) (*Script, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scripts {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, NewNotFoundError(name)
}

func (c *stubCatalogue) Find(ctx context.Context, q Query) ([]*Script, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return nil, c.findErr
	}
	var out []*Script
	for _, s := range c.scripts {
		if q.Matches(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *stubCatalogue) RecordError(ctx context.Context, id ScriptID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errCounts[id]++
	return c.recordErr
}

func (c *stubCatalogue) errorCount(id ScriptID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCounts[id]
}

// spyInterpreter records invocations and returns a canned answer
type spyInterpreter struct {
	mu    sync.Mutex
	calls int
	value any
	err   error
	run   func(execCtx *ExecutionContext)
}

func (s *spyInterpreter) Execute(ctx context.Context, scriptName, source string, execCtx *ExecutionContext) (any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.run != nil {
		s.run(execCtx)
	}
	return s.value, s.err
}

func (s *spyInterpreter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type spySelector struct {
	interpreter Interpreter
}

func (s spySelector) EngineFor(phase ExecutionPhase) Interpreter {
	return s.interpreter
}

// memoryRecords is a minimal RecordStore
type memoryRecords struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any
	nextID  int
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{records: make(map[string]map[string]map[string]any)}
}

func (m *memoryRecords) Get(ctx context.Context, entityType, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entityType][id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (m *memoryRecords) Find(ctx context.Context, entityType string, filter map[string]any, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	ids := make([]string, 0, len(m.records[entityType]))
	for id := range m.records[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := m.records[entityType][id]
		match := true
		for k, v := range filter {
			if rec[k] != v {
				match = false
			}
		}
		if match && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryRecords) Create(ctx context.Context, entityType string, fields map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("%s-%d", entityType, m.nextID)
	rec := map[string]any{"id": id}
	for k, v := range fields {
		rec[k] = v
	}
	if m.records[entityType] == nil {
		m.records[entityType] = make(map[string]map[string]any)
	}
	m.records[entityType][id] = rec
	return rec, nil
}

func (m *memoryRecords) Update(ctx context.Context, entityType, id string, fields map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entityType][id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	for k, v := range fields {
		rec[k] = v
	}
	return rec, nil
}

type sentNotification struct {
	channel string
	message string
	payload map[string]any
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []sentNotification
	webhooks []string
	status   int
}

func (n *fakeNotifier) Notify(ctx context.Context, channel, message string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{channel: channel, message: message, payload: payload})
	return nil
}

func (n *fakeNotifier) Webhook(ctx context.Context, url string, payload map[string]any) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.webhooks = append(n.webhooks, url)
	if n.status == 0 {
		return 200, nil
	}
	return n.status, nil
}

func newTestEngine(t *testing.T, config EngineConfig, bridge *Bridge) *Engine {
	t.Helper()
	if bridge == nil {
		bridge = NewBridge(nil, nil)
	}
	engine, err := NewEngine(config, bridge)
	require.NoError(t, err)
	return engine
}

func requireScriptError(t *testing.T, err error, errorType ErrorType) *ScriptError {
	t.Helper()
	require.Error(t, err)
	scriptErr, ok := err.(*ScriptError)
	require.True(t, ok, "expected *ScriptError, got %T: %v", err, err)
	require.Equal(t, errorType, scriptErr.Type, "error: %v", err)
	return scriptErr
}

func activeScript(id, name, code string, trigger Trigger) *Script {
	return &Script{
		ID:      ScriptID(id),
		Name:    name,
		Code:    code,
		Status:  StatusActive,
		Trigger: trigger,
	}
}
