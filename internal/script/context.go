package script

import (
	"maps"
	"sync"
	"sync/atomic"
)

// executionCounter hands out process-wide, monotonically increasing execution ids
var executionCounter atomic.Uint64

func nextExecutionID() uint64 {
	return executionCounter.Add(1)
}

// ExecutionContext carries the per-run state of one script execution.
// It is a value type: copies are cheap and independent, except for the
// entity proxy pointer, which callers attach per execution.
type ExecutionContext struct {
	Phase       ExecutionPhase
	ExecutionID uint64
	CallDepth   int
	Entity      *EntityProxy
}

// NewExecutionContext starts a top-level context at depth 0 with a fresh id
func NewExecutionContext(phase ExecutionPhase) ExecutionContext {
	return ExecutionContext{
		Phase:       phase,
		ExecutionID: nextExecutionID(),
	}
}

// WithEntityProxy returns a copy carrying the proxy
func (c ExecutionContext) WithEntityProxy(proxy *EntityProxy) ExecutionContext {
	c.Entity = proxy
	return c
}

// Child returns the context for a script invoked from within this one:
// same phase, depth+1, fresh id, no entity.
func (c ExecutionContext) Child() ExecutionContext {
	return ExecutionContext{
		Phase:       c.Phase,
		ExecutionID: nextExecutionID(),
		CallDepth:   c.CallDepth + 1,
	}
}

// EntityProxy is a read-snapshot plus write-overlay view of one business
// record. The snapshot is never mutated; writes accumulate in the overlay so
// the host can apply exactly the fields a script touched.
type EntityProxy struct {
	mu      sync.RWMutex
	data    map[string]any
	changes map[string]any
}

// NewEntityProxy wraps a snapshot. The map is copied, so later changes by the
// caller do not leak into the proxy.
func NewEntityProxy(data map[string]any) *EntityProxy {
	snapshot := make(map[string]any, len(data))
	maps.Copy(snapshot, data)
	return &EntityProxy{
		data:    snapshot,
		changes: make(map[string]any),
	}
}

// Get returns the overlay value if present, else the snapshot value, else nil
func (p *EntityProxy) Get(field string) any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if v, ok := p.changes[field]; ok {
		return v
	}
	if v, ok := p.data[field]; ok {
		return v
	}
	return nil
}

// Set writes to the overlay only
func (p *EntityProxy) Set(field string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes[field] = value
}

// IsChanged reports whether the field was written
func (p *EntityProxy) IsChanged(field string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.changes[field]
	return ok
}

// HasChanges reports whether any field was written
func (p *EntityProxy) HasChanges() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.changes) > 0
}

// Changes returns a copy of the overlay
func (p *EntityProxy) Changes() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.changes))
	maps.Copy(out, p.changes)
	return out
}

// Snapshot returns a copy of the original data
func (p *EntityProxy) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.data))
	maps.Copy(out, p.data)
	return out
}

// Merged returns the snapshot with the overlay applied
func (p *EntityProxy) Merged() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.data)+len(p.changes))
	maps.Copy(out, p.data)
	maps.Copy(out, p.changes)
	return out
}
