package script

import (
	"context"
)

// Catalogue persists and queries script records
type Catalogue interface {
	// Get retrieves a script by id
	Get(ctx context.Context, id ScriptID) (*Script, error)

	// GetByName retrieves a script by its tenant-unique name
	GetByName(ctx context.Context, name string) (*Script, error)

	// Find returns the scripts matching the query, in name order
	Find(ctx context.Context, q Query) ([]*Script, error)

	// RecordError increments the failure counter of a script
	RecordError(ctx context.Context, id ScriptID) error
}

// Interpreter compiles and runs one script source under a context
type Interpreter interface {
	Execute(ctx context.Context, scriptName, source string, execCtx *ExecutionContext) (any, error)
}

// EngineSelector picks the interpreter a phase runs under
type EngineSelector interface {
	EngineFor(phase ExecutionPhase) Interpreter
}

// RecordStore is the host data-access layer exposed to after, manual and
// scheduled scripts
type RecordStore interface {
	Get(ctx context.Context, entityType, id string) (map[string]any, error)
	Find(ctx context.Context, entityType string, filter map[string]any, limit int) ([]map[string]any, error)
	Create(ctx context.Context, entityType string, fields map[string]any) (map[string]any, error)
	Update(ctx context.Context, entityType, id string, fields map[string]any) (map[string]any, error)
}

// Notifier is the host external-effect layer exposed to on_commit, manual and
// scheduled scripts
type Notifier interface {
	Notify(ctx context.Context, channel, message string, payload map[string]any) error
	Webhook(ctx context.Context, url string, payload map[string]any) (int, error)
}

// ScriptInvoker runs a named script as a child of the calling execution
type ScriptInvoker interface {
	Invoke(ctx context.Context, name string, parent ExecutionContext) (*ExecutionResult, error)
}
