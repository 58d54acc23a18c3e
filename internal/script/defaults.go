package script

import (
	"fmt"
	"time"
)

// EngineConfig holds the resource ceilings an Engine enforces on every run.
// It is copied into the Engine at construction and never changes afterwards.
type EngineConfig struct {
	MaxOperations int64         `validate:"gt=0"`
	Timeout       time.Duration `validate:"gt=0"`
	MaxCallDepth  int           `validate:"gt=0,lt=1000"`
	MaxStringSize int           `validate:"gt=0"`
	MaxArraySize  int           `validate:"gt=0"`
	MaxMapDepth   int           `validate:"gt=0"`

	// AllowedModules lists the Tengo stdlib modules scripts may import
	AllowedModules []string
}

// defaultAllowedModules is the stdlib allow-list shared by all presets
var defaultAllowedModules = []string{
	"fmt",
	"math",
	"text",
	"json",
	"times",
	"enum",
}

// DefaultEngineConfig is the bounded preset used for after/on_commit scripts
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxOperations:  50_000,
		Timeout:        100 * time.Millisecond,
		MaxCallDepth:   32,
		MaxStringSize:  64 * 1024,
		MaxArraySize:   10_000,
		MaxMapDepth:    16,
		AllowedModules: cloneModules(),
	}
}

// RelaxedEngineConfig is for trusted and manual contexts
func RelaxedEngineConfig() EngineConfig {
	return EngineConfig{
		MaxOperations:  500_000,
		Timeout:        5 * time.Second,
		MaxCallDepth:   64,
		MaxStringSize:  1024 * 1024,
		MaxArraySize:   100_000,
		MaxMapDepth:    32,
		AllowedModules: cloneModules(),
	}
}

// StrictEngineConfig is for hot inline paths such as before-phase validation
func StrictEngineConfig() EngineConfig {
	return EngineConfig{
		MaxOperations:  10_000,
		Timeout:        50 * time.Millisecond,
		MaxCallDepth:   8,
		MaxStringSize:  16 * 1024,
		MaxArraySize:   1_000,
		MaxMapDepth:    8,
		AllowedModules: cloneModules(),
	}
}

// EngineConfigForPreset resolves a preset by name
func EngineConfigForPreset(name string) (EngineConfig, error) {
	switch name {
	case "", "default":
		return DefaultEngineConfig(), nil
	case "relaxed":
		return RelaxedEngineConfig(), nil
	case "strict":
		return StrictEngineConfig(), nil
	default:
		return EngineConfig{}, fmt.Errorf("unknown engine preset: %s", name)
	}
}

func cloneModules() []string {
	modules := make([]string, len(defaultAllowedModules))
	copy(modules, defaultAllowedModules)
	return modules
}

// clone returns a deep copy so the engine's limits cannot be changed through
// the caller's slice
func (c EngineConfig) clone() EngineConfig {
	out := c
	out.AllowedModules = make([]string, len(c.AllowedModules))
	copy(out.AllowedModules, c.AllowedModules)
	return out
}
