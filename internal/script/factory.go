package script

import (
	"fmt"
)

// EngineSet holds one engine per execution phase and implements
// EngineSelector
type EngineSet struct {
	engines map[ExecutionPhase]*Engine
}

// DefaultPhaseConfigs returns the preset each phase runs under: before hooks
// are inline with a write and get the strict preset, manual runs are
// trusted and get the relaxed one.
func DefaultPhaseConfigs() map[ExecutionPhase]EngineConfig {
	return map[ExecutionPhase]EngineConfig{
		PhaseBefore:    StrictEngineConfig(),
		PhaseAfter:     DefaultEngineConfig(),
		PhaseOnCommit:  DefaultEngineConfig(),
		PhaseScheduled: DefaultEngineConfig(),
		PhaseManual:    RelaxedEngineConfig(),
	}
}

// NewEngineSet builds an engine for every phase. Phases missing from
// configs use DefaultEngineConfig.
func NewEngineSet(bridge *Bridge, configs map[ExecutionPhase]EngineConfig) (*EngineSet, error) {
	set := &EngineSet{engines: make(map[ExecutionPhase]*Engine, len(AllPhases))}
	for _, phase := range AllPhases {
		config, ok := configs[phase]
		if !ok {
			config = DefaultEngineConfig()
		}
		engine, err := NewEngine(config, bridge)
		if err != nil {
			return nil, fmt.Errorf("engine for phase %s: %w", phase, err)
		}
		set.engines[phase] = engine
	}
	return set, nil
}

// NewSingleEngineSet serves every phase from one engine
func NewSingleEngineSet(engine *Engine) *EngineSet {
	set := &EngineSet{engines: make(map[ExecutionPhase]*Engine, len(AllPhases))}
	for _, phase := range AllPhases {
		set.engines[phase] = engine
	}
	return set
}

// EngineFor returns the interpreter for a phase
func (s *EngineSet) EngineFor(phase ExecutionPhase) Interpreter {
	engine, ok := s.engines[phase]
	if !ok {
		return nil
	}
	return engine
}

// Engine returns the concrete engine for a phase
func (s *EngineSet) Engine(phase ExecutionPhase) (*Engine, error) {
	engine, ok := s.engines[phase]
	if !ok {
		return nil, fmt.Errorf("no engine for phase: %s", phase)
	}
	return engine, nil
}

// Check compiles a script under the engine of the phase its trigger selects
func (s *EngineSet) Check(sc *Script) error {
	phase, err := sc.Trigger.Phase()
	if err != nil {
		return NewScriptError(ErrorTypeInvalidScript, sc.Name, err.Error(), nil)
	}
	engine, err := s.Engine(phase)
	if err != nil {
		return err
	}
	return engine.Compile(sc.Name, sc.Code, phase)
}
