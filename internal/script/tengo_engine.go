package script

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/parser"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/go-playground/validator/v10"
)

const (
	entityGlobal = "entity"
	resultGlobal = "result"

	// maxCachedPrograms bounds the compile cache; it is dropped wholesale
	// when full
	maxCachedPrograms = 1024
)

var configValidator = validator.New()

// Engine is a Tengo sandbox with fixed resource ceilings. The host
// functions each phase may call are resolved once, at construction.
type Engine struct {
	config  EngineConfig
	limits  sizeLimits
	modules *tengo.ModuleMap

	// bindings is the phase -> host function table
	bindings map[ExecutionPhase][]binding
	// builtins replaces allocation-heavy builtins with bounded versions
	builtins map[string]tengo.Object

	mu    sync.RWMutex
	cache map[cacheKey]*program
}

type binding struct {
	namespace string
	name      string
	fn        HostFunc
}

type cacheKey struct {
	phase ExecutionPhase
	sum   [sha256.Size]byte
}

// program is a compiled, instrumented script. Its bytecode is shared
// between runs; each run gets its own globals.
type program struct {
	bytecode *tengo.Bytecode
	globals  map[string]int
	result   int
}

// phaseTable collects the bindings of one phase
type phaseTable struct {
	bindings []binding
}

func (t *phaseTable) Register(namespace, name string, fn HostFunc) {
	t.bindings = append(t.bindings, binding{namespace: namespace, name: name, fn: fn})
}

// NewEngine validates the configuration and builds the phase binding table
// from the bridge. A nil bridge yields an engine without host functions.
func NewEngine(config EngineConfig, bridge *Bridge) (*Engine, error) {
	if err := configValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		config:   config.clone(),
		limits:   newSizeLimits(config),
		bindings: make(map[ExecutionPhase][]binding, len(AllPhases)),
		cache:    make(map[cacheKey]*program),
	}
	e.modules = e.buildModules()
	e.builtins = e.boundedBuiltins()

	if bridge != nil {
		for _, phase := range AllPhases {
			table := &phaseTable{}
			bridge.RegisterForPhase(table, phase)
			e.bindings[phase] = table.bindings
		}
	}

	return e, nil
}

// Config returns the engine's ceilings
func (e *Engine) Config() EngineConfig {
	return e.config.clone()
}

// BoundNames lists the names scripts in the phase can see besides builtins,
// modules, entity and result. Namespaced functions appear as namespace.name.
func (e *Engine) BoundNames(phase ExecutionPhase) []string {
	names := make([]string, 0, len(e.bindings[phase]))
	for _, b := range e.bindings[phase] {
		if b.namespace != "" {
			names = append(names, b.namespace+"."+b.name)
			continue
		}
		names = append(names, b.name)
	}
	sort.Strings(names)
	return names
}

// Compile checks a source without running it
func (e *Engine) Compile(scriptName, source string, phase ExecutionPhase) error {
	_, err := e.compile(scriptName, source, phase)
	return err
}

// Execute compiles (or reuses) the program and runs it under the engine's
// ceilings. The value of the global `result` is returned.
func (e *Engine) Execute(ctx context.Context, scriptName, source string, execCtx *ExecutionContext) (any, error) {
	if execCtx == nil {
		return nil, NewScriptError(ErrorTypeInvalidScript, scriptName, "execution context is required", nil)
	}

	prog, err := e.compile(scriptName, source, execCtx.Phase)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	run := &runState{
		scriptName: scriptName,
		config:     e.config,
		limits:     e.limits,
	}
	globals := e.globals(prog, run, &HostCall{Ctx: runCtx, ScriptName: scriptName, Exec: *execCtx}, execCtx.Entity)
	vm := tengo.NewVM(prog.bytecode, globals, -1)

	startTime := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panic: %v", r)
			}
		}()
		done <- vm.Run()
	}()

	select {
	case err = <-done:
	case <-runCtx.Done():
		vm.Abort()
		return nil, e.contextError(scriptName, ctx, runCtx)
	}

	LogExecution(slog.LevelDebug, "Tengo script finished", scriptName,
		slog.Uint64("execution_id", execCtx.ExecutionID),
		slog.String("phase", string(execCtx.Phase)),
		slog.Int64("operations", run.ops),
		slog.Duration("execution_time", time.Since(startTime)),
	)

	if err != nil {
		if runCtx.Err() != nil {
			return nil, e.contextError(scriptName, ctx, runCtx)
		}
		return nil, e.runError(scriptName, err)
	}

	return e.result(scriptName, prog, globals)
}

func (e *Engine) compile(scriptName, source string, phase ExecutionPhase) (*program, error) {
	key := cacheKey{phase: phase, sum: sha256.Sum256([]byte(source))}

	e.mu.RLock()
	prog, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	if len(source) > e.config.MaxStringSize*4 {
		return nil, NewScriptError(ErrorTypeCompilation, scriptName,
			fmt.Sprintf("script source exceeds %d bytes", e.config.MaxStringSize*4), nil)
	}

	fileSet := parser.NewFileSet()
	srcFile := fileSet.AddFile(scriptName, -1, len(source))
	file, err := parser.NewParser(srcFile, []byte(source), nil).ParseFile()
	if err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, scriptName, "failed to parse script", err)
	}

	if err := instrument(file, e.config); err != nil {
		var limit *limitSignal
		if errors.As(err, &limit) {
			limit.err.ScriptName = scriptName
			return nil, limit.err
		}
		return nil, NewScriptError(ErrorTypeCompilation, scriptName, "failed to compile script", err)
	}

	symbols := tengo.NewSymbolTable()
	for idx, fn := range tengo.GetAllBuiltinFunctions() {
		if _, bounded := e.builtins[fn.Name]; bounded {
			continue
		}
		symbols.DefineBuiltin(idx, fn.Name)
	}

	globals := make(map[string]int)
	for _, name := range e.globalNames(phase) {
		globals[name] = symbols.Define(name).Index
	}

	compiler := tengo.NewCompiler(srcFile, symbols, nil, e.modules, nil)
	if err := compiler.Compile(file); err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, scriptName, "failed to compile script", err)
	}
	bytecode := compiler.Bytecode()
	bytecode.RemoveDuplicates()

	prog = &program{bytecode: bytecode, globals: globals, result: -1}
	if symbol, _, ok := symbols.Resolve(resultGlobal, false); ok && symbol.Scope == tengo.ScopeGlobal {
		prog.result = symbol.Index
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[cacheKey]*program)
	}
	e.cache[key] = prog
	e.mu.Unlock()

	return prog, nil
}

// globalNames is every predefined global of a phase, in a stable order
func (e *Engine) globalNames(phase ExecutionPhase) []string {
	names := append([]string{}, hookNames...)
	names = append(names, entityGlobal)

	seen := make(map[string]bool)
	for _, b := range e.bindings[phase] {
		name := b.name
		if b.namespace != "" {
			name = b.namespace
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	bounded := make([]string, 0, len(e.builtins))
	for name := range e.builtins {
		bounded = append(bounded, name)
	}
	sort.Strings(bounded)
	return append(names, bounded...)
}

// globals builds the per-run global slots: hooks bound to this run's
// counters, host functions bound to this call, and the entity.
func (e *Engine) globals(prog *program, run *runState, call *HostCall, proxy *EntityProxy) []tengo.Object {
	values := map[string]tengo.Object{
		hookTick:  &tengo.UserFunction{Name: hookTick, Value: run.tickHook},
		hookEnter: &tengo.UserFunction{Name: hookEnter, Value: run.enterHook},
		hookLeave: &tengo.UserFunction{Name: hookLeave, Value: run.leaveHook},
		hookGuard: &tengo.UserFunction{Name: hookGuard, Value: run.guardHook},
	}

	if proxy != nil {
		values[entityGlobal] = &entityObject{proxy: proxy, limits: e.limits}
	} else {
		values[entityGlobal] = tengo.UndefinedValue
	}

	namespaces := make(map[string]map[string]tengo.Object)
	for _, b := range e.bindings[call.Exec.Phase] {
		fn := run.hostFunction(b, call)
		if b.namespace == "" {
			values[b.name] = fn
			continue
		}
		if namespaces[b.namespace] == nil {
			namespaces[b.namespace] = make(map[string]tengo.Object)
		}
		namespaces[b.namespace][b.name] = fn
	}
	for ns, fns := range namespaces {
		values[ns] = &tengo.ImmutableMap{Value: fns}
	}

	for name, fn := range e.builtins {
		values[name] = fn
	}

	globals := make([]tengo.Object, tengo.GlobalsSize)
	for name, idx := range prog.globals {
		if v, ok := values[name]; ok {
			globals[idx] = v
		} else {
			globals[idx] = tengo.UndefinedValue
		}
	}
	return globals
}

func (e *Engine) result(scriptName string, prog *program, globals []tengo.Object) (any, error) {
	if prog.result < 0 || globals[prog.result] == nil {
		return nil, nil
	}
	value := globals[prog.result]
	if err := e.limits.deep(value); err != nil {
		err.ScriptName = scriptName
		return nil, err
	}
	return toGo(value), nil
}

// contextError reports a timeout only when the engine's own timer fired; a
// caller's cancellation or shorter deadline is reported as cancelled
func (e *Engine) contextError(scriptName string, parent, runCtx context.Context) *ScriptError {
	if err := parent.Err(); err != nil {
		return NewScriptError(ErrorTypeRuntime, scriptName, "script execution cancelled", err)
	}
	return NewTimeoutError(scriptName, e.config.Timeout, runCtx.Err())
}

// runError maps a VM error onto the error taxonomy
func (e *Engine) runError(scriptName string, err error) *ScriptError {
	var abort *abortSignal
	if errors.As(err, &abort) {
		scriptErr := NewScriptError(ErrorTypeAborted, scriptName, abort.Error(), nil)
		scriptErr.Reason = abort.reason
		return scriptErr
	}

	var limit *limitSignal
	if errors.As(err, &limit) {
		limit.err.ScriptName = scriptName
		return limit.err
	}

	switch {
	case errors.Is(err, tengo.ErrStackOverflow):
		return NewResourceLimitError(scriptName, ResourceCallDepth, int64(e.config.MaxCallDepth))
	case errors.Is(err, tengo.ErrStringLimit), errors.Is(err, tengo.ErrBytesLimit):
		return NewResourceLimitError(scriptName, ResourceStringSize, int64(e.config.MaxStringSize))
	}

	return NewScriptError(ErrorTypeRuntime, scriptName, "script execution failed", err)
}

// buildModules exposes only the allow-listed stdlib modules. text is wrapped
// so its padding and repeat helpers respect the string ceiling.
func (e *Engine) buildModules() *tengo.ModuleMap {
	modules := tengo.NewModuleMap()
	for _, name := range e.config.AllowedModules {
		if attrs, ok := stdlib.BuiltinModules[name]; ok {
			if name == "text" {
				attrs = e.boundedText(attrs)
			}
			modules.AddBuiltinModule(name, attrs)
			continue
		}
		if src, ok := stdlib.SourceModules[name]; ok {
			modules.AddSourceModule(name, []byte(src))
			continue
		}
		LogSystem(slog.LevelWarn, "Ignoring unknown module in allow-list", slog.String("module", name))
	}
	return modules
}

func (e *Engine) boundedText(attrs map[string]tengo.Object) map[string]tengo.Object {
	out := make(map[string]tengo.Object, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}

	// repeat(s, n); pad_left(s, n[, pad]); pad_right(s, n[, pad])
	for _, name := range []string{"repeat", "pad_left", "pad_right"} {
		orig, ok := attrs[name].(*tengo.UserFunction)
		if !ok {
			continue
		}
		repeat := name == "repeat"
		out[name] = &tengo.UserFunction{
			Name: name,
			Value: func(args ...tengo.Object) (tengo.Object, error) {
				if len(args) >= 2 {
					s, _ := tengo.ToString(args[0])
					n, _ := tengo.ToInt(args[1])
					size := n
					if repeat {
						size = len(s) * n
					}
					if n < 0 || size > e.config.MaxStringSize {
						return nil, &limitSignal{err: NewResourceLimitError("", ResourceStringSize, int64(e.config.MaxStringSize))}
					}
				}
				return orig.Value(args...)
			},
		}
	}
	return out
}

// boundedBuiltins wraps the builtins whose output size is chosen by an
// argument rather than by existing data
func (e *Engine) boundedBuiltins() map[string]tengo.Object {
	out := make(map[string]tengo.Object)
	for _, fn := range tengo.GetAllBuiltinFunctions() {
		switch fn.Name {
		case "range":
			orig := fn.Value
			out[fn.Name] = &tengo.UserFunction{
				Name: fn.Name,
				Value: func(args ...tengo.Object) (tengo.Object, error) {
					if rangeSize(args) > int64(e.config.MaxArraySize) {
						return nil, &limitSignal{err: NewResourceLimitError("", ResourceArraySize, int64(e.config.MaxArraySize))}
					}
					return orig(args...)
				},
			}
		case "bytes":
			orig := fn.Value
			out[fn.Name] = &tengo.UserFunction{
				Name: fn.Name,
				Value: func(args ...tengo.Object) (tengo.Object, error) {
					if len(args) > 0 {
						if n, ok := args[0].(*tengo.Int); ok && n.Value > int64(e.config.MaxStringSize) {
							return nil, &limitSignal{err: NewResourceLimitError("", ResourceStringSize, int64(e.config.MaxStringSize))}
						}
					}
					return orig(args...)
				},
			}
		}
	}
	return out
}

func rangeSize(args []tengo.Object) int64 {
	if len(args) < 2 {
		return 0
	}
	start, ok1 := args[0].(*tengo.Int)
	stop, ok2 := args[1].(*tengo.Int)
	if !ok1 || !ok2 {
		return 0
	}
	step := int64(1)
	if len(args) > 2 {
		if s, ok := args[2].(*tengo.Int); ok && s.Value > 0 {
			step = s.Value
		}
	}
	span := stop.Value - start.Value
	if span < 0 {
		span = -span
	}
	return span / step
}

// runState holds the counters of one run. Only the VM goroutine touches it.
type runState struct {
	scriptName string
	config     EngineConfig
	limits     sizeLimits

	ops   int64
	depth int
}

func (r *runState) tick() error {
	r.ops++
	if r.ops > r.config.MaxOperations {
		return &limitSignal{err: NewOperationLimitError(r.scriptName, r.config.MaxOperations)}
	}
	return nil
}

func (r *runState) tickHook(args ...tengo.Object) (tengo.Object, error) {
	if err := r.tick(); err != nil {
		return nil, err
	}
	return tengo.UndefinedValue, nil
}

func (r *runState) enterHook(args ...tengo.Object) (tengo.Object, error) {
	if err := r.tick(); err != nil {
		return nil, err
	}
	r.depth++
	if r.depth > r.config.MaxCallDepth {
		return nil, &limitSignal{err: NewResourceLimitError(r.scriptName, ResourceCallDepth, int64(r.config.MaxCallDepth))}
	}
	return tengo.UndefinedValue, nil
}

func (r *runState) leaveHook(args ...tengo.Object) (tengo.Object, error) {
	r.depth--
	if len(args) > 0 {
		if err := r.limits.shallow(args[0]); err != nil {
			return nil, &limitSignal{err: err}
		}
		return args[0], nil
	}
	return tengo.UndefinedValue, nil
}

// guardHook checks its arguments and passes a single one through, so it can
// wrap an expression as well as follow an assignment
func (r *runState) guardHook(args ...tengo.Object) (tengo.Object, error) {
	for _, arg := range args {
		if err := r.limits.shallow(arg); err != nil {
			return nil, &limitSignal{err: err}
		}
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return tengo.UndefinedValue, nil
}

// hostFunction binds a host function to this run: every call costs one
// operation and its arguments are size-checked before the host sees them.
func (r *runState) hostFunction(b binding, call *HostCall) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: b.name,
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if err := r.tick(); err != nil {
				return nil, err
			}
			for _, arg := range args {
				if err := r.limits.deep(arg); err != nil {
					return nil, &limitSignal{err: err}
				}
			}
			ret, err := b.fn(call, args...)
			if err != nil {
				return nil, err
			}
			if ret == nil {
				return tengo.UndefinedValue, nil
			}
			return ret, nil
		},
	}
}
