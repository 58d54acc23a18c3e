package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/go-playground/validator/v10"
)

// ErrRecordNotFound is returned by RecordStore implementations for a miss.
// records.get turns it into undefined instead of failing the script.
var ErrRecordNotFound = errors.New("record not found")

// defaultFindLimit caps records.find when the script passes no limit
const defaultFindLimit = 100

// HostCall is what a host function sees about the script calling it
type HostCall struct {
	Ctx        context.Context
	ScriptName string
	Exec       ExecutionContext
}

// HostFunc is a host capability callable from scripts
type HostFunc func(call *HostCall, args ...tengo.Object) (tengo.Object, error)

// Registrar receives the host functions bound for one phase. An empty
// namespace binds a top-level name; otherwise the function is reachable as
// namespace.name.
type Registrar interface {
	Register(namespace, name string, fn HostFunc)
}

// Bridge decides which host capabilities each phase receives. It is an
// allow-list: a name never registered for a phase does not exist for
// scripts running in it.
type Bridge struct {
	records  RecordStore
	notifier Notifier
	validate *validator.Validate
	logger   *slog.Logger

	mu      sync.RWMutex
	invoker ScriptInvoker
}

// NewBridge creates a bridge over the given host services. Either may be
// nil, in which case the functions backed by it are not registered.
func NewBridge(records RecordStore, notifier Notifier) *Bridge {
	return &Bridge{
		records:  records,
		notifier: notifier,
		validate: validator.New(),
		logger:   slog.Default().With("component", "script_bridge"),
	}
}

// SetInvoker attaches the executor used by invoke(). It is set after
// construction because the executor itself depends on engines built from
// this bridge.
func (b *Bridge) SetInvoker(invoker ScriptInvoker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoker = invoker
}

func (b *Bridge) currentInvoker() ScriptInvoker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.invoker
}

// RegisterForPhase registers the phase-independent utilities and then the
// capabilities of the given phase
func (b *Bridge) RegisterForPhase(reg Registrar, phase ExecutionPhase) {
	reg.Register("", "log", b.log)
	reg.Register("", "abort", b.abort)

	switch phase {
	case PhaseBefore:
		b.registerValidation(reg)
	case PhaseAfter:
		b.registerDataAccess(reg)
	case PhaseOnCommit:
		b.registerExternalEffects(reg)
	case PhaseManual, PhaseScheduled:
		b.registerDataAccess(reg)
		b.registerExternalEffects(reg)
	}
}

func (b *Bridge) registerValidation(reg Registrar) {
	reg.Register("", "validate", b.validateValue)
	reg.Register("", "is_email", b.isEmail)
	reg.Register("", "matches", b.matches)
	reg.Register("", "is_blank", b.isBlank)
}

func (b *Bridge) registerDataAccess(reg Registrar) {
	if b.records != nil {
		reg.Register("records", "get", b.recordGet)
		reg.Register("records", "find", b.recordFind)
		reg.Register("records", "create", b.recordCreate)
		reg.Register("records", "update", b.recordUpdate)
	}
	reg.Register("", "invoke", b.invoke)
}

func (b *Bridge) registerExternalEffects(reg Registrar) {
	if b.notifier == nil {
		return
	}
	reg.Register("", "notify", b.notify)
	reg.Register("", "webhook", b.webhook)
}

func (b *Bridge) log(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = plainString(arg)
	}
	b.logger.Info("Script log",
		"message", strings.Join(parts, " "),
		"script", call.ScriptName,
		"execution_id", call.Exec.ExecutionID,
		"phase", call.Exec.Phase,
		"source", "tengo_script",
	)
	return tengo.UndefinedValue, nil
}

func (b *Bridge) abort(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) > 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	reason := "aborted by script"
	if len(args) == 1 {
		reason = plainString(args[0])
	}
	return nil, &abortSignal{reason: reason}
}

func (b *Bridge) validateValue(call *HostCall, args ...tengo.Object) (ret tengo.Object, err error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	tag, err := stringArg(args, 1, "second")
	if err != nil {
		return nil, err
	}

	// validator panics on unknown tags
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, fmt.Errorf("invalid validation tag %q: %v", tag, r)
		}
	}()

	if verr := b.validate.Var(toGo(args[0]), tag); verr != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(verr, &fieldErrs) {
			return tengo.FalseValue, nil
		}
		return nil, verr
	}
	return tengo.TrueValue, nil
}

func (b *Bridge) isEmail(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	return boolObject(b.validate.Var(s, "required,email") == nil), nil
}

func (b *Bridge) matches(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	pattern, err := stringArg(args, 1, "second")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return boolObject(re.MatchString(s)), nil
}

func (b *Bridge) isBlank(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	if _, undefined := args[0].(*tengo.Undefined); undefined {
		return tengo.TrueValue, nil
	}
	return boolObject(strings.TrimSpace(plainString(args[0])) == ""), nil
}

func (b *Bridge) recordGet(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	entityType, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	id, err := stringArg(args, 1, "second")
	if err != nil {
		return nil, err
	}

	record, err := b.records.Get(call.Ctx, entityType, id)
	if errors.Is(err, ErrRecordNotFound) {
		return tengo.UndefinedValue, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records.get %s/%s: %w", entityType, id, err)
	}
	return toObject(record)
}

func (b *Bridge) recordFind(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 || len(args) > 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	entityType, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}

	var filter map[string]any
	if len(args) > 1 {
		if filter, err = mapArg(args, 1, "second"); err != nil {
			return nil, err
		}
	}

	limit := defaultFindLimit
	if len(args) > 2 {
		n, ok := args[2].(*tengo.Int)
		if !ok || n.Value <= 0 {
			return nil, tengo.ErrInvalidArgumentType{Name: "third", Expected: "positive int", Found: args[2].TypeName()}
		}
		limit = int(min(n.Value, int64(defaultFindLimit)))
	}

	rows, err := b.records.Find(call.Ctx, entityType, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("records.find %s: %w", entityType, err)
	}
	return toObject(rows)
}

func (b *Bridge) recordCreate(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	entityType, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	fields, err := mapArg(args, 1, "second")
	if err != nil {
		return nil, err
	}

	record, err := b.records.Create(call.Ctx, entityType, fields)
	if err != nil {
		return nil, fmt.Errorf("records.create %s: %w", entityType, err)
	}
	return toObject(record)
}

func (b *Bridge) recordUpdate(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	entityType, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	id, err := stringArg(args, 1, "second")
	if err != nil {
		return nil, err
	}
	fields, err := mapArg(args, 2, "third")
	if err != nil {
		return nil, err
	}

	record, err := b.records.Update(call.Ctx, entityType, id, fields)
	if err != nil {
		return nil, fmt.Errorf("records.update %s/%s: %w", entityType, id, err)
	}
	return toObject(record)
}

// invoke runs another script one level deeper in the chain and hands its
// outcome back as a map; the caller decides what a nested abort means.
func (b *Bridge) invoke(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	name, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}

	invoker := b.currentInvoker()
	if invoker == nil {
		return nil, fmt.Errorf("script invocation is not available")
	}

	result, err := invoker.Invoke(call.Ctx, name, call.Exec)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	return outcomeObject(result.Outcome)
}

func (b *Bridge) notify(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	channel, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	message, err := stringArg(args, 1, "second")
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if len(args) == 3 {
		if payload, err = mapArg(args, 2, "third"); err != nil {
			return nil, err
		}
	}

	if err := b.notifier.Notify(call.Ctx, channel, message, payload); err != nil {
		return nil, fmt.Errorf("notify %s: %w", channel, err)
	}
	return tengo.TrueValue, nil
}

func (b *Bridge) webhook(call *HostCall, args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	url, err := stringArg(args, 0, "first")
	if err != nil {
		return nil, err
	}
	payload, err := mapArg(args, 1, "second")
	if err != nil {
		return nil, err
	}

	status, err := b.notifier.Webhook(call.Ctx, url, payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	return &tengo.Int{Value: int64(status)}, nil
}

func outcomeObject(outcome ExecutionOutcome) (tengo.Object, error) {
	out := map[string]any{
		"status": string(outcome.Kind),
		"ok":     outcome.Kind == OutcomeSuccess,
	}
	switch outcome.Kind {
	case OutcomeSuccess:
		out["value"] = outcome.ReturnValue
		out["changes"] = outcome.EntityChanges
	case OutcomeAborted:
		out["reason"] = outcome.Reason
	case OutcomeFailed:
		if outcome.Err != nil {
			out["error"] = outcome.Err.Error()
			out["error_type"] = string(outcome.Err.Type)
		}
	}
	return toObject(out)
}

func stringArg(args []tengo.Object, i int, name string) (string, error) {
	s, ok := args[i].(*tengo.String)
	if !ok {
		return "", tengo.ErrInvalidArgumentType{Name: name, Expected: "string", Found: args[i].TypeName()}
	}
	return s.Value, nil
}

func mapArg(args []tengo.Object, i int, name string) (map[string]any, error) {
	switch args[i].(type) {
	case *tengo.Map, *tengo.ImmutableMap:
		return toGo(args[i]).(map[string]any), nil
	case *tengo.Undefined:
		return nil, nil
	}
	return nil, tengo.ErrInvalidArgumentType{Name: name, Expected: "map", Found: args[i].TypeName()}
}

// plainString renders strings without the quotes tengo's String() adds
func plainString(obj tengo.Object) string {
	if s, ok := obj.(*tengo.String); ok {
		return s.Value
	}
	return obj.String()
}

func boolObject(b bool) tengo.Object {
	if b {
		return tengo.TrueValue
	}
	return tengo.FalseValue
}
