package script

import (
	"fmt"
	"time"

	"github.com/d5/tengo/v2"
)

// sizeLimits checks values crossing the host boundary against the engine's
// size ceilings. Inside the VM, guard hooks only look at the top level of a
// value; here the whole structure is walked.
type sizeLimits struct {
	maxString int
	maxArray  int
	maxDepth  int
}

func newSizeLimits(cfg EngineConfig) sizeLimits {
	return sizeLimits{
		maxString: cfg.MaxStringSize,
		maxArray:  cfg.MaxArraySize,
		maxDepth:  cfg.MaxMapDepth,
	}
}

// shallow is the O(1) check used by __guard
func (l sizeLimits) shallow(obj tengo.Object) *ScriptError {
	switch o := obj.(type) {
	case *tengo.String:
		if len(o.Value) > l.maxString {
			return NewResourceLimitError("", ResourceStringSize, int64(l.maxString))
		}
	case *tengo.Bytes:
		if len(o.Value) > l.maxString {
			return NewResourceLimitError("", ResourceStringSize, int64(l.maxString))
		}
	case *tengo.Array:
		if len(o.Value) > l.maxArray {
			return NewResourceLimitError("", ResourceArraySize, int64(l.maxArray))
		}
	case *tengo.ImmutableArray:
		if len(o.Value) > l.maxArray {
			return NewResourceLimitError("", ResourceArraySize, int64(l.maxArray))
		}
	case *tengo.Map:
		if len(o.Value) > l.maxArray {
			return NewResourceLimitError("", ResourceArraySize, int64(l.maxArray))
		}
	case *tengo.ImmutableMap:
		if len(o.Value) > l.maxArray {
			return NewResourceLimitError("", ResourceArraySize, int64(l.maxArray))
		}
	}
	return nil
}

// deep walks nested containers, also enforcing the nesting ceiling
func (l sizeLimits) deep(obj tengo.Object) *ScriptError {
	return l.walk(obj, 0)
}

func (l sizeLimits) walk(obj tengo.Object, depth int) *ScriptError {
	if err := l.shallow(obj); err != nil {
		return err
	}

	var children []tengo.Object
	switch o := obj.(type) {
	case *tengo.Array:
		children = o.Value
	case *tengo.ImmutableArray:
		children = o.Value
	case *tengo.Map:
		for _, v := range o.Value {
			children = append(children, v)
		}
	case *tengo.ImmutableMap:
		for _, v := range o.Value {
			children = append(children, v)
		}
	default:
		return nil
	}

	if depth+1 > l.maxDepth {
		return NewResourceLimitError("", ResourceMapDepth, int64(l.maxDepth))
	}
	for _, child := range children {
		if err := l.walk(child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// toGo converts a VM value into plain Go data: maps, slices, strings,
// int64, float64, bool, time.Time and nil. Functions and other opaque
// objects are rendered with their String form.
func toGo(obj tengo.Object) any {
	switch o := obj.(type) {
	case nil, *tengo.Undefined:
		return nil
	case *tengo.Array:
		return sliceToGo(o.Value)
	case *tengo.ImmutableArray:
		return sliceToGo(o.Value)
	case *tengo.Map:
		return mapToGo(o.Value)
	case *tengo.ImmutableMap:
		return mapToGo(o.Value)
	case *tengo.Error:
		return o.String()
	case *entityObject:
		return o.proxy.Merged()
	}

	switch v := tengo.ToInterface(obj).(type) {
	case tengo.Object:
		return v.String()
	case rune:
		return string(v)
	default:
		return v
	}
}

func sliceToGo(values []tengo.Object) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = toGo(v)
	}
	return out
}

func mapToGo(values map[string]tengo.Object) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = toGo(v)
	}
	return out
}

// toObject converts host data into a VM value. It widens the numeric and
// collection types record stores commonly hand back before deferring to
// tengo.FromInterface.
func toObject(v any) (tengo.Object, error) {
	switch val := v.(type) {
	case nil:
		return tengo.UndefinedValue, nil
	case tengo.Object:
		return val, nil
	case int8:
		return &tengo.Int{Value: int64(val)}, nil
	case int16:
		return &tengo.Int{Value: int64(val)}, nil
	case int32:
		return &tengo.Int{Value: int64(val)}, nil
	case uint:
		return &tengo.Int{Value: int64(val)}, nil
	case uint16:
		return &tengo.Int{Value: int64(val)}, nil
	case uint32:
		return &tengo.Int{Value: int64(val)}, nil
	case uint64:
		return &tengo.Int{Value: int64(val)}, nil
	case float32:
		return &tengo.Float{Value: float64(val)}, nil
	case *time.Time:
		if val == nil {
			return tengo.UndefinedValue, nil
		}
		return &tengo.Time{Value: *val}, nil
	case []string:
		arr := make([]tengo.Object, len(val))
		for i, s := range val {
			arr[i] = &tengo.String{Value: s}
		}
		return &tengo.Array{Value: arr}, nil
	case []map[string]any:
		arr := make([]tengo.Object, len(val))
		for i, m := range val {
			obj, err := toObject(m)
			if err != nil {
				return nil, err
			}
			arr[i] = obj
		}
		return &tengo.Array{Value: arr}, nil
	case []any:
		arr := make([]tengo.Object, len(val))
		for i, e := range val {
			obj, err := toObject(e)
			if err != nil {
				return nil, err
			}
			arr[i] = obj
		}
		return &tengo.Array{Value: arr}, nil
	case map[string]string:
		kv := make(map[string]tengo.Object, len(val))
		for k, s := range val {
			kv[k] = &tengo.String{Value: s}
		}
		return &tengo.Map{Value: kv}, nil
	case map[string]any:
		kv := make(map[string]tengo.Object, len(val))
		for k, e := range val {
			obj, err := toObject(e)
			if err != nil {
				return nil, err
			}
			kv[k] = obj
		}
		return &tengo.Map{Value: kv}, nil
	}

	obj, err := tengo.FromInterface(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported host value: %w", err)
	}
	return obj, nil
}

// entityObject exposes an EntityProxy to scripts as `entity`. Reads go
// through EntityProxy.Get and index writes land in the overlay.
type entityObject struct {
	tengo.ObjectImpl
	proxy  *EntityProxy
	limits sizeLimits
}

func (o *entityObject) TypeName() string {
	return "entity"
}

func (o *entityObject) String() string {
	return "<entity>"
}

func (o *entityObject) Copy() tengo.Object {
	return o
}

func (o *entityObject) Equals(x tengo.Object) bool {
	other, ok := x.(*entityObject)
	return ok && other.proxy == o.proxy
}

func (o *entityObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	field, ok := index.(*tengo.String)
	if !ok {
		return nil, tengo.ErrInvalidIndexType
	}
	return toObject(o.proxy.Get(field.Value))
}

func (o *entityObject) IndexSet(index, value tengo.Object) error {
	field, ok := index.(*tengo.String)
	if !ok {
		return tengo.ErrInvalidIndexType
	}
	if err := o.limits.deep(value); err != nil {
		return &limitSignal{err: err}
	}
	o.proxy.Set(field.Value, toGo(value))
	return nil
}

func (o *entityObject) CanIterate() bool {
	return true
}

func (o *entityObject) Iterate() tengo.Iterator {
	obj, err := toObject(o.proxy.Merged())
	if err != nil {
		return (&tengo.Map{Value: map[string]tengo.Object{}}).Iterate()
	}
	return obj.Iterate()
}
