package script

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a plain Go value.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}

// Truthy reports the truthiness of a Risor object or plain Go value. Empty
// strings, the string "false", zero numbers and empty collections are false.
func Truthy(value any) bool {
	if obj, ok := value.(object.Object); ok {
		switch o := obj.(type) {
		case *object.Bool, *object.Int, *object.Float, *object.String,
			*object.List, *object.Map, *object.NilType:
			return Truthy(ToGo(o))
		default:
			return obj.IsTruthy()
		}
	}

	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case uint:
		return v != 0
	case uint64:
		return v != 0
	case float32:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != "" && strings.ToLower(v) != "false"
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// Items flattens a value into a list. Scalars become single-item lists and
// maps yield their values in key order.
func Items(value any) ([]any, error) {
	if obj, ok := value.(object.Object); ok {
		value = ToGo(obj)
	}
	switch v := value.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	case []string:
		result := make([]any, len(v))
		for i, s := range v {
			result[i] = s
		}
		return result, nil
	case []int:
		result := make([]any, len(v))
		for i, n := range v {
			result[i] = n
		}
		return result, nil
	case []float64:
		result := make([]any, len(v))
		for i, f := range v {
			result[i] = f
		}
		return result, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		result := make([]any, 0, len(keys))
		for _, k := range keys {
			result = append(result, v[k])
		}
		return result, nil
	case string, bool, int, int32, int64, uint, uint64, float32, float64, time.Time:
		return []any{v}, nil
	default:
		return nil, fmt.Errorf("unsupported value type for items: %T", value)
	}
}

// Stringify formats a Go value for template output.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%g", v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GoValue wraps a plain Go value as a script Value.
type GoValue struct {
	v any
}

// NewGoValue wraps v.
func NewGoValue(v any) *GoValue {
	return &GoValue{v: v}
}

func (g *GoValue) Value() any { return g.v }
func (g *GoValue) Items() ([]any, error) { return Items(g.v) }
func (g *GoValue) String() string { return Stringify(g.v) }
func (g *GoValue) IsTruthy() bool { return Truthy(g.v) }

// SafeBuiltins lists the Risor builtins that are deterministic and have no
// side effects. Only these are exposed to scripts.
func SafeBuiltins() map[string]bool {
	return map[string]bool{
		"all":      true,
		"any":      true,
		"base64":   true,
		"bool":     true,
		"byte":     true,
		"bytes":    true,
		"chunk":    true,
		"coalesce": true,
		"decode":   true,
		"encode":   true,
		"error":    true,
		"errorf":   true,
		"float":    true,
		"fmt":      true,
		"getattr":  true,
		"int":      true,
		"iter":     true,
		"json":     true,
		"keys":     true,
		"len":      true,
		"list":     true,
		"map":      true,
		"math":     true,
		"regexp":   true,
		"reversed": true,
		"set":      true,
		"sorted":   true,
		"sprintf":  true,
		"string":   true,
		"strings":  true,
		"try":      true,
		"type":     true,
	}
}
