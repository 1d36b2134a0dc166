package debugs

import (
	"fmt"

	"go.starlark.net/starlark"
)

// ToStarlarkValue converts a Go value into the Starlark value used to
// represent it inside a guest thread. Exported for use by sandbox, which
// crosses the Go/Starlark boundary with it.
func ToStarlarkValue(v any) starlark.Value {
	return toStarlarkValue(v)
}

// FromStarlarkValue converts a Starlark value back into the wire-encodable
// sum type used by the call log: nil, bool, int64, float64, string,
// []byte, []any, or map[string]any. Integers beyond int64 come back as
// uint64, or as their decimal string beyond uint64. Callables, including
// the builtins ToStarlarkValue makes from Go funcs, are not converted and
// yield an error.
func FromStarlarkValue(v starlark.Value) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch v := v.(type) {

	case starlark.NoneType:
		return nil, nil

	case starlark.Bool:
		return bool(v), nil

	case starlark.Bytes:
		return []byte(v), nil

	case starlark.String:
		return string(v), nil

	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		if u, ok := v.Uint64(); ok {
			return u, nil
		}
		return v.String(), nil

	case starlark.Float:
		return float64(v), nil

	case *starlark.List:
		elems := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := FromStarlarkValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
		}
		return elems, nil

	case starlark.Tuple:
		elems := make([]any, 0, len(v))
		for _, e := range v {
			ev, err := FromStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, ev)
		}
		return elems, nil

	case *starlark.Dict:
		obj := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, val := item[0], item[1]
			var keyStr string
			if s, ok := key.(starlark.String); ok {
				keyStr = string(s)
			} else {
				keyStr = key.String()
			}
			gv, err := FromStarlarkValue(val)
			if err != nil {
				return nil, err
			}
			obj[keyStr] = gv
		}
		return obj, nil

	}

	return nil, fmt.Errorf("unsupported starlark value for wire encoding: %s (%T)", v.String(), v)
}
