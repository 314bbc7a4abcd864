// Package payload turns analysis results into JSON-safe values before they
// are stored.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"

	"github.com/garnizeh/krishi/pkg/repository"
)

// Scalar is implemented by numeric wrappers that can report a native float.
type Scalar interface {
	Float64() float64
}

type fallibleScalar interface {
	Float64() (float64, error)
}

// roundedScalar matches big.Int and big.Float style conversions.
type roundedScalar interface {
	Float64() (float64, big.Accuracy)
}

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Normalize returns a deep copy of v made only of JSON-native values:
// map[string]any, []any, string, bool, float64, integer kinds and nil.
// Scalar wrappers (json.Number, big numbers, Scalar implementations) and
// float32 become float64. v must be a map or struct at the top level.
func Normalize(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	out, err := normalize(reflect.ValueOf(v), "$")
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, want an object", repository.ErrInvalidPayload, out)
	}
	return m, nil
}

func normalize(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	// typed nils become null before any method is called on them
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}

	if v.CanInterface() {
		x := v.Interface()
		if f, ok, err := scalarValue(x); ok {
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", repository.ErrInvalidPayload, path, err)
			}
			return checkFloat(f, path)
		}
		if v.Kind() == reflect.Pointer && v.Type().Implements(marshalerType) {
			return viaJSON(x, path)
		}
	}

	switch v.Kind() {
	case reflect.Pointer:
		return normalize(v.Elem(), path)
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(v.Float(), path)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: %s: map key type %s", repository.ErrInvalidPayload, path, v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			val, err := normalize(iter.Value(), path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			val, err := normalize(v.Index(i), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case reflect.Struct:
		if v.CanInterface() && !v.Type().Implements(marshalerType) && reflect.PointerTo(v.Type()).Implements(marshalerType) {
			// pointer-receiver MarshalJSON needs an addressable copy
			p := reflect.New(v.Type())
			p.Elem().Set(v)
			return normalize(p, path)
		}
		return viaJSON(v.Interface(), path)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported type %s", repository.ErrInvalidPayload, path, v.Type())
	}
}

func scalarValue(x any) (float64, bool, error) {
	switch s := x.(type) {
	case *big.Float:
		if s == nil {
			return 0, false, nil
		}
		f, _ := s.Float64()
		return f, true, nil
	case *big.Rat:
		if s == nil {
			return 0, false, nil
		}
		f, _ := s.Float64()
		return f, true, nil
	case *big.Int:
		if s == nil {
			return 0, false, nil
		}
		f, _ := s.Float64()
		return f, true, nil
	case roundedScalar:
		f, _ := s.Float64()
		return f, true, nil
	case fallibleScalar:
		f, err := s.Float64()
		return f, true, err
	case Scalar:
		return s.Float64(), true, nil
	}
	return 0, false, nil
}

func checkFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %s: %v is not representable in JSON", repository.ErrInvalidPayload, path, f)
	}
	return f, nil
}

// viaJSON round-trips structs so their json tags decide the shape, then
// normalises the result again.
func viaJSON(x any, path string) (any, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", repository.ErrInvalidPayload, path, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", repository.ErrInvalidPayload, path, err)
	}
	return normalize(reflect.ValueOf(out), path)
}
