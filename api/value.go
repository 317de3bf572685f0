package api

import (
	"fmt"
	"strconv"
)

// ValueKind is the scalar type a field value resolves to.
type ValueKind int

const (
	StringKind ValueKind = iota
	IntKind
	FloatKind
	BoolKind
)

func (k ValueKind) String() string {
	switch k {
	case StringKind:
		return "string"
	case IntKind:
		return "int"
	case FloatKind:
		return "float"
	case BoolKind:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindByName resolves a value kind from its name, for callers that take
// kind names from configuration rather than code.
func KindByName(name string) (ValueKind, error) {
	for _, k := range []ValueKind{StringKind, IntKind, FloatKind, BoolKind} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, &NameError{
		Kind:      "value kind",
		Name:      name,
		Available: []string{"string", "int", "float", "bool"},
	}
}

// ConvertValue coerces a raw field value (as decoded from JSON) to the
// requested kind. With array set, the input must be a slice and every
// element is converted. JSON numbers arrive as float64; ints are recovered
// only when the conversion is exact.
func ConvertValue(raw any, kind ValueKind, array bool) (any, error) {
	if array {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected an array value, got %T", ErrUsage, raw)
		}
		switch kind {
		case StringKind:
			out := make([]string, len(items))
			for i, it := range items {
				v, err := toString(it)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		case IntKind:
			out := make([]int64, len(items))
			for i, it := range items {
				v, err := toInt(it)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		case FloatKind:
			out := make([]float64, len(items))
			for i, it := range items {
				v, err := toFloat(it)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		case BoolKind:
			out := make([]bool, len(items))
			for i, it := range items {
				v, ok := it.(bool)
				if !ok {
					return nil, fmt.Errorf("%w: cannot convert %v (%T) to bool", ErrUsage, it, it)
				}
				out[i] = v
			}
			return out, nil
		}
		return nil, fmt.Errorf("%w: unknown value kind %v", ErrUsage, kind)
	}
	switch kind {
	case StringKind:
		return toString(raw)
	case IntKind:
		return toInt(raw)
	case FloatKind:
		return toFloat(raw)
	case BoolKind:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: cannot convert %v (%T) to bool", ErrUsage, raw, raw)
	}
	return nil, fmt.Errorf("%w: unknown value kind %v", ErrUsage, kind)
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("%w: cannot convert %v (%T) to string", ErrUsage, raw, raw)
}

func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		i := int64(v)
		if float64(i) != v {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrUsage, v)
		}
		return i, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("%w: cannot convert %v (%T) to int", ErrUsage, raw, raw)
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("%w: cannot convert %v (%T) to float", ErrUsage, raw, raw)
}
