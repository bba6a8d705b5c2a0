package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Coerce converts value to the declared schema type of its destination.
// Unknown types pass through untouched. A value that cannot be converted
// yields a BINDING_ERROR.
func Coerce(value any, declaredType string) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch strings.ToLower(declaredType) {
	case "string":
		return toString(value), nil
	case "integer":
		n, err := toInt64(value)
		if err != nil {
			return nil, coerceErr(value, declaredType, err)
		}
		return int32(n), nil
	case "long":
		n, err := toInt64(value)
		if err != nil {
			return nil, coerceErr(value, declaredType, err)
		}
		return n, nil
	case "short":
		n, err := toInt64(value)
		if err != nil {
			return nil, coerceErr(value, declaredType, err)
		}
		return int16(n), nil
	case "double", "number", "float", "decimal":
		f, err := toFloat64(value)
		if err != nil {
			return nil, coerceErr(value, declaredType, err)
		}
		return f, nil
	case "datetime", "date", "time":
		t, err := toTime(value)
		if err != nil {
			return nil, coerceErr(value, declaredType, err)
		}
		return t, nil
	case "boolean", "bool":
		b, err := toBool(value)
		if err != nil {
			return nil, coerceErr(value, declaredType, err)
		}
		return b, nil
	default:
		return value, nil
	}
}

func coerceErr(value any, declaredType string, cause error) error {
	return schema.NewErrorf(schema.ErrCodeBinding,
		"cannot coerce %T to %s", value, declaredType).
		WithCause(cause).
		WithDetails(map[string]any{"value": fmt.Sprintf("%v", value), "target": declaredType})
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Keep integral floats free of the decimal tail.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case float32:
		return int64(val), nil
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(val), ".0")
		return strconv.ParseInt(s, 10, 64)
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported source type %T", v)
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	}
	return 0, fmt.Errorf("unsupported source type %T", v)
}

// timeLayouts are tried in order when parsing datetime strings.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(val)); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized datetime %q", val)
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	case int64:
		return time.Unix(val, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported source type %T", v)
}

func toBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(strings.ToLower(val)))
	case float64:
		return val != 0, nil
	case int:
		return val != 0, nil
	}
	return false, fmt.Errorf("unsupported source type %T", v)
}

// IntegralType reports whether the declared type is integer-valued, which
// controls the trailing ".0" trim on resolved expressions.
func IntegralType(declaredType string) bool {
	switch strings.ToLower(declaredType) {
	case "integer", "long", "short":
		return true
	}
	return false
}

// NullableType reports whether the declared type admits null. Reference
// types (string, objects, arrays, unknown) default to nil on a missing
// binding; value types must fail instead.
func NullableType(declaredType string) bool {
	switch strings.ToLower(declaredType) {
	case "integer", "long", "short", "double", "number", "float", "decimal",
		"datetime", "date", "time", "boolean", "bool":
		return false
	}
	return true
}
