// Package params reads typed values out of loosely typed parameter maps
// coming from config files, JSON request bodies or parameter sweeps.
package params

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Int returns p[key] as an int, or def when absent
func Int(p map[string]any, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// PositiveInt is Int with a > 0 check
func PositiveInt(p map[string]any, key string, def int) (int, error) {
	n, err := Int(p, key, def)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("param %s: must be positive, got %d", key, n)
	}
	return n, nil
}

// Float returns p[key] as a float64, or def when absent
func Float(p map[string]any, key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return f, nil
}

// Bool returns p[key] as a bool, or def when absent
func Bool(p map[string]any, key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", key, err)
	}
	return b, nil
}

// String returns p[key] as a string, or def when absent
func String(p map[string]any, key string, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("param %s: %w", key, err)
	}
	return s, nil
}

// Decimal returns p[key] as a decimal, or def when absent. Strings are parsed
// exactly; floats go through their shortest representation.
func Decimal(p map[string]any, key string, def decimal.Decimal) (decimal.Decimal, error) {
	d, err := OptionalDecimal(p, key)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return def, nil
	}
	return *d, nil
}

// OptionalDecimal returns nil when key is absent
func OptionalDecimal(p map[string]any, key string) (*decimal.Decimal, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	var d decimal.Decimal
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case float64:
		d = decimal.NewFromFloat(x)
	case float32:
		d = decimal.NewFromFloat32(x)
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		d, err = decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
	}
	return &d, nil
}
