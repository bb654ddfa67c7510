package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ConfigBackend holds persisted values by dotted key ("capture.rate").
// Values come back in whatever scalar type the store decoded.
type ConfigBackend interface {
	Lookup(key string) (val any, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}

// splitKey splits "section.field". Every key in specs has exactly one dot.
func splitKey(key string) (section, field string, err error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" || strings.Contains(field, ".") {
		return "", "", fmt.Errorf("malformed config key %q", key)
	}
	return section, field, nil
}

func lookupString(b ConfigBackend, key string) (string, bool, error) {
	v, ok, err := b.Lookup(key)
	if err != nil || !ok {
		return "", ok, err
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case nil:
		return "", false, nil
	default:
		return fmt.Sprint(val), true, nil
	}
}

func lookupInt(b ConfigBackend, key string) (int, bool, error) {
	v, ok, err := b.Lookup(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("%s: %v is not a whole number", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	case nil:
		return 0, false, nil
	default:
		return 0, true, fmt.Errorf("%s: expected a number, got %T", key, v)
	}
}

func lookupBool(b ConfigBackend, key string) (bool, bool, error) {
	v, ok, err := b.Lookup(key)
	if err != nil || !ok {
		return false, ok, err
	}
	switch val := v.(type) {
	case bool:
		return val, true, nil
	case string:
		bv, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, true, fmt.Errorf("%s: %w", key, err)
		}
		return bv, true, nil
	case nil:
		return false, false, nil
	default:
		return false, true, fmt.Errorf("%s: expected true or false, got %T", key, v)
	}
}
