// Package modules holds the domain handlers served by the gateway.
package modules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/kalambet/integrator/internal/gateway"
)

var (
	// ErrUnsupportedIntent is returned for an intent a module does not handle.
	ErrUnsupportedIntent = errors.New("unsupported intent")
	// ErrInvalidInput is returned when request data is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

func unsupported(module, intent string) error {
	return fmt.Errorf("%w: %s/%s", ErrUnsupportedIntent, module, intent)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Names of the built-in modules.
const (
	Finance   = "finance"
	Education = "education"
	Creator   = "creator"
)

var (
	_ gateway.Module = (*FinanceModule)(nil)
	_ gateway.Module = (*EducationModule)(nil)
	_ gateway.Module = (*CreatorModule)(nil)
)

func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// number coerces a decoded JSON value to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intField(data map[string]any, key string, def int) int {
	if f, ok := number(data[key]); ok && f > 0 {
		return int(f)
	}
	return def
}
