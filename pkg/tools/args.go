package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/ethpandaops/wpgate/pkg/validate"
)

// ErrUnexpectedResponse is returned when the downstream payload does not have the expected shape.
var ErrUnexpectedResponse = errors.New("unexpected response shape")

func missing(name string) error {
	return &validate.ValidationError{Field: name, Reason: "is required"}
}

func invalid(name, kind string) error {
	return &validate.ValidationError{Field: name, Reason: "must be of type " + kind}
}

func intArg(args map[string]any, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}

	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, invalid(name, "int")
		}

		return int(t), nil
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return 0, invalid(name, "int")
		}

		return n, nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, invalid(name, "int")
		}

		return n, nil
	}

	return 0, invalid(name, "int")
}

func requiredInt(args map[string]any, name string) (int, error) {
	if v, ok := args[name]; !ok || v == nil {
		return 0, missing(name)
	}

	return intArg(args, name, 0)
}

func stringArg(args map[string]any, name, def string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", invalid(name, "string")
	}

	return s, nil
}

func requiredString(args map[string]any, name string) (string, error) {
	s, err := stringArg(args, name, "")
	if err != nil {
		return "", err
	}

	if s == "" {
		return "", missing(name)
	}

	return s, nil
}

func boolArg(args map[string]any, name string, def bool) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}

	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, invalid(name, "bool")
		}

		return b, nil
	}

	return false, invalid(name, "bool")
}

// without returns a copy of args minus the named keys.
func without(args map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(args))

	for k, v := range args {
		out[k] = v
	}

	for _, k := range keys {
		delete(out, k)
	}

	return out
}

func asMap(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrUnexpectedResponse, v)
	}

	return m, nil
}

func asList(v any) ([]map[string]any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got %T", ErrUnexpectedResponse, v)
	}

	out := make([]map[string]any, 0, len(items))

	for _, item := range items {
		m, err := asMap(item)
		if err != nil {
			return nil, err
		}

		out = append(out, m)
	}

	return out, nil
}

// rendered returns m[key]["rendered"] for WordPress fields like title and excerpt.
func rendered(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case map[string]any:
		s, _ := v["rendered"].(string)

		return s
	case string:
		return v
	}

	return ""
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)

	return s
}

func orDefault(v any, def any) any {
	if v == nil {
		return def
	}

	return v
}

// clip shortens s to n runes, appending "..." when it was cut.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n]) + "..."
}
