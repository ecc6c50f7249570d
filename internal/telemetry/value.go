package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errEmptyValue = errors.New("empty value")

// decodeValue turns a raw gateway payload into a Go value. The gateway
// publishes single scalars as text, so JSON decoding is attempted first and
// the trimmed string is kept when that fails. An object of the form
// {"value": x} is unwrapped to x.
func decodeValue(raw []byte) (any, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid UTF-8")
	}
	text := strings.TrimSpace(string(raw))

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text, nil
	}
	if obj, ok := v.(map[string]any); ok {
		if inner, ok := obj["value"]; ok {
			return inner, nil
		}
	}
	return v, nil
}

func parseNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("non-finite number %v", t)
		}
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, errEmptyValue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse number '%s': %w", s, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-finite number '%s'", s)
		}
		return f, nil
	case nil:
		return 0, errEmptyValue
	default:
		return 0, fmt.Errorf("unsupported numeric value %T", v)
	}
}

// parseBool accepts JSON booleans, 1/0, and the strings true/false/1/0 in
// any letter case.
func parseBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		switch t {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return false, fmt.Errorf("failed to parse bool value '%v'", t)
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		case "":
			return false, errEmptyValue
		}
		return false, fmt.Errorf("failed to parse bool value '%s'", t)
	case nil:
		return false, errEmptyValue
	default:
		return false, fmt.Errorf("unsupported bool value %T", v)
	}
}

func parseText(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", errEmptyValue
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
