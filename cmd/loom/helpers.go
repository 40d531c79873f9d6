package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseParams converts repeated --param key=value flags into a parameter map.
// Values that parse as numbers or booleans are typed accordingly so schema
// rules such as numeric minimums apply; everything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", pair)
		}
		params[key] = coerceParamValue(strings.TrimSpace(value))
	}
	return params, nil
}

func coerceParamValue(value string) any {
	if number, err := strconv.ParseFloat(value, 64); err == nil {
		return number
	}
	if boolean, err := strconv.ParseBool(value); err == nil {
		return boolean
	}
	return value
}

func formatSeconds(value *float64) string {
	if value == nil {
		return "-"
	}
	return strconv.FormatFloat(*value, 'f', -1, 64)
}

func truncatePayload(payload string, limit int) string {
	payload = strings.TrimSpace(payload)
	if limit <= 0 || len(payload) <= limit {
		return payload
	}
	return payload[:limit] + "..."
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
