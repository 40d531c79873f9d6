package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Key derives a deterministic cache key from a capability invocation.
// Parameters are canonicalized by sorted key order so logically identical
// invocations map to the same entry regardless of map iteration order.
func Key(capability, assetID string, params map[string]any) string {
	var sb strings.Builder
	sb.WriteString(capability)
	sb.WriteByte('|')
	sb.WriteString(assetID)
	sb.WriteByte('|')

	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for i, name := range names {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(name)
			sb.WriteByte('=')
			sb.WriteString(canonicalValue(params[name]))
		}
	}
	return sb.String()
}

func canonicalValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
