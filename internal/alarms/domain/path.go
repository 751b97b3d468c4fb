package alarms

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path ("value.temperature", "items.0.state") against
// decoded JSON-like data made of maps, slices and scalars.
func Lookup(data any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return lookup(data, strings.Split(path, "."))
}

func lookup(node any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return node, node != nil
	}
	head, rest := segments[0], segments[1:]
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[head]
		if !ok {
			return nil, false
		}
		return lookup(child, rest)
	case map[string]float64:
		child, ok := v[head]
		if !ok {
			return nil, false
		}
		return lookup(child, rest)
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return lookup(v[idx], rest)
	default:
		return nil, false
	}
}

// SnapshotKey returns the time-series key a parameter path reads from the
// latest-values snapshot: "value.temperature" and "temperature" both map to
// "temperature". An empty key means the path cannot be served by a snapshot.
func SnapshotKey(path string) string {
	parts := strings.Split(path, ".")
	if len(parts) > 1 && parts[0] == "value" {
		return parts[1]
	}
	if len(parts) == 1 && parts[0] != "" && parts[0] != "value" {
		return parts[0]
	}
	return ""
}
