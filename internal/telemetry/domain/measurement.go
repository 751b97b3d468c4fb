package telemetry

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Measurement is a raw asset reading written to storage.
type Measurement struct {
	AssetID  string
	PointKey string
	TS       time.Time

	ValueNumeric *float64
	ValueText    *string
	Quality      string
	Source       string
}

// Value returns the reading as a float64 or a string.
func (m Measurement) Value() any {
	if m.ValueNumeric != nil {
		return *m.ValueNumeric
	}
	if m.ValueText != nil {
		return *m.ValueText
	}
	return nil
}

// TelemetryRepository persists measurements.
type TelemetryRepository interface {
	InsertMeasurements(ctx context.Context, measurements []Measurement) error
}

// FromPayload flattens a decoded message payload into measurements. Nested
// objects become dotted keys, a top-level "value" object is unwrapped and
// arrays are skipped. Scalar payloads are stored under "value".
func FromPayload(assetID string, payload any, ts time.Time, source string) []Measurement {
	if assetID == "" || payload == nil {
		return nil
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ts = ts.UTC()

	values := make(map[string]any)
	switch v := payload.(type) {
	case map[string]any:
		if inner, ok := v["value"].(map[string]any); ok && len(v) == 1 {
			v = inner
		}
		flatten("", v, values)
	default:
		values["value"] = v
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	measurements := make([]Measurement, 0, len(keys))
	for _, key := range keys {
		m := Measurement{AssetID: assetID, PointKey: key, TS: ts, Source: source}
		if !assign(&m, values[key]) {
			continue
		}
		measurements = append(measurements, m)
	}
	return measurements
}

func flatten(prefix string, node map[string]any, out map[string]any) {
	for key, value := range node {
		if key == "" {
			continue
		}
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			flatten(full, child, out)
			continue
		}
		out[full] = value
	}
}

func assign(m *Measurement, value any) bool {
	switch v := value.(type) {
	case float64:
		m.ValueNumeric = &v
	case float32:
		f := float64(v)
		m.ValueNumeric = &f
	case int:
		f := float64(v)
		m.ValueNumeric = &f
	case int64:
		f := float64(v)
		m.ValueNumeric = &f
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false
		}
		m.ValueNumeric = &f
	case bool:
		s := strconv.FormatBool(v)
		m.ValueText = &s
	case string:
		s := v
		m.ValueText = &s
	default:
		return false
	}
	return true
}
