// Package telemetry implements the sensor data pipeline described in
// spec.md §4.6: decoding the upstream JSON array, classifying each
// reading's warning level, applying a per-sensor transform, persisting
// it, and coalescing a 100ms window of readings into one broadcast
// frame. Grounded on cbackend/src/ui-wrapper/remote_ws.c's
// parse_sensor_data/set_sensor_warning/apply_sensor_calculations.
package telemetry

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Warning classifies a reading's severity, spec.md §4.6: "ok, warn, or
// critical", grounded on set_sensor_warning's sd->warning levels 0/1/2.
type Warning int

const (
	WarningOK Warning = iota
	WarningWarn
	WarningCritical
)

func (w Warning) String() string {
	switch w {
	case WarningOK:
		return "ok"
	case WarningWarn:
		return "warn"
	case WarningCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Reading is one sensor data point after decode, transform, and
// classification — the unit that flows through the rest of the
// pipeline. Timestamp is in the same units the upstream record supplied
// (nanoseconds if absent upstream, matching remote_ws.c's
// clock_gettime(CLOCK_REALTIME) fallback).
type Reading struct {
	Name      string
	Value     float64
	Timestamp uint64
	Warning   Warning
}

// Transform is the per-sensor-name calculation hook, grounded on
// apply_sensor_calculations. The original is a placeholder that returns
// raw_value unchanged; DecodeBatch defaults to the same identity
// behavior when none is supplied.
type Transform func(name string, raw float64) float64

// IdentityTransform is the default Transform, matching
// apply_sensor_calculations's current no-op body.
func IdentityTransform(_ string, raw float64) float64 { return raw }

// DecodeBatch parses one upstream text-frame payload, a JSON array of
// {"title":..., "value":..., "timestamp":...} objects, into Readings.
// Malformed array entries are skipped, not fatal, matching
// parse_sensor_data's per-item continue-on-error behavior; a payload
// that is not a JSON array at all is reported as an error.
func DecodeBatch(payload []byte, transform Transform) ([]Reading, error) {
	if transform == nil {
		transform = IdentityTransform
	}

	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return nil, fmt.Errorf("telemetry: payload is not a JSON array")
	}

	var readings []Reading
	root.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		title := item.Get("title")
		value := item.Get("value")
		if !title.Exists() || title.Type != gjson.String || !value.Exists() {
			return true
		}
		if value.Type != gjson.Number && value.Type != gjson.String {
			return true
		}

		name := title.String()
		raw := value.Float()
		processed := transform(name, raw)

		var ts uint64
		if tsField := item.Get("timestamp"); tsField.Exists() && tsField.Type == gjson.Number {
			ts = uint64(tsField.Float())
		} else {
			ts = uint64(time.Now().UnixNano())
		}

		readings = append(readings, Reading{
			Name:      name,
			Value:     processed,
			Timestamp: ts,
			Warning:   Classify(name, processed),
		})
		return true
	})

	return readings, nil
}
