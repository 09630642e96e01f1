// Package printer tracks print-job state from the status reports a
// Bambu Lab printer publishes on its device/{serial}/report topic.
//
// Reports are heterogeneous: the firmware sends full snapshots after a
// pushall request and small deltas otherwise, and many messages carry
// no print section at all. Only two fields matter here, gcode_state and
// mc_percent. Everything else is ignored.
package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// StateRunning is the gcode_state reported while a job is actively
// printing. Leaving it is what makes a transition notification-worthy.
const StateRunning = "RUNNING"

// Report is the part of a status message the tracker cares about.
type Report struct {
	// HasPrint is false when the message had no "print" object.
	HasPrint bool
	// State is the gcode_state value, or "" when absent.
	State string
	// Percent is mc_percent clamped to 0..100, or 0 when absent or not
	// a number.
	Percent int
}

// Decode parses a raw report payload. It only fails on malformed JSON;
// missing or oddly typed fields fall back to their defaults.
func Decode(payload []byte) (Report, error) {
	var envelope struct {
		Print json.RawMessage `json:"print"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}

	raw := bytes.TrimSpace(envelope.Print)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Report{}, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		// A print key that is not an object carries no job state.
		return Report{}, nil
	}

	r := Report{HasPrint: true}
	if s, ok := fields["gcode_state"].(string); ok {
		r.State = s
	}
	if n, ok := fields["mc_percent"].(float64); ok {
		r.Percent = clampPercent(n)
	}
	return r, nil
}

// clampPercent converts a reported percentage to an int in 0..100.
// Fractions are truncated.
func clampPercent(n float64) int {
	switch {
	case math.IsNaN(n) || n <= 0:
		return 0
	case n >= 100:
		return 100
	default:
		return int(n)
	}
}
