package ratelimit

import (
	"time"
)

// Limit parameterizes one evaluation. Passed per call so a settings reload
// takes effect on the next event without resetting window state.
type Limit struct {
	Span      time.Duration // trailing window length
	Threshold int           // events allowed inside the span
}

// Decision is the outcome of evaluating one event against a camera's window.
type Decision struct {
	Allowed   bool
	Count     int // timestamps in the window after insertion
	Threshold int
}

// Window caps burst event volume per camera. For each evaluated event the
// camera's recorded timestamps are pruned to the trailing span, the event's
// own timestamp is appended, and the event is suppressed when the resulting
// count exceeds the threshold. Strict greater-than: exactly Threshold events
// inside the span all pass; the next one is suppressed.
//
// Single-writer: only the poll loop calls Observe, so no locking.
type Window struct {
	perCamera map[string][]time.Time
}

func NewWindow() *Window {
	return &Window{perCamera: make(map[string][]time.Time)}
}

// Observe records the event timestamp for the camera and decides whether the
// event may proceed to download. Call at most once per event.
func (w *Window) Observe(cameraID string, eventTime time.Time, limit Limit) Decision {
	cutoff := eventTime.Add(-limit.Span)

	kept := w.perCamera[cameraID][:0]
	for _, t := range w.perCamera[cameraID] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, eventTime)
	w.perCamera[cameraID] = kept

	return Decision{
		Allowed:   len(kept) <= limit.Threshold,
		Count:     len(kept),
		Threshold: limit.Threshold,
	}
}

// Timestamps returns a copy of the camera's current window, for inspection.
func (w *Window) Timestamps(cameraID string) []time.Time {
	cur := w.perCamera[cameraID]
	out := make([]time.Time, len(cur))
	copy(out, cur)
	return out
}
