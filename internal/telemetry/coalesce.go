package telemetry

import "time"

// CoalesceInterval is the minimum spacing between broadcasts, spec.md
// §4.6/§8: "coalesce readings arriving within a 100ms window into one
// broadcast." Grounded on parse_sensor_data's
// `(current_time - last_broadcast_time) >= 100` millisecond gate.
const CoalesceInterval = 100 * time.Millisecond

// Coalescer batches Readings across however many upstream frames arrive
// within CoalesceInterval of the last flush, releasing them all at once
// on the frame that crosses the gate. It is not safe for concurrent use;
// the telemetry reactor's single upstream-data callback is its only
// caller.
type Coalescer struct {
	// Now is the clock source, overridable in tests; defaults to
	// time.Now if left nil at first use.
	Now func() time.Time

	last    time.Time
	pending []Reading
}

// Ingest appends readings to the pending batch and reports whether
// CoalesceInterval has elapsed since the last flush. When ready is true,
// flushed holds every reading accumulated since the previous flush
// (including the ones just appended) and the internal batch is reset.
func (c *Coalescer) Ingest(readings []Reading) (flushed []Reading, ready bool) {
	if c.Now == nil {
		c.Now = time.Now
	}
	now := c.Now()
	c.pending = append(c.pending, readings...)

	if c.last.IsZero() {
		c.last = now
	}
	if now.Sub(c.last) < CoalesceInterval {
		return nil, false
	}

	flushed = c.pending
	c.pending = nil
	c.last = now
	return flushed, true
}
