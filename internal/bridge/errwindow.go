package bridge

import "time"

// errorWindow escalates a burst of per-frame failures into a session failure
type errorWindow struct {
	limit  int
	window time.Duration
	times  []time.Time
}

func newErrorWindow(limit int, window time.Duration) *errorWindow {
	return &errorWindow{limit: limit, window: window}
}

// Record notes one failure at now and reports whether the burst limit is reached
func (w *errorWindow) Record(now time.Time) bool {
	if w.limit <= 0 {
		return false
	}
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times) >= w.limit
}
