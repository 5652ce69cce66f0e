package resilience

import (
	"math"
	"slices"
	"time"
)

// latencyWindowSize bounds the samples used for percentiles and averages.
const latencyWindowSize = 1000

// latencyWindow is a fixed-size ring of the most recent operation durations.
// It is not safe for concurrent use; the [Manager] guards it.
type latencyWindow struct {
	buf  []time.Duration
	next int
	full bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{buf: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.buf[w.next] = d
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) count() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

func (w *latencyWindow) samples() []time.Duration {
	return slices.Clone(w.buf[:w.count()])
}

func (w *latencyWindow) mean() time.Duration {
	n := w.count()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.buf[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}

// percentile returns the nearest-rank percentile p in (0,1].
func (w *latencyWindow) percentile(p float64) time.Duration {
	s := w.samples()
	if len(s) == 0 {
		return 0
	}
	slices.Sort(s)
	i := int(math.Ceil(p*float64(len(s)))) - 1
	return s[max(0, min(i, len(s)-1))]
}

func (w *latencyWindow) reset() {
	clear(w.buf)
	w.next = 0
	w.full = false
}
