package reliability

import "time"

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

type bucket struct {
	start     time.Time
	successes int
	failures  int
	timeouts  int
}

// rollingWindow counts call outcomes in fixed-width time buckets.
// Buckets older than the window are ignored and overwritten lazily.
type rollingWindow struct {
	size    time.Duration
	width   time.Duration
	buckets []bucket
}

func newRollingWindow(size time.Duration, count int) *rollingWindow {
	if count < 1 {
		count = 1
	}
	width := size / time.Duration(count)
	if width <= 0 {
		width = time.Millisecond
	}
	return &rollingWindow{
		size:    width * time.Duration(count),
		width:   width,
		buckets: make([]bucket, count),
	}
}

func (w *rollingWindow) add(now time.Time, o outcome) {
	start := now.Truncate(w.width)
	idx := int((start.UnixNano() / int64(w.width)) % int64(len(w.buckets)))
	if idx < 0 {
		idx += len(w.buckets)
	}
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	switch o {
	case outcomeSuccess:
		b.successes++
	case outcomeFailure:
		b.failures++
	case outcomeTimeout:
		b.timeouts++
	}
}

// totals returns the number of calls and the number of failed or timed-out calls inside the window.
func (w *rollingWindow) totals(now time.Time) (total, bad int) {
	for _, b := range w.buckets {
		if b.start.IsZero() {
			continue
		}
		if age := now.Sub(b.start); age < 0 || age >= w.size {
			continue
		}
		total += b.successes + b.failures + b.timeouts
		bad += b.failures + b.timeouts
	}
	return total, bad
}

func (w *rollingWindow) failurePercentage(now time.Time) (float64, int) {
	total, bad := w.totals(now)
	if total == 0 {
		return 0, 0
	}
	return float64(bad) * 100 / float64(total), total
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
