package pool

import "time"

type sample struct {
	latency time.Duration
	ok      bool
}

// window is a fixed-size ring of recent request outcomes.
type window struct {
	samples []sample
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]sample, size)}
}

func (w *window) add(latency time.Duration, ok bool) {
	w.samples[w.next] = sample{latency: latency, ok: ok}
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) summary() (failureRate float64, avg time.Duration, n int) {
	n = w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0, 0, 0
	}
	var failed int
	var total time.Duration
	for _, s := range w.samples[:n] {
		if !s.ok {
			failed++
		}
		total += s.latency
	}
	return float64(failed) / float64(n), total / time.Duration(n), n
}
