package ticks

import "github.com/aristath/tradecore/internal/botrun"

// RingBuffer is a fixed-capacity circular buffer of quotes. WindowView
// returns a non-owning copy-free-ish view over the last n entries; since Go
// has no true non-owning slice over non-contiguous storage, WindowView
// compacts into a reused scratch slice sized on demand, avoiding an
// allocation per call for steady-state window sizes.
type RingBuffer struct {
	buf      []botrun.Quote
	cap      int
	head     int // index of the next write
	size     int // number of valid entries
	scratch  []botrun.Quote
}

// NewRingBuffer builds a buffer holding at most capacity quotes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]botrun.Quote, capacity), cap: capacity}
}

// Push appends a quote, overwriting the oldest entry once full.
func (r *RingBuffer) Push(q botrun.Quote) {
	r.buf[r.head] = q
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
}

// Len returns the number of valid entries currently held.
func (r *RingBuffer) Len() int { return r.size }

// Last returns the most recently pushed quote, if any.
func (r *RingBuffer) Last() (botrun.Quote, bool) {
	if r.size == 0 {
		return botrun.Quote{}, false
	}
	idx := (r.head - 1 + r.cap) % r.cap
	return r.buf[idx], true
}

// WindowView returns the last n quotes, oldest first. If fewer than n are
// available, it returns nil and false.
func (r *RingBuffer) WindowView(n int) ([]botrun.Quote, bool) {
	if n > r.size {
		return nil, false
	}
	if cap(r.scratch) < n {
		r.scratch = make([]botrun.Quote, n)
	}
	view := r.scratch[:n]
	start := (r.head - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		view[i] = r.buf[(start+i)%r.cap]
	}
	return view, true
}
