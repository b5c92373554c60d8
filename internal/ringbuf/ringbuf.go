// Package ringbuf implements the single-producer single-consumer ring
// that decouples the ticker socket from the evaluation pipeline. The WS
// read loop pushes raw ticks, the poller drains them; neither side ever
// blocks the other, and a stalled consumer surfaces as an overflow count
// instead of socket backpressure.
package ringbuf

import (
	"math/bits"
	"sync/atomic"

	"moonlander/internal/model"
)

const cacheLine = 64

// counter is an atomic cursor padded out to its own cache line so the
// producer and consumer cursors never share one.
type counter struct {
	atomic.Uint64
	_ [cacheLine - 8]byte
}

// Ring is a fixed-capacity SPSC tick buffer. Exactly one goroutine may
// push and exactly one may pop; anything else races. Capacity is a power
// of two so index wrapping is a single mask.
type Ring struct {
	buf  []model.Tick
	mask uint64

	head    counter // producer cursor
	tail    counter // consumer cursor
	dropped atomic.Uint64
}

// New creates a ring holding at least capacity ticks, rounded up to the
// next power of two (minimum 2).
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Tick, n),
		mask: uint64(n - 1),
	}
}

// Push appends a tick without blocking. A full ring rejects the tick and
// bumps the overflow counter.
func (r *Ring) Push(t model.Tick) bool {
	head := r.head.Load()
	if head-r.tail.Load() == uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[head&r.mask] = t
	r.head.Store(head + 1)
	return true
}

// Pop removes the oldest tick without blocking. ok is false when the
// ring is empty.
func (r *Ring) Pop() (model.Tick, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return model.Tick{}, false
	}
	t := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return t, true
}

// Drain pops every buffered tick into fn and reports how many it
// delivered. Consumer-side only, like Pop.
func (r *Ring) Drain(fn func(model.Tick)) int {
	n := 0
	for {
		t, ok := r.Pop()
		if !ok {
			return n
		}
		fn(t)
		n++
	}
}

// Len returns the number of buffered ticks.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of pushes rejected because the ring
// was full.
func (r *Ring) Overflow() uint64 {
	return r.dropped.Load()
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
