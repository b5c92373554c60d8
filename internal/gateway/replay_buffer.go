package gateway

import "sync"

// replayEntry holds a single broadcasted envelope for replay.
type replayEntry struct {
	Seq  int64
	Data []byte // pre-built envelope JSON
}

// ReplayBuffer is a fixed-size circular buffer of recent WS envelopes for
// one channel. Range queries serve client gap backfill after a reconnect.
//
// Thread-safe for concurrent writes and reads.
type ReplayBuffer struct {
	mu    sync.RWMutex
	ring  []replayEntry
	write int // next write position
	count int // entries currently held, up to capacity
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{ring: make([]replayEntry, capacity)}
}

// Push appends an envelope to the buffer. Overwrites the oldest entry when
// full. The data is copied; the caller keeps ownership of its slice.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	rb.mu.Lock()
	rb.ring[rb.write] = replayEntry{Seq: seq, Data: cp}
	rb.write = (rb.write + 1) % len(rb.ring)
	if rb.count < len(rb.ring) {
		rb.count++
	}
	rb.mu.Unlock()
}

// Range returns all entries with seq in [fromSeq, toSeq] inclusive,
// oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	oldest := rb.write + len(rb.ring) - rb.count
	for i := 0; i < rb.count; i++ {
		e := rb.ring[(oldest+i)%len(rb.ring)]
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently in the buffer.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
