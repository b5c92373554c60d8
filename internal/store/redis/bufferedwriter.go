package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"moonlander/internal/model"
)

// pendingWrite represents a write that was buffered during circuit-open state.
type pendingWrite struct {
	WriteType string // "eval", "tick", "bar", "mission", "board"
	Data      []byte // JSON-encoded payload
}

// BufferedWriter wraps a Redis Writer with a circuit breaker.
// During circuit-open state, writes are buffered locally and flushed
// when the circuit closes again.
type BufferedWriter struct {
	writer *Writer
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int // max buffered writes before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedWriter creates a BufferedWriter wrapping the given Writer.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// Run consumes the evaluation and tick channels through the circuit
// breaker. Either channel may be nil. Blocks until ctx is cancelled or
// both channels are closed.
func (bw *BufferedWriter) Run(ctx context.Context, evalCh <-chan model.OrderEval, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case oe, ok := <-evalCh:
			if !ok {
				if tickCh == nil {
					return
				}
				evalCh = nil
				continue
			}
			if err := bw.WriteEval(oe); err != nil {
				log.Printf("[buffered-writer] eval write error for %s: %v", oe.Key(), err)
			}
		case tick, ok := <-tickCh:
			if !ok {
				if evalCh == nil {
					return
				}
				tickCh = nil
				continue
			}
			if err := bw.WriteTick(tick); err != nil {
				log.Printf("[buffered-writer] tick write error for %s: %v", tick.Product, err)
			}
		}
	}
}

// WriteEval writes an evaluation through the circuit breaker.
// If the circuit is open, the write is buffered locally.
func (bw *BufferedWriter) WriteEval(oe model.OrderEval) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.writeEval(bw.ctx, oe)
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("eval", &oe)
		return nil // buffered, not lost
	}
	return err
}

// WriteTick writes a tick through the circuit breaker.
func (bw *BufferedWriter) WriteTick(t model.Tick) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.writeTick(bw.ctx, t)
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("tick", &t)
		return nil
	}
	return err
}

// WriteBar writes a bar through the circuit breaker. Forming bars are
// never buffered: a stale forming snapshot is worthless once the circuit
// recovers.
func (bw *BufferedWriter) WriteBar(b model.PriceBar) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.writeBar(bw.ctx, b)
	})
	if err == ErrCircuitOpen {
		if !b.Forming {
			bw.bufferWrite("bar", &b)
		}
		return nil
	}
	return err
}

// WriteMission writes a mission through the circuit breaker.
func (bw *BufferedWriter) WriteMission(ctx context.Context, m model.Mission) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteMission(ctx, m)
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("mission", &m)
		return nil
	}
	return err
}

// PublishBoardJSON publishes a board snapshot through the circuit
// breaker. Only the newest snapshot is worth keeping, so a buffered
// board write replaces any earlier one.
func (bw *BufferedWriter) PublishBoardJSON(ctx context.Context, data []byte) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.PublishBoardJSON(ctx, data)
	})
	if err == ErrCircuitOpen {
		bw.mu.Lock()
		for i := len(bw.buffer) - 1; i >= 0; i-- {
			if bw.buffer[i].WriteType == "board" {
				bw.buffer = append(bw.buffer[:i], bw.buffer[i+1:]...)
			}
		}
		bw.mu.Unlock()
		bw.bufferRaw("board", append([]byte(nil), data...))
		return nil
	}
	return err
}

func (bw *BufferedWriter) bufferWrite(writeType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[buffered-writer] marshal error: %v", err)
		return
	}
	bw.bufferRaw(writeType, data)
}

func (bw *BufferedWriter) bufferRaw(writeType string, data []byte) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full — drop oldest
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pendingWrite{WriteType: writeType, Data: data})

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays all buffered writes through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		switch pw.WriteType {
		case "eval":
			var oe model.OrderEval
			if json.Unmarshal(pw.Data, &oe) == nil {
				bw.writer.writeEval(bw.ctx, oe)
			}
		case "tick":
			var t model.Tick
			if json.Unmarshal(pw.Data, &t) == nil {
				bw.writer.writeTick(bw.ctx, t)
			}
		case "bar":
			var b model.PriceBar
			if json.Unmarshal(pw.Data, &b) == nil {
				bw.writer.writeBar(bw.ctx, b)
			}
		case "mission":
			var m model.Mission
			if json.Unmarshal(pw.Data, &m) == nil {
				bw.writer.WriteMission(bw.ctx, m)
			}
		case "board":
			bw.writer.PublishBoardJSON(bw.ctx, pw.Data)
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Underlying returns the underlying Redis writer for direct access.
func (bw *BufferedWriter) Underlying() *Writer {
	return bw.writer
}

// Close closes the underlying writer.
func (bw *BufferedWriter) Close() error {
	return bw.writer.Close()
}
