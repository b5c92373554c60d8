package ringbuf

import (
	"runtime"
	"testing"
	"time"

	"moonlander/internal/model"
)

func TestPushPop_FIFO(t *testing.T) {
	r := New(4)
	for i := 0; i < 3; i++ {
		if !r.Push(model.Tick{Product: "BTC-USD", Price: float64(i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	for i := 0; i < 3; i++ {
		tk, ok := r.Pop()
		if !ok || tk.Price != float64(i) {
			t.Fatalf("pop %d: got %v ok=%v", i, tk.Price, ok)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop on empty ring should report !ok")
	}
}

func TestFullRing_RejectsAndCounts(t *testing.T) {
	r := New(2)
	r.Push(model.Tick{Price: 1})
	r.Push(model.Tick{Price: 2})

	if r.Push(model.Tick{Price: 3}) {
		t.Fatal("push into full ring should fail")
	}
	if r.Overflow() != 1 {
		t.Fatalf("Overflow = %d, want 1", r.Overflow())
	}

	// The rejected tick must not have clobbered buffered ones.
	first, _ := r.Pop()
	second, _ := r.Pop()
	if first.Price != 1 || second.Price != 2 {
		t.Fatalf("buffered ticks corrupted: %v %v", first.Price, second.Price)
	}
}

func TestWraparound_OddBatches(t *testing.T) {
	r := New(4)
	next, want := 0.0, 0.0
	// Batches of 3 against capacity 4 force the cursors across the wrap
	// point repeatedly.
	for batch := 0; batch < 10; batch++ {
		for i := 0; i < 3; i++ {
			if !r.Push(model.Tick{Price: next}) {
				t.Fatalf("batch %d: push %v rejected", batch, next)
			}
			next++
		}
		for i := 0; i < 3; i++ {
			tk, ok := r.Pop()
			if !ok || tk.Price != want {
				t.Fatalf("batch %d: got %v ok=%v, want %v", batch, tk.Price, ok, want)
			}
			want++
		}
	}
}

func TestDrain_EmptiesRing(t *testing.T) {
	r := New(8)
	for i := 0; i < 5; i++ {
		r.Push(model.Tick{Price: float64(i)})
	}

	var got []float64
	n := r.Drain(func(tk model.Tick) { got = append(got, tk.Price) })
	if n != 5 || len(got) != 5 {
		t.Fatalf("Drain returned %d, collected %d", n, len(got))
	}
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("drain order broken at %d: %v", i, v)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("ring not empty after drain: Len = %d", r.Len())
	}
	if r.Drain(func(model.Tick) {}) != 0 {
		t.Fatal("drain of empty ring should deliver nothing")
	}
}

func TestCapacityRounding(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 2}, {1, 2}, {2, 2}, {3, 4}, {5, 8}, {8, 8}, {9, 16}, {1000, 1024},
	}
	for _, tc := range cases {
		if got := New(tc.in).Cap(); got != tc.want {
			t.Errorf("New(%d).Cap() = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 100_000
	r := New(1024)

	go func() {
		for i := 0; i < total; i++ {
			for !r.Push(model.Tick{Price: float64(i)}) {
				runtime.Gosched()
			}
		}
	}()

	done := make(chan []float64, 1)
	go func() {
		got := make([]float64, 0, total)
		for len(got) < total {
			if r.Drain(func(tk model.Tick) { got = append(got, tk.Price) }) == 0 {
				runtime.Gosched()
			}
		}
		done <- got
	}()

	select {
	case got := <-done:
		for i, v := range got {
			if v != float64(i) {
				t.Fatalf("order violated at %d: got %v", i, v)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("producer/consumer pair timed out")
	}
}
