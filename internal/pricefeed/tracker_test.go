package pricefeed

import (
	"testing"
	"time"

	"moonlander/internal/model"
)

func TestTracker_Direction(t *testing.T) {
	tr := NewTracker(8)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// First observation has no reference — FLAT
	tk := tr.Observe("BTC-USD", 50000, base)
	if tk.Direction != model.DirFlat {
		t.Errorf("first observation: expected FLAT, got %s", tk.Direction)
	}

	tk = tr.Observe("BTC-USD", 50100, base.Add(time.Second))
	if tk.Direction != model.DirUp {
		t.Errorf("price rose: expected UP, got %s", tk.Direction)
	}

	// Unchanged price keeps the prior direction
	tk = tr.Observe("BTC-USD", 50100, base.Add(2*time.Second))
	if tk.Direction != model.DirUp {
		t.Errorf("unchanged price: expected UP kept, got %s", tk.Direction)
	}

	tk = tr.Observe("BTC-USD", 50050, base.Add(3*time.Second))
	if tk.Direction != model.DirDown {
		t.Errorf("price fell: expected DOWN, got %s", tk.Direction)
	}

	tk = tr.Observe("BTC-USD", 50050, base.Add(4*time.Second))
	if tk.Direction != model.DirDown {
		t.Errorf("unchanged price: expected DOWN kept, got %s", tk.Direction)
	}
}

func TestTracker_PerProductIsolation(t *testing.T) {
	tr := NewTracker(8)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.Observe("BTC-USD", 50000, base)
	tr.Observe("ETH-USD", 3000, base)
	tr.Observe("BTC-USD", 50100, base.Add(time.Second))
	tr.Observe("ETH-USD", 2900, base.Add(time.Second))

	btc, ok := tr.Last("BTC-USD")
	if !ok || btc.Direction != model.DirUp {
		t.Errorf("BTC: expected UP, got %s ok=%v", btc.Direction, ok)
	}
	eth, ok := tr.Last("ETH-USD")
	if !ok || eth.Direction != model.DirDown {
		t.Errorf("ETH: expected DOWN, got %s ok=%v", eth.Direction, ok)
	}

	if _, ok := tr.Last("SOL-USD"); ok {
		t.Error("unobserved product should not report a tick")
	}
}

func TestTracker_WindowChronological(t *testing.T) {
	tr := NewTracker(4)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Push 6 prices through a window of 4 — oldest two fall off
	for i := 0; i < 6; i++ {
		tr.Observe("BTC-USD", float64(100+i), base.Add(time.Duration(i)*time.Second))
	}

	w := tr.Window("BTC-USD")
	want := []float64{102, 103, 104, 105}
	if len(w) != len(want) {
		t.Fatalf("expected window len %d, got %d", len(want), len(w))
	}
	for i := range want {
		if w[i] != want[i] {
			t.Errorf("window[%d]: expected %.0f, got %.0f", i, want[i], w[i])
		}
	}
}

func TestTracker_WindowPartialFill(t *testing.T) {
	tr := NewTracker(10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.Observe("BTC-USD", 1, base)
	tr.Observe("BTC-USD", 2, base.Add(time.Second))

	w := tr.Window("BTC-USD")
	if len(w) != 2 || w[0] != 1 || w[1] != 2 {
		t.Errorf("expected [1 2], got %v", w)
	}
	if tr.Window("ETH-USD") != nil {
		t.Error("unobserved product should return nil window")
	}
}
