package feed

import (
	"context"
	"testing"
	"time"

	"moonlander/internal/model"
)

func testEval(orderID, product string) model.OrderEval {
	return model.OrderEval{
		Order: model.Order{ID: orderID, Product: product, Side: model.SideSell},
		Eval:  model.Evaluation{OrderID: orderID, Product: product, Status: model.StatusStable},
	}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe()
	out2 := fo.Subscribe()

	input := make(chan model.OrderEval, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go fo.Run(ctx, input)

	input <- testEval("ord-1", "BTC-USD")
	time.Sleep(50 * time.Millisecond)

	select {
	case oe := <-out1:
		if oe.Order.ID != "ord-1" {
			t.Errorf("out1: expected order ord-1, got %s", oe.Order.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("out1: timed out waiting for evaluation")
	}

	select {
	case oe := <-out2:
		if oe.Eval.Product != "BTC-USD" {
			t.Errorf("out2: expected product BTC-USD, got %s", oe.Eval.Product)
		}
	case <-time.After(time.Second):
		t.Fatal("out2: timed out waiting for evaluation")
	}

	cancel()
}

func TestFanOut_DropsForSlowConsumer(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe()

	dropped := make(chan int, 10)
	fo.OnDrop = func(idx int) { dropped <- idx }

	input := make(chan model.OrderEval, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	// Fill the subscriber buffer (cap 1) and then overflow it.
	input <- testEval("ord-1", "BTC-USD")
	input <- testEval("ord-2", "BTC-USD")

	select {
	case idx := <-dropped:
		if idx != 0 {
			t.Errorf("expected drop for subscriber 0, got %d", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop callback")
	}

	// The first evaluation must still be delivered.
	select {
	case oe := <-slow:
		if oe.Order.ID != "ord-1" {
			t.Errorf("expected ord-1 first, got %s", oe.Order.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for buffered evaluation")
	}
}

func TestTickFanOut_BroadcastsToAll(t *testing.T) {
	fo := NewTickFanOut(10)
	out1 := fo.Subscribe()
	out2 := fo.Subscribe()

	input := make(chan model.Tick, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.Tick{Product: "ETH-USD", Price: 2500, TS: time.Now().UTC()}

	for i, out := range []<-chan model.Tick{out1, out2} {
		select {
		case tick := <-out:
			if tick.Product != "ETH-USD" || tick.Price != 2500 {
				t.Errorf("out%d: got %+v, want ETH-USD @ 2500", i+1, tick)
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for tick", i+1)
		}
	}
}

func TestTickFanOut_ClosesOutputsWhenInputCloses(t *testing.T) {
	fo := NewTickFanOut(4)
	out := fo.Subscribe()

	input := make(chan model.Tick)
	go fo.Run(context.Background(), input)
	close(input)

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected closed output channel, got a tick")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel not closed after input close")
	}
}
