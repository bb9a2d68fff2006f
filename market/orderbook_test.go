package market

import (
	"math"
	"testing"
	"time"
)

func freshBook(bids, asks []Level) *OrderBook {
	ob := NewOrderBook(5000)
	ob.Replace(bids, asks, time.Now())
	return ob
}

func TestVWAPSingleLevel(t *testing.T) {
	ob := freshBook(
		[]Level{{Price: 100000, Size: 10}},
		[]Level{{Price: 100100, Size: 10}},
	)
	px, err := ob.VWAP(SideBid, 0.01)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if px != 100000 {
		t.Fatalf("expected 100000 got %f", px)
	}
}

func TestVWAPWalksLevels(t *testing.T) {
	// 2 @ 100 + 1 @ 99 = 299 notional over 3 units
	ob := freshBook(
		[]Level{{Price: 100, Size: 2}, {Price: 99, Size: 5}},
		[]Level{{Price: 101, Size: 1}},
	)
	px, err := ob.VWAP(SideBid, 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := (2*100.0 + 1*99.0) / 3.0
	if math.Abs(px-want) > 1e-9 {
		t.Fatalf("expected %f got %f", want, px)
	}
}

func TestVWAPGreedyEqualsManual(t *testing.T) {
	levels := []Level{{Price: 100, Size: 0.5}, {Price: 99.5, Size: 0.7}, {Price: 98, Size: 3}}
	ob := freshBook(levels, []Level{{Price: 101, Size: 1}})
	size := 1.9
	px, err := ob.VWAP(SideBid, size)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 手工贪心展开
	remaining := size
	notional := 0.0
	for _, lvl := range levels {
		take := math.Min(lvl.Size, remaining)
		notional += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if math.Abs(px-notional/size) > 1e-9 {
		t.Fatalf("greedy mismatch: %f vs %f", px, notional/size)
	}
}

func TestVWAPInsufficientLiquidity(t *testing.T) {
	ob := freshBook([]Level{{Price: 100, Size: 1}}, []Level{{Price: 101, Size: 1}})
	if _, err := ob.VWAP(SideBid, 2); err != ErrInsufficientLiquidity {
		t.Fatalf("expected ErrInsufficientLiquidity got %v", err)
	}
}

func TestVWAPResidualTolerance(t *testing.T) {
	// 档位合计与请求规模只差浮点噪声时不应拒绝
	ob := freshBook([]Level{{Price: 100, Size: 0.1 + 0.2}}, []Level{{Price: 101, Size: 1}})
	if _, err := ob.VWAP(SideBid, 0.3); err != nil {
		t.Fatalf("tolerance not applied: %v", err)
	}
}

func TestVWAPStale(t *testing.T) {
	ob := NewOrderBook(5000)
	ob.Replace([]Level{{Price: 100, Size: 1}}, []Level{{Price: 101, Size: 1}},
		time.Now().Add(-10*time.Second))
	if _, err := ob.VWAP(SideBid, 0.5); err != ErrBookStale {
		t.Fatalf("expected ErrBookStale got %v", err)
	}
	if ob.Fresh(time.Now()) {
		t.Fatalf("book should not be fresh")
	}
}

func TestVWAPEmptySide(t *testing.T) {
	ob := NewOrderBook(5000)
	ob.Replace(nil, []Level{{Price: 101, Size: 1}}, time.Now())
	if _, err := ob.VWAP(SideBid, 1); err != ErrBookEmpty {
		t.Fatalf("expected ErrBookEmpty got %v", err)
	}
}

func TestBestAndMid(t *testing.T) {
	ob := freshBook(
		[]Level{{Price: 100, Size: 1}, {Price: 99, Size: 1}},
		[]Level{{Price: 102, Size: 1}, {Price: 103, Size: 1}},
	)
	bid, ask, ok := ob.BestBidAsk()
	if !ok || bid.Price != 100 || ask.Price != 102 {
		t.Fatalf("unexpected best bid/ask: %+v %+v", bid, ask)
	}
	mid, spread, err := ob.MidSpread()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if mid != 101 || spread != 2 {
		t.Fatalf("unexpected mid/spread %f/%f", mid, spread)
	}
	if bid.Price > ask.Price {
		t.Fatalf("invariant violated: best bid above best ask")
	}
}

func TestNeverSeenBookIsStale(t *testing.T) {
	ob := NewOrderBook(5000)
	if ob.Fresh(time.Now()) {
		t.Fatalf("empty book must be stale")
	}
}
