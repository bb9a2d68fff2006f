package market

import (
	"errors"
	"sync"
	"time"
)

// Side 指定订单簿的一侧。
type Side int

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

var (
	ErrBookEmpty             = errors.New("order book empty")
	ErrBookStale             = errors.New("order book stale")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Level 一档价格与数量。
type Level struct {
	Price float64
	Size  float64
}

// vwapResidualTol 允许的未成交残量，吸收浮点累计误差。
const vwapResidualTol = 1e-6

// OrderBook 维护最近一次 L2 快照。bids 降序、asks 升序，首档即最优价。
// 写入方为行情回调，读侧永远看到整体替换后的一致快照。
type OrderBook struct {
	mu           sync.RWMutex
	bids         []Level
	asks         []Level
	lastUpdateMs int64
	maxAgeMs     int64
}

// NewOrderBook creates a book that treats snapshots older than maxAgeMs as stale.
func NewOrderBook(maxAgeMs int64) *OrderBook {
	if maxAgeMs <= 0 {
		maxAgeMs = 5000
	}
	return &OrderBook{maxAgeMs: maxAgeMs}
}

// Replace 整体替换两侧档位。调用方保证 bids 降序、asks 升序。
func (ob *OrderBook) Replace(bids, asks []Level, ts time.Time) {
	ob.mu.Lock()
	ob.bids = bids
	ob.asks = asks
	ob.lastUpdateMs = ts.UnixMilli()
	ob.mu.Unlock()
}

// LastUpdateMs returns the timestamp of the last snapshot, 0 if none seen.
func (ob *OrderBook) LastUpdateMs() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdateMs
}

// Fresh reports whether the book is younger than the staleness cutoff.
func (ob *OrderBook) Fresh(now time.Time) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.freshLocked(now)
}

func (ob *OrderBook) freshLocked(now time.Time) bool {
	if ob.lastUpdateMs == 0 {
		return false
	}
	return now.UnixMilli()-ob.lastUpdateMs <= ob.maxAgeMs
}

// VWAP 按价格顺序逐档吃掉 size，返回名义金额/size。
// 书太旧返回 ErrBookStale，空侧返回 ErrBookEmpty，深度不足返回 ErrInsufficientLiquidity。
func (ob *OrderBook) VWAP(side Side, size float64) (float64, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if !ob.freshLocked(time.Now()) {
		return 0, ErrBookStale
	}
	levels := ob.bids
	if side == SideAsk {
		levels = ob.asks
	}
	if len(levels) == 0 {
		return 0, ErrBookEmpty
	}
	if size <= 0 {
		return 0, ErrInsufficientLiquidity
	}

	remaining := size
	notional := 0.0
	for _, lvl := range levels {
		take := lvl.Size
		if take > remaining {
			take = remaining
		}
		notional += take * lvl.Price
		remaining -= take
		if remaining <= vwapResidualTol {
			return notional / size, nil
		}
	}
	return 0, ErrInsufficientLiquidity
}

// BestBidAsk returns the top level of each side. ok is false when either
// side is empty.
func (ob *OrderBook) BestBidAsk() (bid, ask Level, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 || len(ob.asks) == 0 {
		return Level{}, Level{}, false
	}
	return ob.bids[0], ob.asks[0], true
}

// MidSpread 返回首档 mid 与绝对价差。
func (ob *OrderBook) MidSpread() (mid, spread float64, err error) {
	bid, ask, ok := ob.BestBidAsk()
	if !ok {
		return 0, 0, ErrBookEmpty
	}
	return (bid.Price + ask.Price) / 2, ask.Price - bid.Price, nil
}

// Depth returns copies of both sides for diagnostics.
func (ob *OrderBook) Depth() (bids, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bids = append(bids, ob.bids...)
	asks = append(asks, ob.asks...)
	return bids, asks
}
