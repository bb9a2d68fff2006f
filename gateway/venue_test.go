package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Outputs: []string{"stdout"}, Format: "json"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return log
}

func freshBook() *market.OrderBook {
	ob := market.NewOrderBook(5000)
	ob.Replace(
		[]market.Level{{Price: 99900, Size: 5}},
		[]market.Level{{Price: 100000, Size: 5}},
		time.Now(),
	)
	return ob
}

type capturedOrder struct {
	Asset  int
	IsBuy  bool
	Price  string
	Size   string
	Tif    string
	Reduce bool
}

func venueServer(t *testing.T, captured *capturedOrder, statuses []map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exchange" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Venue-Signature") == "" {
			t.Fatalf("exchange request must be signed")
		}
		var body struct {
			Action struct {
				Type   string `json:"type"`
				Orders []struct {
					A int    `json:"a"`
					B bool   `json:"b"`
					P string `json:"p"`
					S string `json:"s"`
					R bool   `json:"r"`
					T struct {
						Limit struct {
							Tif string `json:"tif"`
						} `json:"limit"`
					} `json:"t"`
				} `json:"orders"`
			} `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode order: %v", err)
		}
		if len(body.Action.Orders) != 1 {
			t.Fatalf("expected one order")
		}
		o := body.Action.Orders[0]
		*captured = capturedOrder{
			Asset: o.A, IsBuy: o.B, Price: o.P, Size: o.S,
			Tif: o.T.Limit.Tif, Reduce: o.R,
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"response": map[string]interface{}{
				"data": map[string]interface{}{"statuses": statuses},
			},
		})
	}))
}

func readyClient(t *testing.T, apiURL string, book *market.OrderBook) *VenueClient {
	t.Helper()
	c := NewVenueClient(VenueConfig{
		APIURL:       apiURL,
		Coin:         "BTC",
		AssetIndex:   3,
		TickDecimals: 1,
		APIKey:       "key",
		APISecret:    "secret",
		SlippageBps:  20,
	}, book, NopLimiter(), testLogger(t))
	c.initialized = true
	c.szDecimals = 5
	return c
}

func TestExecuteHedgeBuy(t *testing.T) {
	var captured capturedOrder
	srv := venueServer(t, &captured, []map[string]interface{}{
		{"filled": map[string]interface{}{"totalSz": "0.5", "avgPx": "100100"}},
	})
	defer srv.Close()

	c := readyClient(t, srv.URL, freshBook())
	res, err := c.ExecuteHedge(context.Background(), DirectionLong, 0.5)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// ask VWAP 100000 上浮 20bps → 100200，tick 1 位小数
	if captured.Price != "100200" {
		t.Fatalf("limit price %s", captured.Price)
	}
	if !captured.IsBuy || captured.Asset != 3 || captured.Size != "0.5" {
		t.Fatalf("order fields: %+v", captured)
	}
	if captured.Tif != "Ioc" || captured.Reduce {
		t.Fatalf("tif/reduce: %+v", captured)
	}
	if res.AvgPrice != 100100 || res.FilledSize != 0.5 {
		t.Fatalf("result: %+v", res)
	}
}

func TestExecuteHedgeSellAppliesHostileSlippage(t *testing.T) {
	var captured capturedOrder
	srv := venueServer(t, &captured, []map[string]interface{}{
		{"filled": map[string]interface{}{"totalSz": "0.5", "avgPx": "99750"}},
	})
	defer srv.Close()

	c := readyClient(t, srv.URL, freshBook())
	if _, err := c.ExecuteHedge(context.Background(), DirectionShort, 0.5); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// bid VWAP 99900 下浮 20bps → 99700.2，tick 取整 → 99700.2
	if captured.Price != "99700.2" {
		t.Fatalf("limit price %s", captured.Price)
	}
	if captured.IsBuy {
		t.Fatalf("short hedge must sell")
	}
}

func TestExecuteHedgeRejected(t *testing.T) {
	var captured capturedOrder
	srv := venueServer(t, &captured, []map[string]interface{}{
		{"error": "insufficient margin"},
	})
	defer srv.Close()

	c := readyClient(t, srv.URL, freshBook())
	if _, err := c.ExecuteHedge(context.Background(), DirectionLong, 0.5); err == nil {
		t.Fatalf("venue rejection must surface")
	}
}

func TestExecuteHedgeUnfilled(t *testing.T) {
	var captured capturedOrder
	srv := venueServer(t, &captured, []map[string]interface{}{
		{"resting": map[string]interface{}{"oid": 1}},
	})
	defer srv.Close()

	c := readyClient(t, srv.URL, freshBook())
	if _, err := c.ExecuteHedge(context.Background(), DirectionLong, 0.5); err != ErrOrderUnfilled {
		t.Fatalf("expected ErrOrderUnfilled got %v", err)
	}
}

func TestExecuteHedgeStaleBook(t *testing.T) {
	ob := market.NewOrderBook(5000)
	ob.Replace([]market.Level{{Price: 99900, Size: 5}},
		[]market.Level{{Price: 100000, Size: 5}},
		time.Now().Add(-time.Minute))
	c := readyClient(t, "http://unused", ob)
	if _, err := c.ExecuteHedge(context.Background(), DirectionLong, 0.5); err == nil {
		t.Fatalf("stale book must block hedging")
	}
}

func TestExecuteHedgeUninitialized(t *testing.T) {
	c := NewVenueClient(VenueConfig{}, freshBook(), nil, testLogger(t))
	if _, err := c.ExecuteHedge(context.Background(), DirectionLong, 0.5); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized got %v", err)
	}
}

func TestClearinghouseStateCaching(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"marginSummary": map[string]interface{}{
				"accountValue":    "10000",
				"totalMarginUsed": "1500",
			},
			"assetPositions": []map[string]interface{}{
				{"position": map[string]interface{}{"coin": "BTC", "szi": "-0.25"}},
			},
		})
	}))
	defer srv.Close()

	c := readyClient(t, srv.URL, freshBook())
	st, err := c.RefreshClearinghouseState(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st.AccountValueUSD != 10000 || st.MarginUsedUSD != 1500 || st.PerpPositionBTC != -0.25 {
		t.Fatalf("state: %+v", st)
	}
	if _, err := c.RefreshClearinghouseState(context.Background()); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("second read within TTL must hit cache, calls=%d", calls.Load())
	}

	// 对冲后缓存失效，强制重新拉取
	c.InvalidateAccountCache()
	if _, err := c.RefreshClearinghouseState(context.Background()); err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("invalidated cache must refetch, calls=%d", calls.Load())
	}
}

func TestHedgeDirectionSemantics(t *testing.T) {
	if DirectionShort.IsBuy() || !DirectionLong.IsBuy() {
		t.Fatalf("direction buy mapping wrong")
	}
	if DirectionShort.String() != "SHORT" || DirectionLong.String() != "LONG" {
		t.Fatalf("direction names wrong")
	}
}
