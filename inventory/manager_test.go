package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SovaNetwork/near-delta-neutral-solver/config"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
)

type stubVenue struct {
	state   gateway.ClearinghouseState
	funding float64
	err     error
}

func (s *stubVenue) RefreshClearinghouseState(ctx context.Context) (gateway.ClearinghouseState, error) {
	return s.state, s.err
}

func (s *stubVenue) FundingRateHourly(ctx context.Context) (float64, error) {
	return s.funding, s.err
}

type stubChain struct {
	balances map[string]string
}

func (s *stubChain) GetBalance(ctx context.Context, tokenID string) string {
	if v, ok := s.balances[tokenID]; ok {
		return v
	}
	return "0"
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Outputs: []string{"stdout"}, Format: "json"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return log
}

func testTable(t *testing.T) *config.TokenTable {
	t.Helper()
	table, err := config.BuildTokenTable([]config.TokenConfig{
		{ID: "btc.omft.near", Symbol: "BTC", Decimals: 8, Kind: config.TokenKindBTC},
		{ID: "usdt.tether-token.near", Symbol: "USDT", Decimals: 6, Kind: config.TokenKindUSD},
	})
	if err != nil {
		t.Fatalf("token table: %v", err)
	}
	return table
}

func defaultLimits() Limits {
	return Limits{
		MinMarginUSD:    500,
		MinUSDReserve:   1000,
		MaxBTCInventory: 5.0,
		MinTradeSizeBTC: 0.001,
	}
}

func newTestManager(t *testing.T, venue *stubVenue, balances map[string]string) *Manager {
	t.Helper()
	m := NewManager(venue, &stubChain{balances: balances}, testTable(t), defaultLimits(), testLogger(t))
	if err := m.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return m
}

func richVenue() *stubVenue {
	return &stubVenue{
		state: gateway.ClearinghouseState{
			AccountValueUSD: 10000,
			MarginUsedUSD:   1000,
			PerpPositionBTC: -0.5,
		},
		funding: 0.00001,
	}
}

func richBalances() map[string]string {
	return map[string]string{
		"btc.omft.near":          "100000000", // 1 BTC
		"usdt.tether-token.near": "5000000000", // 5000 USDT
	}
}

func TestSnapshotAggregation(t *testing.T) {
	m := newTestManager(t, richVenue(), richBalances())
	snap, fresh := m.Snapshot()
	if !fresh {
		t.Fatalf("fresh snapshot expected")
	}
	if snap.MarginUSD != 9000 {
		t.Fatalf("margin: %f", snap.MarginUSD)
	}
	if snap.PerpBTC != -0.5 {
		t.Fatalf("perp: %f", snap.PerpBTC)
	}
	if snap.BTCOnChain != 1.0 {
		t.Fatalf("btc on chain: %f", snap.BTCOnChain)
	}
	if snap.USDOnChain != 5000 {
		t.Fatalf("usd on chain: %f", snap.USDOnChain)
	}
	if snap.FundingRateHourly != 0.00001 {
		t.Fatalf("funding: %f", snap.FundingRateHourly)
	}
}

func TestDirectionBoth(t *testing.T) {
	m := newTestManager(t, richVenue(), richBalances())
	if d := m.GetQuoteDirection(); d != DirectionBoth {
		t.Fatalf("expected BOTH got %s", d)
	}
}

func TestDirectionStaleSnapshotIsNone(t *testing.T) {
	m := newTestManager(t, richVenue(), richBalances())
	// 人为做旧快照
	m.snapMu.Lock()
	m.snapshot.UpdatedAtMs = time.Now().Add(-60 * time.Second).UnixMilli()
	m.snapMu.Unlock()
	if d := m.GetQuoteDirection(); d != DirectionNone {
		t.Fatalf("stale snapshot must force NONE, got %s", d)
	}
}

func TestDirectionNoSnapshotIsNone(t *testing.T) {
	m := NewManager(richVenue(), &stubChain{}, testTable(t), defaultLimits(), testLogger(t))
	if d := m.GetQuoteDirection(); d != DirectionNone {
		t.Fatalf("missing snapshot must force NONE, got %s", d)
	}
}

func TestDirectionLowMarginIsNone(t *testing.T) {
	venue := richVenue()
	venue.state.AccountValueUSD = 600
	venue.state.MarginUsedUSD = 200 // 可用 400 < 500
	m := newTestManager(t, venue, richBalances())
	if d := m.GetQuoteDirection(); d != DirectionNone {
		t.Fatalf("low margin must force NONE, got %s", d)
	}
	if !m.LowMargin() {
		t.Fatalf("LowMargin must report true")
	}
}

func TestDirectionBuyOnly(t *testing.T) {
	balances := richBalances()
	balances["btc.omft.near"] = "0" // 没有 BTC 库存可卖
	m := newTestManager(t, richVenue(), balances)
	if d := m.GetQuoteDirection(); d != DirectionBuyOnly {
		t.Fatalf("expected BUY_ONLY got %s", d)
	}
}

func TestDirectionSellOnly(t *testing.T) {
	balances := richBalances()
	balances["usdt.tether-token.near"] = "500000000" // 500 < 1000 reserve
	m := newTestManager(t, richVenue(), balances)
	if d := m.GetQuoteDirection(); d != DirectionSellOnly {
		t.Fatalf("expected SELL_ONLY got %s", d)
	}
}

func TestEmergencyForcesSellOnly(t *testing.T) {
	m := newTestManager(t, richVenue(), richBalances())
	m.SetEmergencyMode(true)
	if d := m.GetQuoteDirection(); d != DirectionSellOnly {
		t.Fatalf("emergency must force SELL_ONLY, got %s", d)
	}
	m.SetEmergencyMode(false)
	if d := m.GetQuoteDirection(); d != DirectionBoth {
		t.Fatalf("cleared emergency must restore snapshot-derived direction, got %s", d)
	}
}

func TestCheckPositionCapacity(t *testing.T) {
	venue := richVenue()
	venue.state.PerpPositionBTC = -4.999
	m := newTestManager(t, venue, richBalances())
	// SHORT 0.01 → |-5.009| > 5.0
	if m.CheckPositionCapacity(gateway.DirectionShort, 0.01) {
		t.Fatalf("capacity must be exceeded")
	}
	// LONG 0.01 → |-4.989| 在限内
	if !m.CheckPositionCapacity(gateway.DirectionLong, 0.01) {
		t.Fatalf("reducing direction must pass")
	}
}

func TestCheckPositionCapacityStale(t *testing.T) {
	m := newTestManager(t, richVenue(), richBalances())
	m.snapMu.Lock()
	m.snapshot.UpdatedAtMs = time.Now().Add(-60 * time.Second).UnixMilli()
	m.snapMu.Unlock()
	if m.CheckPositionCapacity(gateway.DirectionLong, 0.01) {
		t.Fatalf("stale snapshot must fail capacity check")
	}
}

func TestRefreshErrorKeepsOldSnapshot(t *testing.T) {
	venue := richVenue()
	m := newTestManager(t, venue, richBalances())
	before, _ := m.Snapshot()

	venue.err = errors.New("venue down")
	if err := m.RefreshSnapshot(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	after, _ := m.Snapshot()
	if after.UpdatedAtMs != before.UpdatedAtMs {
		t.Fatalf("failed refresh must not replace the snapshot")
	}
}
