package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/config"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
)

// QuoteDirection 报价方向策略。
type QuoteDirection int

const (
	DirectionNone QuoteDirection = iota
	DirectionBuyOnly
	DirectionSellOnly
	DirectionBoth
)

func (d QuoteDirection) String() string {
	switch d {
	case DirectionBuyOnly:
		return "BUY_ONLY"
	case DirectionSellOnly:
		return "SELL_ONLY"
	case DirectionBoth:
		return "BOTH"
	default:
		return "NONE"
	}
}

// AllowsBuy reports whether the solver may buy BTC from users.
func (d QuoteDirection) AllowsBuy() bool {
	return d == DirectionBuyOnly || d == DirectionBoth
}

// AllowsSell reports whether the solver may sell BTC to users.
func (d QuoteDirection) AllowsSell() bool {
	return d == DirectionSellOnly || d == DirectionBoth
}

// RiskSnapshot 单个刷新周期产出的原子快照，所有字段来自同一轮取数。
type RiskSnapshot struct {
	UpdatedAtMs       int64
	MarginUSD         float64 // 可用保证金（净值-占用）
	PerpBTC           float64 // 带符号永续仓位
	FundingRateHourly float64
	BTCOnChain        float64
	USDOnChain        float64
}

const (
	snapshotMaxAge  = 30 * time.Second
	refreshInterval = 5 * time.Second
)

// VenueStateProvider 是 Manager 需要的最小 venue 面。
type VenueStateProvider interface {
	RefreshClearinghouseState(ctx context.Context) (gateway.ClearinghouseState, error)
	FundingRateHourly(ctx context.Context) (float64, error)
}

// BalanceReader reads an on-chain balance in base units ("0" on failure).
type BalanceReader interface {
	GetBalance(ctx context.Context, tokenID string) string
}

// Limits 是方向/容量判定用到的阈值。
type Limits struct {
	MinMarginUSD    float64
	MinUSDReserve   float64
	MaxBTCInventory float64
	MinTradeSizeBTC float64
}

// Manager 周期性聚合 venue + chain 状态为一个 RiskSnapshot，
// 并同步回答方向与容量问题。emergency 标志由 hedger 驱动。
type Manager struct {
	venue   VenueStateProvider
	chain   BalanceReader
	tokens  *config.TokenTable
	limits  Limits
	log     *logger.Logger

	snapMu   sync.RWMutex
	snapshot *RiskSnapshot

	emergency  atomic.Bool
	refreshing atomic.Bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewManager wires the snapshot refresher.
func NewManager(venue VenueStateProvider, chain BalanceReader, tokens *config.TokenTable, limits Limits, log *logger.Logger) *Manager {
	return &Manager{
		venue:    venue,
		chain:    chain,
		tokens:   tokens,
		limits:   limits,
		log:      log,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 先同步取一次初始快照（失败则报错退出），再启动后台刷新。
func (m *Manager) Start(ctx context.Context) error {
	if err := m.RefreshSnapshot(ctx); err != nil {
		return err
	}
	go m.run(ctx)
	return nil
}

// Stop terminates the refresh loop.
func (m *Manager) Stop() {
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	<-m.doneChan
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneChan)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			// 刷新失败仅记录；快照自然老化会让报价停下来
			if err := m.RefreshSnapshot(ctx); err != nil {
				m.log.Warn("risk snapshot refresh failed", zap.Error(err))
			}
		}
	}
}

// RefreshSnapshot 并行取数后整体替换快照。single-flight：重入直接返回。
func (m *Manager) RefreshSnapshot(ctx context.Context) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.refreshing.Store(false)

	var (
		wg      sync.WaitGroup
		chState gateway.ClearinghouseState
		chErr   error
		funding float64
		fundErr error
		btcSum  float64
		usdSum  float64
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		chState, chErr = m.venue.RefreshClearinghouseState(ctx)
	}()
	go func() {
		defer wg.Done()
		funding, fundErr = m.venue.FundingRateHourly(ctx)
	}()

	btcTokens := m.tokens.BTCTokens()
	usdTokens := m.tokens.USDTokens()
	btcVals := make([]float64, len(btcTokens))
	usdVals := make([]float64, len(usdTokens))
	for i, tok := range btcTokens {
		wg.Add(1)
		go func(i int, tok config.Token) {
			defer wg.Done()
			raw := m.chain.GetBalance(ctx, tok.ID)
			v, err := tok.FromBase(raw)
			if err == nil {
				btcVals[i] = v
			}
		}(i, tok)
	}
	for i, tok := range usdTokens {
		wg.Add(1)
		go func(i int, tok config.Token) {
			defer wg.Done()
			raw := m.chain.GetBalance(ctx, tok.ID)
			v, err := tok.FromBase(raw)
			if err == nil {
				usdVals[i] = v
			}
		}(i, tok)
	}
	wg.Wait()

	if chErr != nil {
		return chErr
	}
	if fundErr != nil {
		return fundErr
	}
	for _, v := range btcVals {
		btcSum += v
	}
	for _, v := range usdVals {
		usdSum += v
	}

	snap := &RiskSnapshot{
		UpdatedAtMs:       time.Now().UnixMilli(),
		MarginUSD:         chState.AccountValueUSD - chState.MarginUsedUSD,
		PerpBTC:           chState.PerpPositionBTC,
		FundingRateHourly: funding,
		BTCOnChain:        btcSum,
		USDOnChain:        usdSum,
	}
	m.snapMu.Lock()
	m.snapshot = snap
	m.snapMu.Unlock()
	return nil
}

// Snapshot 返回快照副本与其是否新鲜。
func (m *Manager) Snapshot() (RiskSnapshot, bool) {
	m.snapMu.RLock()
	snap := m.snapshot
	m.snapMu.RUnlock()
	if snap == nil {
		return RiskSnapshot{}, false
	}
	fresh := time.Now().UnixMilli()-snap.UpdatedAtMs <= snapshotMaxAge.Milliseconds()
	return *snap, fresh
}

// GetQuoteDirection 同步判定当前允许的报价方向。
func (m *Manager) GetQuoteDirection() QuoteDirection {
	if m.emergency.Load() {
		return DirectionSellOnly
	}
	snap, fresh := m.Snapshot()
	if !fresh {
		return DirectionNone
	}
	if snap.MarginUSD < m.limits.MinMarginUSD {
		return DirectionNone
	}
	canBuy := snap.USDOnChain > m.limits.MinUSDReserve && snap.BTCOnChain < m.limits.MaxBTCInventory
	canSell := snap.BTCOnChain > m.limits.MinTradeSizeBTC
	switch {
	case canBuy && canSell:
		return DirectionBoth
	case canBuy:
		return DirectionBuyOnly
	case canSell:
		return DirectionSellOnly
	default:
		return DirectionNone
	}
}

// CheckPositionCapacity 判断对冲后的永续仓位是否仍在库存上限内。
func (m *Manager) CheckPositionCapacity(dir gateway.HedgeDirection, size float64) bool {
	snap, fresh := m.Snapshot()
	if !fresh {
		return false
	}
	projected := snap.PerpBTC + size
	if dir == gateway.DirectionShort {
		projected = snap.PerpBTC - size
	}
	if projected < 0 {
		projected = -projected
	}
	return projected <= m.limits.MaxBTCInventory
}

// GetFundingRate returns the snapshot's cached hourly funding rate.
func (m *Manager) GetFundingRate() float64 {
	snap, _ := m.Snapshot()
	return snap.FundingRateHourly
}

// LowMargin reports whether the venue margin sits below the quoting floor.
func (m *Manager) LowMargin() bool {
	snap, fresh := m.Snapshot()
	return fresh && snap.MarginUSD < m.limits.MinMarginUSD
}

// SetEmergencyMode 由 hedger 在对冲失败/RPC连续失败时置位，成功后清除。
func (m *Manager) SetEmergencyMode(on bool) {
	prev := m.emergency.Swap(on)
	if prev != on {
		if on {
			m.log.Error("emergency mode engaged, quoting restricted to SELL_ONLY")
		} else {
			m.log.Info("emergency mode cleared")
		}
	}
}

// EmergencyMode reports whether the emergency flag is set.
func (m *Manager) EmergencyMode() bool {
	return m.emergency.Load()
}
