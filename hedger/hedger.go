package hedger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/alert"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/metrics"
)

// PendingQuote 发布成功后到结算/过期之间跟踪的报价。
// by_nonce 与 by_quote_hash 两个索引指向同一条记录，增删保持一致。
type PendingQuote struct {
	Nonce          string // base64
	QuoteHash      string
	HedgeDirection gateway.HedgeDirection
	BTCSize        float64
	DeadlineMs     int64
	FirstSeenMs    int64
	QuotedPrice    float64 // 0 表示未知，跳过 P&L 估算
	SpreadBps      float64
}

// NonceChecker 查询 nonce 是否已被消费，由 chain.Client 实现。
type NonceChecker interface {
	WasNonceUsed(ctx context.Context, nonceB64 string) (bool, error)
}

// HedgeExecutor submits the offsetting IOC order, implemented by gateway.VenueClient.
type HedgeExecutor interface {
	ExecuteHedge(ctx context.Context, dir gateway.HedgeDirection, size float64) (gateway.HedgeResult, error)
}

// EmergencyController flips the process-wide emergency flag, implemented by inventory.Manager.
type EmergencyController interface {
	SetEmergencyMode(on bool)
	EmergencyMode() bool
}

// EventRecorder 写报价生命周期轨迹，由 audit.Writer 实现。
type EventRecorder interface {
	Record(eventType string, fields map[string]interface{})
}

const (
	defaultPollInterval = 1500 * time.Millisecond
	pollBatchSize       = 5
	pollBatchPause      = 50 * time.Millisecond
	expiryGrace         = 30 * time.Second
	rpcFailureThreshold = 5
	competingLogCap     = 200
)

// Config tunes the settlement detector.
type Config struct {
	PollInterval   time.Duration
	HedgingEnabled bool
}

// Hedger 跟踪已发布报价并在结算时立即对冲。
// 事件与轮询双通道检测，HedgedSet 保证每个 nonce 至多一次对冲。
type Hedger struct {
	cfg    Config
	chain  NonceChecker
	venue  HedgeExecutor
	inv    EmergencyController
	events EventRecorder
	alerts *alert.Manager
	log    *logger.Logger

	mu        sync.Mutex
	byNonce   map[string]*PendingQuote
	byHash    map[string]*PendingQuote
	hedged    *HedgedSet
	seenLost  map[string]struct{} // 竞争方结算通知去重
	lostOrder []string

	pollFailures int

	stopChan chan struct{}
	doneChan chan struct{}
}

// New wires the hedger.
func New(cfg Config, chain NonceChecker, venue HedgeExecutor, inv EmergencyController, events EventRecorder, alerts *alert.Manager, log *logger.Logger) *Hedger {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Hedger{
		cfg:      cfg,
		chain:    chain,
		venue:    venue,
		inv:      inv,
		events:   events,
		alerts:   alerts,
		log:      log,
		byNonce:  make(map[string]*PendingQuote),
		byHash:   make(map[string]*PendingQuote),
		hedged:   NewHedgedSet(),
		seenLost: make(map[string]struct{}),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the polling fallback loop.
func (h *Hedger) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop terminates the polling loop.
func (h *Hedger) Stop() {
	select {
	case <-h.stopChan:
	default:
		close(h.stopChan)
	}
	<-h.doneChan
}

// TrackQuote 登记一条已发布（ack 已返回）的报价。
func (h *Hedger) TrackQuote(pq PendingQuote) {
	if pq.FirstSeenMs == 0 {
		pq.FirstSeenMs = time.Now().UnixMilli()
	}
	h.mu.Lock()
	h.byNonce[pq.Nonce] = &pq
	h.byHash[pq.QuoteHash] = &pq
	h.mu.Unlock()
	h.log.Debug("quote tracked",
		zap.String("nonce", pq.Nonce),
		zap.String("quote_hash", pq.QuoteHash),
		zap.Float64("btc_size", pq.BTCSize))
}

// PendingCount returns the number of live tracked quotes.
func (h *Hedger) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byNonce)
}

// OnSettlementEvent 处理 relay 推送的结算通知（事件通道）。
func (h *Hedger) OnSettlementEvent(ctx context.Context, quoteHash, intentHash, txHash string) {
	h.mu.Lock()
	pq, ok := h.byHash[quoteHash]
	if !ok {
		// 不在本方 map 中：其他 solver 赢得该 intent，按 intent 去重后记一次
		if _, seen := h.seenLost[intentHash]; !seen {
			h.seenLost[intentHash] = struct{}{}
			h.lostOrder = append(h.lostOrder, intentHash)
			if len(h.lostOrder) > competingLogCap {
				delete(h.seenLost, h.lostOrder[0])
				h.lostOrder = h.lostOrder[1:]
			}
			h.mu.Unlock()
			h.log.Debug("settlement for competing solver",
				zap.String("intent_hash", intentHash),
				zap.String("tx_hash", txHash))
			return
		}
		h.mu.Unlock()
		return
	}
	claimed := h.claimLocked(pq)
	h.mu.Unlock()
	if claimed {
		h.settle(ctx, pq, "event", txHash)
	}
}

// claimLocked 原子序列：幂等检查、双索引删除、置已对冲标记。
// 返回 true 表示调用方获得执行对冲的唯一权。调用方持有 h.mu。
func (h *Hedger) claimLocked(pq *PendingQuote) bool {
	if h.hedged.Contains(pq.Nonce) {
		return false
	}
	delete(h.byNonce, pq.Nonce)
	delete(h.byHash, pq.QuoteHash)
	return h.hedged.Add(pq.Nonce)
}

// settle 在 claim 成功后执行：禁用对冲时只记录事件，否则下 IOC 对冲单。
func (h *Hedger) settle(ctx context.Context, pq *PendingQuote, source, txHash string) {
	fields := map[string]interface{}{
		"nonce":      pq.Nonce,
		"quote_hash": pq.QuoteHash,
		"source":     source,
		"tx_hash":    txHash,
		"btc_size":   pq.BTCSize,
		"direction":  pq.HedgeDirection.String(),
	}
	if !h.cfg.HedgingEnabled {
		fields["reason"] = "hedging_disabled"
		h.events.Record("SETTLEMENT_DETECTED", fields)
		h.log.Warn("hedging disabled, settlement recorded without venue order",
			zap.String("nonce", pq.Nonce))
		return
	}
	h.events.Record("SETTLEMENT_DETECTED", fields)
	h.executeHedge(ctx, pq)
}

func (h *Hedger) executeHedge(ctx context.Context, pq *PendingQuote) {
	result, err := h.venue.ExecuteHedge(ctx, pq.HedgeDirection, pq.BTCSize)
	if err != nil {
		// 对冲失败：置紧急模式停止报价，仓位留给人工处理
		h.inv.SetEmergencyMode(true)
		metrics.HedgesFailed.Inc()
		h.events.Record("HEDGE_FAILED", map[string]interface{}{
			"nonce":     pq.Nonce,
			"direction": pq.HedgeDirection.String(),
			"btc_size":  pq.BTCSize,
			"error":     err.Error(),
		})
		h.log.Error("hedge execution failed, unhedged exposure",
			zap.String("nonce", pq.Nonce),
			zap.String("direction", pq.HedgeDirection.String()),
			zap.Float64("btc_size", pq.BTCSize),
			zap.Error(err))
		if h.alerts != nil {
			h.alerts.SendCritical("hedge failed, manual intervention required", map[string]interface{}{
				"nonce":    pq.Nonce,
				"btc_size": pq.BTCSize,
				"error":    err.Error(),
			})
		}
		return
	}

	fields := map[string]interface{}{
		"nonce":       pq.Nonce,
		"direction":   pq.HedgeDirection.String(),
		"btc_size":    pq.BTCSize,
		"limit_price": result.LimitPrice,
		"avg_price":   result.AvgPrice,
		"filled_size": result.FilledSize,
	}
	if pq.QuotedPrice > 0 {
		sign := 1.0
		if pq.HedgeDirection == gateway.DirectionLong {
			sign = -1.0
		}
		fields["quoted_price"] = pq.QuotedPrice
		fields["spread_bps"] = pq.SpreadBps
		fields["est_pnl_usd"] = sign * (result.AvgPrice - pq.QuotedPrice) * pq.BTCSize
	}
	metrics.HedgesExecuted.Inc()
	h.events.Record("HEDGE_EXECUTED", fields)
	h.log.Info("hedge executed",
		zap.String("nonce", pq.Nonce),
		zap.String("direction", pq.HedgeDirection.String()),
		zap.Float64("btc_size", pq.BTCSize),
		zap.Float64("avg_price", result.AvgPrice))
	// 成功对冲后自动解除紧急模式
	if h.inv.EmergencyMode() {
		h.inv.SetEmergencyMode(false)
	}
}

func (h *Hedger) run(ctx context.Context) {
	defer close(h.doneChan)
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.sweepExpired()
			h.pollOnce(ctx)
		}
	}
}

// sweepExpired 在每轮轮询前清理过期记录：deadline + 30s 安全窗之外。
func (h *Hedger) sweepExpired() {
	cutoff := time.Now().UnixMilli()
	var expired []*PendingQuote
	h.mu.Lock()
	for _, pq := range h.byNonce {
		if cutoff > pq.DeadlineMs+expiryGrace.Milliseconds() {
			delete(h.byNonce, pq.Nonce)
			delete(h.byHash, pq.QuoteHash)
			expired = append(expired, pq)
		}
	}
	h.mu.Unlock()
	for _, pq := range expired {
		h.events.Record("QUOTE_EXPIRED", map[string]interface{}{
			"nonce":      pq.Nonce,
			"quote_hash": pq.QuoteHash,
			"btc_size":   pq.BTCSize,
		})
		h.log.Debug("quote expired", zap.String("nonce", pq.Nonce))
	}
}

// pollOnce 以 5 个一批、批间 50ms 的节奏查询 pending nonce，
// 控制在链上 RPC 的限流之内。
func (h *Hedger) pollOnce(ctx context.Context) {
	h.mu.Lock()
	nonces := make([]string, 0, len(h.byNonce))
	for nonce := range h.byNonce {
		nonces = append(nonces, nonce)
	}
	h.mu.Unlock()
	if len(nonces) == 0 {
		return
	}

	for start := 0; start < len(nonces); start += pollBatchSize {
		end := start + pollBatchSize
		if end > len(nonces) {
			end = len(nonces)
		}
		batchFailed := false
		for _, nonce := range nonces[start:end] {
			used, err := h.chain.WasNonceUsed(ctx, nonce)
			if err != nil {
				batchFailed = true
				h.log.Warn("nonce poll failed", zap.String("nonce", nonce), zap.Error(err))
				continue
			}
			if used {
				h.onNonceUsed(ctx, nonce)
			}
		}
		h.recordBatchHealth(batchFailed)
		if end < len(nonces) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBatchPause):
			}
		}
	}
}

func (h *Hedger) onNonceUsed(ctx context.Context, nonce string) {
	h.mu.Lock()
	pq, ok := h.byNonce[nonce]
	if !ok {
		h.mu.Unlock()
		return
	}
	claimed := h.claimLocked(pq)
	h.mu.Unlock()
	if claimed {
		h.settle(ctx, pq, "poll", "")
	}
}

// recordBatchHealth 统计连续失败批次；连续 5 次触发紧急模式，
// 一个干净批次即复位。
func (h *Hedger) recordBatchHealth(failed bool) {
	if !failed {
		h.pollFailures = 0
		return
	}
	h.pollFailures++
	if h.pollFailures == rpcFailureThreshold {
		h.log.Error("chain rpc unhealthy, engaging emergency mode",
			zap.Int("consecutive_failures", h.pollFailures))
		h.inv.SetEmergencyMode(true)
		if h.alerts != nil {
			h.alerts.SendError("chain rpc failing, quoting restricted", map[string]interface{}{
				"consecutive_failures": h.pollFailures,
			})
		}
	}
}
