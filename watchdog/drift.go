// Package watchdog runs the periodic delta-drift sanity check.
package watchdog

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/audit"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/alert"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/inventory"
	"github.com/SovaNetwork/near-delta-neutral-solver/metrics"
	"github.com/SovaNetwork/near-delta-neutral-solver/quoter"
)

const defaultInterval = 10 * time.Minute

// Watchdog 每 10 分钟对账一次：|spot + perp| 超阈值即告警（只检测，
// 不自动再平衡），同时输出状态摘要与报价拒绝直方图。
type Watchdog struct {
	inv       *inventory.Manager
	quoter    *quoter.Quoter
	alerts    *alert.Manager
	audits    *audit.Writer
	log       *logger.Logger
	threshold float64
	interval  time.Duration
	pendingFn func() int

	stopChan chan struct{}
	doneChan chan struct{}
}

// New wires the watchdog. pendingFn reports the hedger's live quote count.
func New(inv *inventory.Manager, q *quoter.Quoter, alerts *alert.Manager, audits *audit.Writer, log *logger.Logger, thresholdBTC float64, pendingFn func() int) *Watchdog {
	return &Watchdog{
		inv:       inv,
		quoter:    q,
		alerts:    alerts,
		audits:    audits,
		log:       log,
		threshold: thresholdBTC,
		interval:  defaultInterval,
		pendingFn: pendingFn,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start launches the periodic check.
func (w *Watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop terminates the loop.
func (w *Watchdog) Stop() {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	<-w.doneChan
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.doneChan)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	snap, fresh := w.inv.Snapshot()
	netDelta := snap.BTCOnChain + snap.PerpBTC
	metrics.NetDeltaBTC.Set(netDelta)
	metrics.SnapshotAgeSeconds.Set(float64(time.Now().UnixMilli()-snap.UpdatedAtMs) / 1000)
	if w.inv.EmergencyMode() {
		metrics.EmergencyMode.Set(1)
	} else {
		metrics.EmergencyMode.Set(0)
	}

	if math.Abs(netDelta) > w.threshold {
		w.log.Warn("delta drift above threshold",
			zap.Float64("spot_btc", snap.BTCOnChain),
			zap.Float64("perp_btc", snap.PerpBTC),
			zap.Float64("net_delta", netDelta),
			zap.Float64("threshold", w.threshold))
		if w.alerts != nil {
			w.alerts.SendWarning("delta drift above threshold", map[string]interface{}{
				"spot_btc":  snap.BTCOnChain,
				"perp_btc":  snap.PerpBTC,
				"net_delta": netDelta,
			})
		}
	}

	status := w.status(snap, fresh)
	stats := w.quoter.ResetStats()
	rejections := make(map[string]int64, len(stats.Rejections))
	for reason, n := range stats.Rejections {
		rejections[string(reason)] = n
	}
	pending := 0
	if w.pendingFn != nil {
		pending = w.pendingFn()
	}
	w.log.Info("solver status",
		zap.String("status", status),
		zap.Float64("net_delta_btc", netDelta),
		zap.Float64("margin_usd", snap.MarginUSD),
		zap.Int("pending_quotes", pending),
		zap.Int64("quotes_received", stats.Received),
		zap.Int64("quotes_generated", stats.Generated),
		zap.Any("rejections", rejections))

	if w.audits != nil {
		w.audits.Position(map[string]interface{}{
			"status":        status,
			"spot_btc":      snap.BTCOnChain,
			"perp_btc":      snap.PerpBTC,
			"net_delta_btc": netDelta,
			"margin_usd":    snap.MarginUSD,
			"usd_on_chain":  snap.USDOnChain,
			"funding_rate":  snap.FundingRateHourly,
		})
	}
}

func (w *Watchdog) status(snap inventory.RiskSnapshot, fresh bool) string {
	switch {
	case !fresh:
		return "IDLE"
	case w.inv.LowMargin():
		return "LOW-MARGIN"
	case w.inv.GetQuoteDirection() == inventory.DirectionNone:
		return "IDLE"
	default:
		return "READY"
	}
}
