package quoter

import (
	"sync"
	"time"

	"github.com/SovaNetwork/near-delta-neutral-solver/config"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/inventory"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
)

// RejectionReason 报价被拒绝的原因，穷举。
type RejectionReason string

const (
	RejectNone                     RejectionReason = ""
	RejectOrderbookStale           RejectionReason = "orderbook_stale"
	RejectInvalidTokenPair         RejectionReason = "invalid_token_pair"
	RejectSizeOutOfBounds          RejectionReason = "size_out_of_bounds"
	RejectInsufficientLiquidity    RejectionReason = "insufficient_liquidity"
	RejectDirectionNotAllowed      RejectionReason = "direction_not_allowed"
	RejectPositionCapacityExceeded RejectionReason = "position_capacity_exceeded"
	RejectFundingRateTooNegative   RejectionReason = "funding_rate_too_negative"
	RejectNoReferencePrice         RejectionReason = "no_reference_price"
)

// Request 标准化后的报价请求：token id 已去除 wire 前缀，
// AmountIn / AmountOut 恰好一个非空（base unit 整数串）。
type Request struct {
	QuoteID   string
	TokenIn   string
	TokenOut  string
	AmountIn  string
	AmountOut string
}

// Result 定价结果。计算出的一侧填入 AmountIn 或 AmountOut，
// BTCSize 直接传给 hedger，不再重算。
type Result struct {
	AmountIn       string
	AmountOut      string
	BTCSize        float64
	WeAreBuyingBTC bool
	BTCTokenID     string
	USDTokenID     string
	IsExactOut     bool
	QuotedPrice    float64 // 应用 spread 后的成交价
	SpreadBps      float64
}

// RiskView 是报价路径需要的同步风控面，由 inventory.Manager 实现。
type RiskView interface {
	GetQuoteDirection() inventory.QuoteDirection
	CheckPositionCapacity(dir gateway.HedgeDirection, size float64) bool
	GetFundingRate() float64
}

// Params 可热更新的定价参数。
type Params struct {
	TargetSpreadBips       float64
	BaseSpreadBips         float64
	MaxSpreadBips          float64
	MinTradeSizeBTC        float64
	MaxTradeSizeBTC        float64
	MaxNegativeFundingRate float64 // 最负可接受的小时资金费率
	DynamicSpreadEnabled   bool
}

// ParamsFromTrading maps the config section onto quoting params.
func ParamsFromTrading(t config.TradingConfig) Params {
	return Params{
		TargetSpreadBips:       t.TargetSpreadBips,
		BaseSpreadBips:         t.BaseSpreadBips,
		MaxSpreadBips:          t.MaxSpreadBips,
		MinTradeSizeBTC:        t.MinTradeSizeBTC,
		MaxTradeSizeBTC:        t.MaxTradeSizeBTC,
		MaxNegativeFundingRate: t.MaxNegativeFundingRate,
		DynamicSpreadEnabled:   t.DynamicSpreadEnabled,
	}
}

// refinementProbeBTC 求反向数量时的初始试探规模。
const refinementProbeBTC = 0.001

// Quoter 全同步定价热路径：单次决策序列，无任何 I/O 与挂起点。
type Quoter struct {
	book   *market.OrderBook
	risk   RiskView
	tokens *config.TokenTable
	spot   SpotSource

	paramsMu sync.RWMutex
	params   Params

	stats Stats
}

// New creates the quoter. spot may be nil when dynamic spread is disabled.
func New(book *market.OrderBook, risk RiskView, tokens *config.TokenTable, spot SpotSource, params Params) *Quoter {
	return &Quoter{
		book:   book,
		risk:   risk,
		tokens: tokens,
		spot:   spot,
		params: params,
	}
}

// SetParams 热更新定价参数。
func (q *Quoter) SetParams(p Params) {
	q.paramsMu.Lock()
	q.params = p
	q.paramsMu.Unlock()
}

func (q *Quoter) getParams() Params {
	q.paramsMu.RLock()
	defer q.paramsMu.RUnlock()
	return q.params
}

// GetQuote runs the full decision sequence. On rejection the reason is
// non-empty and the result is nil.
func (q *Quoter) GetQuote(req Request) (*Result, RejectionReason) {
	q.stats.recordReceived()
	res, reason := q.price(req)
	if reason != RejectNone {
		q.stats.recordRejection(reason)
		return nil, reason
	}
	q.stats.recordGenerated()
	return res, RejectNone
}

func (q *Quoter) price(req Request) (*Result, RejectionReason) {
	params := q.getParams()

	// 1. 盘口新鲜度
	if !q.book.Fresh(time.Now()) {
		return nil, RejectOrderbookStale
	}

	// 2. 币对合法性：一边 BTC、一边 USD
	btcIn := q.tokens.IsBTC(req.TokenIn)
	usdIn := q.tokens.IsUSD(req.TokenIn)
	btcOut := q.tokens.IsBTC(req.TokenOut)
	usdOut := q.tokens.IsUSD(req.TokenOut)
	validPair := (btcIn && usdOut) || (usdIn && btcOut)
	if !validPair {
		return nil, RejectInvalidTokenPair
	}
	if (req.AmountIn == "") == (req.AmountOut == "") {
		return nil, RejectInvalidTokenPair
	}

	weAreBuying := btcIn
	isExactOut := req.AmountOut != ""

	var btcToken, usdToken config.Token
	if weAreBuying {
		btcToken, _ = q.tokens.Lookup(req.TokenIn)
		usdToken, _ = q.tokens.Lookup(req.TokenOut)
	} else {
		usdToken, _ = q.tokens.Lookup(req.TokenIn)
		btcToken, _ = q.tokens.Lookup(req.TokenOut)
	}

	// 我们买入 BTC 时参考 bid（随后做空对冲），卖出时参考 ask。
	refSide := market.SideBid
	if !weAreBuying {
		refSide = market.SideAsk
	}

	// 3. 求 btc_size 与参考价
	var (
		btcSize  float64
		refPrice float64
		usdKnown float64 // 已知 USD 腿时使用
		btcKnown bool
	)
	if weAreBuying != isExactOut {
		// 已知腿是 BTC：exact-in 买入（amount_in 为 BTC）或
		// exact-out 卖出（amount_out 为 BTC）。
		raw := req.AmountIn
		if isExactOut {
			raw = req.AmountOut
		}
		v, err := btcToken.FromBase(raw)
		if err != nil {
			return nil, RejectInvalidTokenPair
		}
		btcSize = v
		btcKnown = true
		if btcSize < params.MinTradeSizeBTC || btcSize > params.MaxTradeSizeBTC {
			return nil, RejectSizeOutOfBounds
		}
		refPrice2, reject := q.vwapOrReject(refSide, btcSize)
		if reject != RejectNone {
			return nil, reject
		}
		refPrice = refPrice2
	} else {
		// 已知腿是 USD：两步细化。先用小规模试探拿近似价，
		// 再按估算规模重新查 VWAP，吸收深簿的非线性。
		raw := req.AmountIn
		if isExactOut {
			raw = req.AmountOut
		}
		v, err := usdToken.FromBase(raw)
		if err != nil {
			return nil, RejectInvalidTokenPair
		}
		usdKnown = v
		probe, reject := q.vwapOrReject(refSide, refinementProbeBTC)
		if reject != RejectNone {
			return nil, reject
		}
		estimated := usdKnown / probe
		if estimated < params.MinTradeSizeBTC || estimated > params.MaxTradeSizeBTC {
			return nil, RejectSizeOutOfBounds
		}
		refined, reject := q.vwapOrReject(refSide, estimated)
		if reject != RejectNone {
			return nil, reject
		}
		refPrice = refined
		btcSize = usdKnown / refined
	}

	// 4. 最终规模校验
	if btcSize < params.MinTradeSizeBTC || btcSize > params.MaxTradeSizeBTC {
		return nil, RejectSizeOutOfBounds
	}

	// 5. 方向闸门
	direction := q.risk.GetQuoteDirection()
	if weAreBuying && !direction.AllowsBuy() {
		return nil, RejectDirectionNotAllowed
	}
	if !weAreBuying && !direction.AllowsSell() {
		return nil, RejectDirectionNotAllowed
	}

	// 6. 容量闸门
	hedgeDir := gateway.DirectionLong
	if weAreBuying {
		hedgeDir = gateway.DirectionShort
	}
	if !q.risk.CheckPositionCapacity(hedgeDir, btcSize) {
		return nil, RejectPositionCapacityExceeded
	}

	// 7. 资金费率闸门：只在买入（做空对冲）时生效
	if weAreBuying {
		if q.risk.GetFundingRate() < params.MaxNegativeFundingRate {
			return nil, RejectFundingRateTooNegative
		}
	}

	// 8-9. spread 与最终价
	spreadBps := q.effectiveSpreadBps(weAreBuying, params)
	spread := spreadBps / 10000.0
	finalPrice := refPrice * (1 + spread)
	if weAreBuying {
		finalPrice = refPrice * (1 - spread)
	}

	// 10. 计算未知一侧并向对我们有利的方向取整
	res := &Result{
		BTCSize:        btcSize,
		WeAreBuyingBTC: weAreBuying,
		BTCTokenID:     btcToken.ID,
		USDTokenID:     usdToken.ID,
		IsExactOut:     isExactOut,
		QuotedPrice:    finalPrice,
		SpreadBps:      spreadBps,
	}
	switch {
	case !isExactOut && btcKnown:
		// exact-in 买入：回报 USD，floor
		res.AmountIn = req.AmountIn
		res.AmountOut = usdToken.ToBase(btcSize*finalPrice, false)
	case !isExactOut && !btcKnown:
		// exact-in 卖出：回报 BTC，floor；对冲规模取按最终价折算的数量（取整前）
		res.AmountIn = req.AmountIn
		btcOutAmt := usdKnown / finalPrice
		res.AmountOut = btcToken.ToBase(btcOutAmt, false)
		res.BTCSize = btcOutAmt
	case isExactOut && btcKnown:
		// exact-out 卖出：收取 USD，ceil
		res.AmountOut = req.AmountOut
		res.AmountIn = usdToken.ToBase(btcSize*finalPrice, true)
	default:
		// exact-out 买入：收取 BTC，ceil
		res.AmountOut = req.AmountOut
		btcInAmt := usdKnown / finalPrice
		res.AmountIn = btcToken.ToBase(btcInAmt, true)
		res.BTCSize = btcInAmt
	}
	return res, RejectNone
}

func (q *Quoter) vwapOrReject(side market.Side, size float64) (float64, RejectionReason) {
	price, err := q.book.VWAP(side, size)
	switch err {
	case nil:
		return price, RejectNone
	case market.ErrBookStale:
		return 0, RejectOrderbookStale
	case market.ErrInsufficientLiquidity:
		return 0, RejectInsufficientLiquidity
	default:
		return 0, RejectNoReferencePrice
	}
}

// Stats returns a copy of the lifetime counters.
func (q *Quoter) Stats() StatsSnapshot {
	return q.stats.snapshot()
}

// ResetStats clears the counters and returns the previous values.
func (q *Quoter) ResetStats() StatsSnapshot {
	return q.stats.reset()
}
