package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
)

// 默认主网/测试网端点。
const (
	MainnetAPIURL = "https://api.perp.exchange"
	TestnetAPIURL = "https://api.testnet.perp.exchange"
	MainnetWSURL  = "wss://api.perp.exchange/ws"
	TestnetWSURL  = "wss://api.testnet.perp.exchange/ws"
)

const (
	clearinghouseTTL = 10 * time.Second
	fundingTTL       = 60 * time.Second
	metaInitRetries  = 3
)

var (
	ErrNotInitialized = errors.New("venue client not initialized")
	ErrOrderRejected  = errors.New("venue rejected order")
	ErrOrderUnfilled  = errors.New("ioc order not filled")
)

// VenueConfig configures the perpetual venue client.
type VenueConfig struct {
	APIURL       string
	WSURL        string
	Coin         string
	AssetIndex   int
	TickDecimals int32
	APIKey       string
	APISecret    string
	SlippageBps  float64 // protective slippage applied to hedge limit prices
	BookMaxAgeMs int64
}

// VenueClient 对接永续交易所：L2 行情流、账户状态查询、IOC 下单。
// 账户字段各自带小 TTL 缓存；行情读取永远不会被 HTTP 调用阻塞。
type VenueClient struct {
	cfg        VenueConfig
	httpClient *http.Client
	limiter    RateLimiter
	log        *logger.Logger
	book       *market.OrderBook

	szDecimals int32

	cacheMu     sync.Mutex
	chState     ClearinghouseState
	chFetchedAt time.Time
	funding     float64
	fundingAt   time.Time

	stream *l2Stream

	initMu      sync.Mutex
	initialized bool
}

// NewVenueClient creates a client over book. Init must be called before use.
func NewVenueClient(cfg VenueConfig, book *market.OrderBook, limiter RateLimiter, log *logger.Logger) *VenueClient {
	if limiter == nil {
		limiter = NopLimiter()
	}
	return &VenueClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		log:        log,
		book:       book,
	}
}

// Book returns the order book fed by the L2 stream.
func (c *VenueClient) Book() *market.OrderBook { return c.book }

// Init fetches exchange metadata (with retries), opens the L2 stream and
// blocks until the first snapshot lands.
func (c *VenueClient) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}

	var meta metaPayload
	var err error
	for attempt := 1; attempt <= metaInitRetries; attempt++ {
		err = c.infoRequest(ctx, map[string]interface{}{"type": "meta"}, &meta)
		if err == nil {
			break
		}
		c.log.Warn("venue meta fetch failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if err != nil {
		return fmt.Errorf("fetch venue metadata after %d retries: %w", metaInitRetries, err)
	}
	found := false
	for _, u := range meta.Universe {
		if u.Name == c.cfg.Coin {
			c.szDecimals = u.SzDecimals
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("coin %s not in venue universe", c.cfg.Coin)
	}

	c.stream = newL2Stream(c.cfg.WSURL, c.cfg.Coin, c.book, c.log)
	if err := c.stream.Start(ctx); err != nil {
		return fmt.Errorf("start l2 stream: %w", err)
	}
	c.initialized = true
	return nil
}

// Close tears the stream down.
func (c *VenueClient) Close() {
	if c.stream != nil {
		c.stream.Stop()
	}
}

// RefreshClearinghouseState 一次调用取回净值/占用保证金/BTC 永续仓位，
// 整体缓存 10 秒。
func (c *VenueClient) RefreshClearinghouseState(ctx context.Context) (ClearinghouseState, error) {
	c.cacheMu.Lock()
	if time.Since(c.chFetchedAt) < clearinghouseTTL && !c.chFetchedAt.IsZero() {
		st := c.chState
		c.cacheMu.Unlock()
		return st, nil
	}
	c.cacheMu.Unlock()

	var payload clearinghousePayload
	if err := c.infoRequest(ctx, map[string]interface{}{
		"type": "clearinghouseState",
		"user": c.cfg.APIKey,
	}, &payload); err != nil {
		return ClearinghouseState{}, fmt.Errorf("clearinghouse state: %w", err)
	}

	st := ClearinghouseState{}
	st.AccountValueUSD, _ = payload.MarginSummary.AccountValue.Float64()
	st.MarginUsedUSD, _ = payload.MarginSummary.TotalMarginUsed.Float64()
	for _, ap := range payload.AssetPositions {
		if ap.Position.Coin == c.cfg.Coin {
			st.PerpPositionBTC, _ = ap.Position.Szi.Float64()
			break
		}
	}

	c.cacheMu.Lock()
	c.chState = st
	c.chFetchedAt = time.Now()
	c.cacheMu.Unlock()
	return st, nil
}

// FundingRateHourly returns the hourly funding rate, cached for 60 s.
func (c *VenueClient) FundingRateHourly(ctx context.Context) (float64, error) {
	c.cacheMu.Lock()
	if time.Since(c.fundingAt) < fundingTTL && !c.fundingAt.IsZero() {
		f := c.funding
		c.cacheMu.Unlock()
		return f, nil
	}
	c.cacheMu.Unlock()

	var payload fundingPayload
	if err := c.infoRequest(ctx, map[string]interface{}{
		"type": "fundingRate",
		"coin": c.cfg.Coin,
	}, &payload); err != nil {
		return 0, fmt.Errorf("funding rate: %w", err)
	}
	rate, _ := payload.FundingRate.Float64()

	c.cacheMu.Lock()
	c.funding = rate
	c.fundingAt = time.Now()
	c.cacheMu.Unlock()
	return rate, nil
}

// InvalidateAccountCache 丢弃账户缓存，下次读取强制刷新。
func (c *VenueClient) InvalidateAccountCache() {
	c.cacheMu.Lock()
	c.chFetchedAt = time.Time{}
	c.cacheMu.Unlock()
}

// ExecuteHedge 按当前盘口计算保护性限价并提交 IOC 单。
// 买单在 ask 侧 VWAP 上浮 slippage，卖单在 bid 侧下浮，取整到 venue tick。
func (c *VenueClient) ExecuteHedge(ctx context.Context, dir HedgeDirection, size float64) (HedgeResult, error) {
	c.initMu.Lock()
	ready := c.initialized
	c.initMu.Unlock()
	if !ready {
		return HedgeResult{}, ErrNotInitialized
	}
	if size <= 0 {
		return HedgeResult{}, fmt.Errorf("invalid hedge size %f", size)
	}

	takerSide := market.SideBid
	if dir.IsBuy() {
		takerSide = market.SideAsk
	}
	ref, err := c.book.VWAP(takerSide, size)
	if err != nil {
		return HedgeResult{}, fmt.Errorf("hedge reference price: %w", err)
	}

	slip := c.cfg.SlippageBps / 10000.0
	limit := ref * (1 - slip)
	if dir.IsBuy() {
		limit = ref * (1 + slip)
	}
	limitPx := roundToTick(limit, c.cfg.TickDecimals)

	req := orderRequest{
		Asset:      c.cfg.AssetIndex,
		IsBuy:      dir.IsBuy(),
		Price:      formatDecimal(limitPx, c.cfg.TickDecimals),
		Size:       formatDecimal(size, c.szDecimals),
		ReduceOnly: false,
	}
	req.Type.Limit.Tif = "Ioc"

	var resp orderResponse
	if err := c.exchangeRequest(ctx, map[string]interface{}{
		"action": map[string]interface{}{
			"type":   "order",
			"orders": []orderRequest{req},
		},
		"nonce": time.Now().UnixMilli(),
	}, &resp); err != nil {
		return HedgeResult{}, err
	}
	// 无论成败，成交都会改变账户状态
	c.InvalidateAccountCache()

	if resp.Status != "ok" || len(resp.Response.Data.Statuses) == 0 {
		return HedgeResult{}, fmt.Errorf("%w: status %q", ErrOrderRejected, resp.Status)
	}
	st := resp.Response.Data.Statuses[0]
	if st.Error != "" {
		return HedgeResult{}, fmt.Errorf("%w: %s", ErrOrderRejected, st.Error)
	}
	if st.Filled == nil {
		return HedgeResult{}, ErrOrderUnfilled
	}
	filled, _ := st.Filled.TotalSz.Float64()
	avg, _ := st.Filled.AvgPx.Float64()
	if filled <= 0 {
		return HedgeResult{}, ErrOrderUnfilled
	}
	return HedgeResult{
		Direction:  dir,
		LimitPrice: limitPx,
		AvgPrice:   avg,
		FilledSize: filled,
	}, nil
}

func (c *VenueClient) infoRequest(ctx context.Context, body map[string]interface{}, out interface{}) error {
	return c.post(ctx, c.cfg.APIURL+"/info", body, out, false)
}

func (c *VenueClient) exchangeRequest(ctx context.Context, body map[string]interface{}, out interface{}) error {
	return c.post(ctx, c.cfg.APIURL+"/exchange", body, out, true)
}

func (c *VenueClient) post(ctx context.Context, endpoint string, body map[string]interface{}, out interface{}, signed bool) error {
	c.limiter.Wait()
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		req.Header.Set("X-Venue-APIKey", c.cfg.APIKey)
		req.Header.Set("X-Venue-Signature", signBody(raw, c.cfg.APISecret))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("venue status %d: %s", resp.StatusCode, truncate(payload, 256))
	}
	return json.Unmarshal(payload, out)
}

// signBody HMAC-SHA256 签名请求体。
func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func roundToTick(price float64, tickDecimals int32) float64 {
	f, _ := decimal.NewFromFloat(price).Round(tickDecimals).Float64()
	return f
}

func formatDecimal(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).String()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
