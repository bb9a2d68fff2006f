package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
)

// ErrSpotUnavailable 表示当前没有可用的现货价格。
var ErrSpotUnavailable = errors.New("spot price unavailable")

// SpotFeed 周期性拉取外部现货价格，主备两个端点。
// 超过 3 个刷新周期没有成功更新则视为过期。
type SpotFeed struct {
	primaryURL  string
	fallbackURL string
	interval    time.Duration
	client      *http.Client
	log         *logger.Logger

	mu        sync.RWMutex
	price     float64
	updatedAt time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSpotFeed creates a feed polling primaryURL with fallbackURL as backup.
func NewSpotFeed(primaryURL, fallbackURL string, interval time.Duration, log *logger.Logger) *SpotFeed {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SpotFeed{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		interval:    interval,
		client:      &http.Client{Timeout: 5 * time.Second},
		log:         log,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (f *SpotFeed) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop terminates the refresh loop.
func (f *SpotFeed) Stop() {
	select {
	case <-f.stopChan:
	default:
		close(f.stopChan)
	}
	<-f.doneChan
}

func (f *SpotFeed) run(ctx context.Context) {
	defer close(f.doneChan)
	f.refresh(ctx)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}

func (f *SpotFeed) refresh(ctx context.Context) {
	price, err := f.fetch(ctx, f.primaryURL)
	if err != nil && f.fallbackURL != "" {
		f.log.Warn("spot primary fetch failed, trying fallback", zap.Error(err))
		price, err = f.fetch(ctx, f.fallbackURL)
	}
	if err != nil {
		f.log.Warn("spot price refresh failed", zap.Error(err))
		return
	}
	f.mu.Lock()
	f.price = price
	f.updatedAt = time.Now()
	f.mu.Unlock()
}

func (f *SpotFeed) fetch(ctx context.Context, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("spot endpoint status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, err
	}
	return parseSpotPayload(body)
}

// parseSpotPayload 兼容常见行情接口的两种返回形态：
// {"price":"117000.5"} 与 {"data":{"amount":"117000.5"}}。
func parseSpotPayload(body []byte) (float64, error) {
	var ticker struct {
		Price json.Number `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err == nil && ticker.Price != "" {
		return parsePositive(ticker.Price.String())
	}
	var wrapped struct {
		Data struct {
			Amount json.Number `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data.Amount != "" {
		return parsePositive(wrapped.Data.Amount.String())
	}
	return 0, fmt.Errorf("unrecognized spot payload")
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("non-positive spot price %f", v)
	}
	return v, nil
}

// Price returns the cached spot price, or ErrSpotUnavailable when the feed
// never succeeded or the value outlived 3 refresh intervals.
func (f *SpotFeed) Price() (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.updatedAt.IsZero() {
		return 0, ErrSpotUnavailable
	}
	if time.Since(f.updatedAt) > 3*f.interval {
		return 0, ErrSpotUnavailable
	}
	return f.price, nil
}

// setForTest 仅供测试注入价格。
func (f *SpotFeed) setForTest(price float64, at time.Time) {
	f.mu.Lock()
	f.price = price
	f.updatedAt = at
	f.mu.Unlock()
}
