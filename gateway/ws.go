package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
)

const (
	streamIdleCutoff   = 30 * time.Second
	streamWatchdogTick = 10 * time.Second
	firstFrameTimeout  = 15 * time.Second
)

// l2Stream 维护到行情 WS 的单一订阅，空闲超时后拆除重连。
// 重连串行化：resubInFlight 保证同一时刻只有一个重连在执行。
type l2Stream struct {
	wsURL string
	coin  string
	book  *market.OrderBook
	log   *logger.Logger

	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	resubInFlight atomic.Bool
	firstFrame    chan struct{}
	firstOnce     sync.Once

	stopChan chan struct{}
	doneChan chan struct{}
}

func newL2Stream(wsURL, coin string, book *market.OrderBook, log *logger.Logger) *l2Stream {
	return &l2Stream{
		wsURL:      wsURL,
		coin:       coin,
		book:       book,
		log:        log,
		dialer:     websocket.DefaultDialer,
		firstFrame: make(chan struct{}),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start dials, subscribes, and blocks until the first L2 frame arrives.
func (s *l2Stream) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.watchdog(ctx)

	select {
	case <-s.firstFrame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(firstFrameTimeout):
		return fmt.Errorf("no l2 frame within %s", firstFrameTimeout)
	}
}

// Stop closes the stream.
func (s *l2Stream) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.closeConn()
	<-s.doneChan
}

func (s *l2Stream) connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	sub := map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]interface{}{
			"type": "l2Book",
			"coin": s.coin,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe l2Book: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *l2Stream) closeConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *l2Stream) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Warn("l2 stream read error", zap.Error(err))
			}
			return
		}
		s.handleFrame(raw)
	}
}

func (s *l2Stream) handleFrame(raw []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Channel != "l2Book" {
		return
	}
	var payload l2BookPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		s.log.Warn("bad l2Book payload", zap.Error(err))
		return
	}
	if payload.Coin != s.coin || len(payload.Levels) < 2 {
		return
	}
	bids := wireLevels(payload.Levels[0])
	asks := wireLevels(payload.Levels[1])
	// 防御性排序：bids 降序、asks 升序
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	ts := time.Now()
	if payload.TimeMs > 0 {
		ts = time.UnixMilli(payload.TimeMs)
	}
	s.book.Replace(bids, asks, ts)
	s.firstOnce.Do(func() { close(s.firstFrame) })
}

func wireLevels(in []l2WireLevel) []market.Level {
	out := make([]market.Level, 0, len(in))
	for _, lvl := range in {
		px, err1 := lvl.Px.Float64()
		sz, err2 := lvl.Sz.Float64()
		if err1 != nil || err2 != nil || px <= 0 || sz <= 0 {
			continue
		}
		out = append(out, market.Level{Price: px, Size: sz})
	}
	return out
}

// watchdog 每 10 秒检查一次快照新鲜度，空闲超过 30 秒则重订阅。
func (s *l2Stream) watchdog(ctx context.Context) {
	defer close(s.doneChan)
	ticker := time.NewTicker(streamWatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			last := s.book.LastUpdateMs()
			if last == 0 || time.Now().UnixMilli()-last < streamIdleCutoff.Milliseconds() {
				continue
			}
			s.resubscribe(ctx)
		}
	}
}

func (s *l2Stream) resubscribe(ctx context.Context) {
	if !s.resubInFlight.CompareAndSwap(false, true) {
		return // 已有重连在进行
	}
	defer s.resubInFlight.Store(false)

	s.log.Warn("l2 stream idle, resubscribing", zap.String("coin", s.coin))
	s.closeConn()
	if err := s.connect(ctx); err != nil {
		s.log.Error("l2 resubscribe failed", zap.Error(err))
	}
}
