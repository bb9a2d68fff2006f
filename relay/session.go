package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
)

var (
	// ErrSolverLost relay 报告报价已被他人拿走或已结束。
	ErrSolverLost = errors.New("solver lost quote")
	// ErrConnectionClosed 连接断开时挂起的发布按此错误解除等待。
	ErrConnectionClosed = errors.New("relay connection closed")
	// ErrPublishTimeout 发布回执超时。
	ErrPublishTimeout = errors.New("publish ack timeout")
)

const (
	publishAckTimeout = 8 * time.Second
	backoffBase       = 5 * time.Second
	backoffMax        = 60 * time.Second
)

// Handler 接收两类业务事件。实现方在事件边界内自行捕获一切错误。
type Handler interface {
	OnQuoteRequest(data QuoteRequestData)
	OnSettlement(data SettlementData)
}

type publishOutcome struct {
	err error
}

// Session 与 RFQ relay 的长连接：订阅两个频道、按 id 关联发布回执、
// 指数退避重连。进程内只有一个 Session。
type Session struct {
	url     string
	handler Handler
	log     *logger.Logger
	dialer  *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan publishOutcome

	subMu      sync.Mutex
	subs       map[string]string // subscription id -> channel name
	subWaiters map[int64]string  // request id -> channel being subscribed

	nextID atomic.Int64

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSession prepares a session; Run establishes the connection.
func NewSession(url string, handler Handler, log *logger.Logger) *Session {
	return &Session{
		url:        url,
		handler:    handler,
		log:        log,
		dialer:     websocket.DefaultDialer,
		pending:    make(map[int64]chan publishOutcome),
		subs:       make(map[string]string),
		subWaiters: make(map[int64]string),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Run 维持连接直至 ctx 结束或 Close 被调用。
// 每次断开：清空 pending（以 ErrConnectionClosed 解除等待）、清空订阅
// 映射，然后按 min(5s·2^(n-1), 60s) 退避重连；成功连接后计数复位。
func (s *Session) Run(ctx context.Context) {
	defer close(s.doneChan)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			attempt++
			wait := reconnectBackoff(attempt)
			s.log.Warn("relay dial failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		s.log.Info("relay connected", zap.String("url", s.url))

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		if err := s.subscribeAll(); err != nil {
			s.log.Error("relay subscribe failed", zap.Error(err))
			conn.Close()
		} else {
			s.readUntilClosed(conn)
		}
		s.cleanup()

		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}
		attempt++
		wait := reconnectBackoff(attempt)
		s.log.Warn("relay connection lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(wait):
		}
	}
}

// Close 优雅关闭会话。
func (s *Session) Close() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	}
	s.connMu.Unlock()
	<-s.doneChan
}

func reconnectBackoff(attempt int) time.Duration {
	wait := backoffBase << (attempt - 1)
	if wait > backoffMax || wait <= 0 {
		return backoffMax
	}
	return wait
}

func (s *Session) subscribeAll() error {
	for _, channel := range []string{ChannelQuote, ChannelQuoteStatus} {
		id := s.nextID.Add(1)
		s.subMu.Lock()
		s.subWaiters[id] = channel
		s.subMu.Unlock()
		frame := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  "subscribe",
			"params":  []string{channel},
		}
		if err := s.writeJSON(frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	return nil
}

func (s *Session) writeJSON(v interface{}) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Session) readUntilClosed(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.route(raw)
	}
}

// route 按消息形态分发：订阅确认 / 发布回执 / 事件。
// 单条坏消息不得中断读循环。
func (s *Session) route(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log.Warn("relay frame unparsable", zap.Error(err))
		return
	}

	if frame.ID != nil {
		id := *frame.ID

		// 订阅确认：result 是 subscription id
		s.subMu.Lock()
		if channel, ok := s.subWaiters[id]; ok {
			delete(s.subWaiters, id)
			var subID string
			if err := json.Unmarshal(frame.Result, &subID); err == nil && subID != "" {
				s.subs[subID] = channel
				s.subMu.Unlock()
				s.log.Info("relay subscription active",
					zap.String("channel", channel),
					zap.String("subscription", subID))
				return
			}
			s.subMu.Unlock()
			s.log.Error("relay subscription ack malformed", zap.String("channel", channel))
			return
		}
		s.subMu.Unlock()

		// 发布回执
		s.pendingMu.Lock()
		waiter, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
		if ok {
			outcome := publishOutcome{}
			if frame.Error != nil {
				if frame.Error.Code == solverLostCode {
					outcome.err = ErrSolverLost
				} else {
					outcome.err = fmt.Errorf("relay error %d: %s", frame.Error.Code, frame.Error.Message)
				}
			}
			waiter <- outcome
		}
		return
	}

	// 事件：按 subscription id 反查频道
	if frame.Params == nil {
		return
	}
	s.subMu.Lock()
	channel := s.subs[frame.Params.Subscription]
	s.subMu.Unlock()

	switch channel {
	case ChannelQuote:
		var data QuoteRequestData
		if err := json.Unmarshal(frame.Params.Data, &data); err != nil {
			s.log.Warn("bad quote request payload", zap.Error(err))
			return
		}
		s.handler.OnQuoteRequest(data)
	case ChannelQuoteStatus:
		var data SettlementData
		if err := json.Unmarshal(frame.Params.Data, &data); err != nil {
			s.log.Warn("bad settlement payload", zap.Error(err))
			return
		}
		s.handler.OnSettlement(data)
	default:
		s.log.Debug("event for unknown subscription",
			zap.String("subscription", frame.Params.Subscription))
	}
}

// Publish 发送报价应答并等待回执，最长 8 秒。
// relay 返回 -32098 映射为 ErrSolverLost。
func (s *Session) Publish(ctx context.Context, resp QuoteResponse) error {
	id := s.nextID.Add(1)
	waiter := make(chan publishOutcome, 1)
	s.pendingMu.Lock()
	s.pending[id] = waiter
	s.pendingMu.Unlock()

	frame := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "quote_response",
		"params":  []QuoteResponse{resp},
	}
	if err := s.writeJSON(frame); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return err
	}

	select {
	case outcome := <-waiter:
		return outcome.err
	case <-ctx.Done():
		s.dropWaiter(id)
		return ctx.Err()
	case <-time.After(publishAckTimeout):
		s.dropWaiter(id)
		return ErrPublishTimeout
	}
}

func (s *Session) dropWaiter(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// cleanup 断开后的状态清理：挂起发布全部按连接关闭解除，订阅映射清空。
func (s *Session) cleanup() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.pendingMu.Lock()
	for id, waiter := range s.pending {
		waiter <- publishOutcome{err: ErrConnectionClosed}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	s.subMu.Lock()
	s.subs = make(map[string]string)
	s.subWaiters = make(map[int64]string)
	s.subMu.Unlock()
}
