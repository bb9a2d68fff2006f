// Package engine connects the relay session to the quoting and hedging
// pipeline: request in, signed response out, settlement to hedge.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/audit"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/hedger"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/intents"
	"github.com/SovaNetwork/near-delta-neutral-solver/metrics"
	"github.com/SovaNetwork/near-delta-neutral-solver/quoter"
	"github.com/SovaNetwork/near-delta-neutral-solver/relay"
)

// Publisher 发布报价应答并等待回执，由 relay.Session 实现。
type Publisher interface {
	Publish(ctx context.Context, resp relay.QuoteResponse) error
}

// QuoteSigner 签名面，由 chain.Client 实现。
type QuoteSigner interface {
	Sign(digest []byte) ([]byte, error)
	PublicKeyString() string
	AccountID() string
}

const (
	publishTimeout      = 10 * time.Second
	defaultQuoteTTL     = 60 * time.Second
	settlementOpTimeout = 30 * time.Second
)

// Solver 实现 relay.Handler：报价请求走同步热路径，发布与跟踪异步；
// 结算通知直接转交 hedger。事件边界内吞掉一切 panic，坏事件不杀循环。
type Solver struct {
	quoter    *quoter.Quoter
	hedger    *hedger.Hedger
	publisher Publisher
	signer    QuoteSigner
	recipient string // intents 合约，签名载荷的 recipient
	events    *audit.Writer
	log       *logger.Logger
}

// NewSolver wires the engine. The publisher is attached afterwards because
// the relay session needs the solver as its handler first.
func NewSolver(q *quoter.Quoter, h *hedger.Hedger, pub Publisher, signer QuoteSigner, recipient string, events *audit.Writer, log *logger.Logger) *Solver {
	return &Solver{
		quoter:    q,
		hedger:    h,
		publisher: pub,
		signer:    signer,
		recipient: recipient,
		events:    events,
		log:       log,
	}
}

// SetPublisher 注入发布端，构建期一次性调用。
func (s *Solver) SetPublisher(pub Publisher) {
	s.publisher = pub
}

// OnQuoteRequest prices the request synchronously; publication happens on a
// separate goroutine so the relay read loop can deliver the ack.
func (s *Solver) OnQuoteRequest(data relay.QuoteRequestData) {
	defer s.recoverEvent("quote_request")

	metrics.QuotesReceived.Inc()
	s.events.Record("QUOTE_RECEIVED", map[string]interface{}{
		"quote_id":  data.QuoteID,
		"asset_in":  data.AssetIn,
		"asset_out": data.AssetOut,
	})

	req := quoter.Request{
		QuoteID:   data.QuoteID,
		TokenIn:   intents.StripWirePrefix(data.AssetIn),
		TokenOut:  intents.StripWirePrefix(data.AssetOut),
		AmountIn:  data.ExactAmountIn,
		AmountOut: data.ExactAmountOut,
	}
	result, reason := s.quoter.GetQuote(req)
	if reason != quoter.RejectNone {
		metrics.QuoteRejections.WithLabelValues(string(reason)).Inc()
		s.events.Record("QUOTE_REJECTED", map[string]interface{}{
			"quote_id": data.QuoteID,
			"reason":   string(reason),
		})
		return
	}

	deadline := time.Now().Add(defaultQuoteTTL)
	if data.MinDeadlineMs > 0 {
		deadline = time.UnixMilli(data.MinDeadlineMs)
	}

	nonce, err := intents.NewNonce()
	if err != nil {
		s.log.Error("nonce generation failed", zap.Error(err))
		return
	}
	// 收到腿为正、付出腿为负
	message, err := intents.BuildMessage(s.signer.AccountID(), deadline,
		intents.TokenDelta{TokenID: req.TokenIn, Amount: result.AmountIn},
		intents.TokenDelta{TokenID: req.TokenOut, Amount: result.AmountOut})
	if err != nil {
		s.log.Error("intent message build failed", zap.Error(err))
		return
	}
	signed, quoteHash, err := intents.SignQuote(s.signer, message, s.recipient, nonce)
	if err != nil {
		s.log.Error("quote signing failed", zap.Error(err))
		return
	}

	output := relay.QuoteOutput{AmountOut: result.AmountOut}
	if result.IsExactOut {
		output = relay.QuoteOutput{AmountIn: result.AmountIn}
	}
	resp := relay.QuoteResponse{
		QuoteID:     data.QuoteID,
		QuoteOutput: output,
		SignedData:  signed,
	}

	go s.publishAndTrack(resp, result, intents.NonceB64(nonce), quoteHash, deadline)
}

// publishAndTrack 等待发布回执；只有 ack 成功后才进入 hedger 跟踪。
func (s *Solver) publishAndTrack(resp relay.QuoteResponse, result *quoter.Result, nonceB64, quoteHash string, deadline time.Time) {
	defer s.recoverEvent("publish")

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := s.publisher.Publish(ctx, resp)
	switch {
	case err == nil:
	case err == relay.ErrSolverLost:
		metrics.SolverLost.Inc()
		s.events.Record("SOLVER_LOST", map[string]interface{}{
			"quote_id": resp.QuoteID,
		})
		return
	default:
		s.log.Warn("quote publish failed",
			zap.String("quote_id", resp.QuoteID),
			zap.Error(err))
		return
	}

	metrics.QuotesGenerated.Inc()
	s.events.Record("QUOTE_PUBLISHED", map[string]interface{}{
		"quote_id":   resp.QuoteID,
		"nonce":      nonceB64,
		"quote_hash": quoteHash,
		"btc_size":   result.BTCSize,
		"price":      result.QuotedPrice,
	})

	hedgeDir := gateway.DirectionLong
	if result.WeAreBuyingBTC {
		hedgeDir = gateway.DirectionShort
	}
	s.hedger.TrackQuote(hedger.PendingQuote{
		Nonce:          nonceB64,
		QuoteHash:      quoteHash,
		HedgeDirection: hedgeDir,
		BTCSize:        result.BTCSize,
		DeadlineMs:     deadline.UnixMilli(),
		QuotedPrice:    result.QuotedPrice,
		SpreadBps:      result.SpreadBps,
	})
	metrics.PendingQuotes.Set(float64(s.hedger.PendingCount()))
}

// OnSettlement forwards a settlement notification to the hedger.
func (s *Solver) OnSettlement(data relay.SettlementData) {
	defer s.recoverEvent("settlement")

	metrics.SettlementsDetected.Inc()
	// 对冲含网络调用，移出 relay 读循环
	go func() {
		defer s.recoverEvent("settlement_hedge")
		ctx, cancel := context.WithTimeout(context.Background(), settlementOpTimeout)
		defer cancel()
		s.hedger.OnSettlementEvent(ctx, data.QuoteHash, data.IntentHash, data.TxHash)
		metrics.PendingQuotes.Set(float64(s.hedger.PendingCount()))
	}()
}

func (s *Solver) recoverEvent(kind string) {
	if r := recover(); r != nil {
		s.log.Error("panic in event handler",
			zap.String("event", kind),
			zap.Any("panic", r))
	}
}
