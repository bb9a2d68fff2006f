package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/assert"

	"github.com/SovaNetwork/near-delta-neutral-solver/audit"
	"github.com/SovaNetwork/near-delta-neutral-solver/intents"
	"github.com/SovaNetwork/near-delta-neutral-solver/config"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/hedger"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/inventory"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
	"github.com/SovaNetwork/near-delta-neutral-solver/quoter"
	"github.com/SovaNetwork/near-delta-neutral-solver/relay"
)

const (
	btcID = "btc.omft.near"
	usdID = "usdt.tether-token.near"
)

type openRisk struct{}

func (openRisk) GetQuoteDirection() inventory.QuoteDirection        { return inventory.DirectionBoth }
func (openRisk) CheckPositionCapacity(gateway.HedgeDirection, float64) bool { return true }
func (openRisk) GetFundingRate() float64                            { return 0 }

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []relay.QuoteResponse
}

func (f *fakePublisher) Publish(ctx context.Context, resp relay.QuoteResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, resp)
	return nil
}

type stubSigner struct {
	priv ed25519.PrivateKey
}

func (s *stubSigner) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}
func (s *stubSigner) PublicKeyString() string {
	return "ed25519:" + base58.Encode(s.priv.Public().(ed25519.PublicKey))
}
func (s *stubSigner) AccountID() string { return "solver.testnet" }

type fakeVenue struct {
	mu    sync.Mutex
	sizes []float64
}

func (f *fakeVenue) ExecuteHedge(ctx context.Context, dir gateway.HedgeDirection, size float64) (gateway.HedgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, size)
	return gateway.HedgeResult{Direction: dir, AvgPrice: 100000, FilledSize: size}, nil
}

type fakeInv struct{ emergency bool }

func (f *fakeInv) SetEmergencyMode(on bool) { f.emergency = on }
func (f *fakeInv) EmergencyMode() bool      { return f.emergency }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Outputs: []string{"stdout"}, Format: "json"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return log
}

type engineFixture struct {
	solver *Solver
	hedger *hedger.Hedger
	pub    *fakePublisher
	venue  *fakeVenue
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	table, err := config.BuildTokenTable([]config.TokenConfig{
		{ID: btcID, Symbol: "BTC", Decimals: 8, Kind: config.TokenKindBTC},
		{ID: usdID, Symbol: "USDT", Decimals: 6, Kind: config.TokenKindUSD},
	})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	book := market.NewOrderBook(5000)
	book.Replace(
		[]market.Level{{Price: 100000, Size: 10}},
		[]market.Level{{Price: 100100, Size: 10}},
		time.Now(),
	)
	q := quoter.New(book, openRisk{}, table, nil, quoter.Params{
		TargetSpreadBips: 30,
		MinTradeSizeBTC:  0.001,
		MaxTradeSizeBTC:  1.0,
	})

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	venue := &fakeVenue{}
	events := audit.NewWriter(audit.Config{Dir: t.TempDir()})
	t.Cleanup(func() { _ = events.Close() })
	h := hedger.New(hedger.Config{HedgingEnabled: true}, nil, venue, &fakeInv{}, events, nil, testLogger(t))
	pub := &fakePublisher{}
	s := NewSolver(q, h, pub, &stubSigner{priv: priv}, "intents.testnet", events, testLogger(t))
	return &engineFixture{solver: s, hedger: h, pub: pub, venue: venue}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func buyRequest() relay.QuoteRequestData {
	return relay.QuoteRequestData{
		QuoteID:       "q1",
		AssetIn:       "nep141:" + btcID,
		AssetOut:      "nep141:" + usdID,
		ExactAmountIn: "1000000", // 0.01 BTC
		MinDeadlineMs: time.Now().Add(time.Minute).UnixMilli(),
	}
}

func TestQuoteRequestPublishesAndTracks(t *testing.T) {
	fx := newEngineFixture(t)
	fx.solver.OnQuoteRequest(buyRequest())

	waitFor(t, func() bool { return fx.hedger.PendingCount() == 1 })

	fx.pub.mu.Lock()
	defer fx.pub.mu.Unlock()
	assert.Len(t, fx.pub.published, 1)
	resp := fx.pub.published[0]
	assert.Equal(t, "q1", resp.QuoteID)
	assert.Equal(t, "997000000", resp.QuoteOutput.AmountOut)
	assert.Empty(t, resp.QuoteOutput.AmountIn)
	assert.Equal(t, "nep413", resp.SignedData.Standard)
	assert.NotEmpty(t, resp.SignedData.Signature)
	assert.NotEmpty(t, resp.SignedData.PublicKey)
}

// 往返一致性：结算后对冲规模与报价结果的 btc_size 一致。
func TestRoundTripHedgeSizeMatchesQuote(t *testing.T) {
	fx := newEngineFixture(t)
	fx.solver.OnQuoteRequest(buyRequest())
	waitFor(t, func() bool { return fx.hedger.PendingCount() == 1 })

	// 从发布的签名数据重算 quote hash，模拟 relay 的结算通知寻址
	fx.pub.mu.Lock()
	signed := fx.pub.published[0].SignedData
	fx.pub.mu.Unlock()
	rawNonce, err := base64.StdEncoding.DecodeString(signed.Payload.Nonce)
	if err != nil || len(rawNonce) != 32 {
		t.Fatalf("nonce decode: %v", err)
	}
	var nonce [32]byte
	copy(nonce[:], rawNonce)
	digest := intents.Digest(intents.Nep413Payload{
		Message:   signed.Payload.Message,
		Nonce:     nonce,
		Recipient: signed.Payload.Recipient,
	})
	sig := base58.Decode(strings.TrimPrefix(signed.Signature, "ed25519:"))
	quoteHash := intents.QuoteHash(digest, sig)

	fx.solver.OnSettlement(relay.SettlementData{
		QuoteHash:  quoteHash,
		IntentHash: "i1",
		TxHash:     "tx1",
	})
	waitFor(t, func() bool {
		fx.venue.mu.Lock()
		defer fx.venue.mu.Unlock()
		return len(fx.venue.sizes) == 1
	})

	fx.venue.mu.Lock()
	defer fx.venue.mu.Unlock()
	if fx.venue.sizes[0] != 0.01 {
		t.Fatalf("hedge size %f must equal quoted btc_size", fx.venue.sizes[0])
	}
}

func TestSolverLostNotTracked(t *testing.T) {
	fx := newEngineFixture(t)
	fx.pub.err = relay.ErrSolverLost
	fx.solver.OnQuoteRequest(buyRequest())

	time.Sleep(100 * time.Millisecond)
	if fx.hedger.PendingCount() != 0 {
		t.Fatalf("lost quote must not be tracked")
	}
}

func TestPublishFailureNotTracked(t *testing.T) {
	fx := newEngineFixture(t)
	fx.pub.err = relay.ErrPublishTimeout
	fx.solver.OnQuoteRequest(buyRequest())

	time.Sleep(100 * time.Millisecond)
	if fx.hedger.PendingCount() != 0 {
		t.Fatalf("failed publish must not be tracked")
	}
}

func TestRejectedQuoteNotPublished(t *testing.T) {
	fx := newEngineFixture(t)
	req := buyRequest()
	req.AssetIn = "nep141:unknown.near"
	fx.solver.OnQuoteRequest(req)

	time.Sleep(50 * time.Millisecond)
	fx.pub.mu.Lock()
	defer fx.pub.mu.Unlock()
	if len(fx.pub.published) != 0 {
		t.Fatalf("rejected quote must not publish")
	}
}
