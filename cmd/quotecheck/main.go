// quotecheck 离线定价探针：从 JSON 文件读一份盘口快照和一条请求，
// 跑一遍定价序列并打印结果，用于参数调优时不连任何外部服务。
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/SovaNetwork/near-delta-neutral-solver/config"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/inventory"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
	"github.com/SovaNetwork/near-delta-neutral-solver/quoter"
)

type fixture struct {
	Bids      [][2]float64          `json:"bids"`
	Asks      [][2]float64          `json:"asks"`
	Tokens    []config.TokenConfig  `json:"tokens"`
	Trading   config.TradingConfig  `json:"trading"`
	TokenIn   string                `json:"token_in"`
	TokenOut  string                `json:"token_out"`
	AmountIn  string                `json:"amount_in,omitempty"`
	AmountOut string                `json:"amount_out,omitempty"`
}

// openRisk 放行一切闸门，让探针只看定价本身。
type openRisk struct{}

func (openRisk) GetQuoteDirection() inventory.QuoteDirection { return inventory.DirectionBoth }
func (openRisk) CheckPositionCapacity(gateway.HedgeDirection, float64) bool {
	return true
}
func (openRisk) GetFundingRate() float64 { return 0 }

func main() {
	path := flag.String("fixture", "fixture.json", "盘口+请求的 JSON 文件")
	flag.Parse()

	raw, err := os.ReadFile(*path)
	if err != nil {
		log.Fatalf("读取 fixture 失败: %v", err)
	}
	var fx fixture
	if err := json.Unmarshal(raw, &fx); err != nil {
		log.Fatalf("解析 fixture 失败: %v", err)
	}

	tokens, err := config.BuildTokenTable(fx.Tokens)
	if err != nil {
		log.Fatalf("token 表无效: %v", err)
	}

	book := market.NewOrderBook(fx.Trading.MaxOrderbookAgeMs)
	book.Replace(levels(fx.Bids), levels(fx.Asks), time.Now())

	q := quoter.New(book, openRisk{}, tokens, nil, quoter.ParamsFromTrading(fx.Trading))
	result, reason := q.GetQuote(quoter.Request{
		QuoteID:   "quotecheck",
		TokenIn:   fx.TokenIn,
		TokenOut:  fx.TokenOut,
		AmountIn:  fx.AmountIn,
		AmountOut: fx.AmountOut,
	})
	if reason != quoter.RejectNone {
		fmt.Printf("rejected: %s\n", reason)
		os.Exit(2)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

func levels(in [][2]float64) []market.Level {
	out := make([]market.Level, 0, len(in))
	for _, pair := range in {
		out = append(out, market.Level{Price: pair[0], Size: pair[1]})
	}
	return out
}
