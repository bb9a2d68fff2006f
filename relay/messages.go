package relay

import (
	"encoding/json"

	"github.com/SovaNetwork/near-delta-neutral-solver/intents"
)

// 订阅的两个频道。
const (
	ChannelQuote       = "quote"        // 报价请求
	ChannelQuoteStatus = "quote_status" // 结算通知
)

// QuoteRequestData 是 relay 下发的报价请求。
// defuse_asset_identifier_* 带 nepNNN: 前缀，比较前需剥离。
type QuoteRequestData struct {
	QuoteID        string `json:"quote_id"`
	AssetIn        string `json:"defuse_asset_identifier_in"`
	AssetOut       string `json:"defuse_asset_identifier_out"`
	ExactAmountIn  string `json:"exact_amount_in,omitempty"`
	ExactAmountOut string `json:"exact_amount_out,omitempty"`
	MinDeadlineMs  int64  `json:"min_deadline_ms"`
}

// SettlementData 是结算通知事件的载荷。
type SettlementData struct {
	QuoteHash  string `json:"quote_hash"`
	IntentHash string `json:"intent_hash"`
	TxHash     string `json:"tx_hash"`
}

// QuoteResponse 是发布的报价应答。QuoteOutput 恰好携带
// amount_in 或 amount_out 之一。
type QuoteResponse struct {
	QuoteID     string             `json:"quote_id"`
	QuoteOutput QuoteOutput        `json:"quote_output"`
	SignedData  intents.SignedData `json:"signed_data"`
}

type QuoteOutput struct {
	AmountIn  string `json:"amount_in,omitempty"`
	AmountOut string `json:"amount_out,omitempty"`
}

// inboundFrame 覆盖三类入站消息的并集：订阅确认、发布回执、事件。
type inboundFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params *eventParams    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type eventParams struct {
	Subscription string          `json:"subscription"`
	Data         json.RawMessage `json:"data"`
}

// solverLostCode relay 端 "not found or already finished"，
// 解释为其他 solver 赢得该报价。
const solverLostCode = -32098
