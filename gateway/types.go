package gateway

import "encoding/json"

// HedgeDirection 对冲方向：SHORT 在永续上做空，LONG 做多。
type HedgeDirection int

const (
	DirectionShort HedgeDirection = iota
	DirectionLong
)

func (d HedgeDirection) String() string {
	if d == DirectionShort {
		return "SHORT"
	}
	return "LONG"
}

// IsBuy reports whether the hedge order buys on the venue.
func (d HedgeDirection) IsBuy() bool { return d == DirectionLong }

// l2BookPayload 对应 info / ws 推送的 L2 快照：levels[0] 为降序 bids，
// levels[1] 为升序 asks。
type l2BookPayload struct {
	Coin   string            `json:"coin"`
	TimeMs int64             `json:"time"`
	Levels [][]l2WireLevel   `json:"levels"`
}

type l2WireLevel struct {
	Px json.Number `json:"px"`
	Sz json.Number `json:"sz"`
}

// ClearinghouseState is the venue account snapshot fetched in one call.
type ClearinghouseState struct {
	AccountValueUSD float64 // 账户净值
	MarginUsedUSD   float64
	PerpPositionBTC float64 // 带符号，空头为负
}

type clearinghousePayload struct {
	MarginSummary struct {
		AccountValue   json.Number `json:"accountValue"`
		TotalMarginUsed json.Number `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	AssetPositions []struct {
		Position struct {
			Coin string      `json:"coin"`
			Szi  json.Number `json:"szi"`
		} `json:"position"`
	} `json:"assetPositions"`
}

type fundingPayload struct {
	Coin        string      `json:"coin"`
	FundingRate json.Number `json:"fundingRate"` // hourly decimal
}

type metaPayload struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int32  `json:"szDecimals"`
	} `json:"universe"`
}

// orderRequest 下单请求：IOC limit，reduce_only 恒为 false。
type orderRequest struct {
	Asset      int     `json:"a"`
	IsBuy      bool    `json:"b"`
	Price      string  `json:"p"`
	Size       string  `json:"s"`
	ReduceOnly bool    `json:"r"`
	Type       orderTif `json:"t"`
}

type orderTif struct {
	Limit struct {
		Tif string `json:"tif"`
	} `json:"limit"`
}

type orderResponse struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type orderStatus struct {
	Error  string `json:"error,omitempty"`
	Filled *struct {
		TotalSz json.Number `json:"totalSz"`
		AvgPx   json.Number `json:"avgPx"`
	} `json:"filled,omitempty"`
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
}

// HedgeResult reports the fill of an IOC hedge order.
type HedgeResult struct {
	Direction  HedgeDirection
	LimitPrice float64
	AvgPrice   float64 // 0 when nothing filled
	FilledSize float64
}
