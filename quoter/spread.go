package quoter

// SpotSource 提供外部现货价格；feed 过期时返回错误。
type SpotSource interface {
	Price() (float64, error)
}

// effectiveSpreadBps 计算本次报价使用的 spread（basis point）。
// 静态模式固定 TargetSpreadBips；动态模式用有利 basis 收窄 base spread，
// basis 只会收窄、永不放宽，下限 0。
func (q *Quoter) effectiveSpreadBps(weAreBuying bool, params Params) float64 {
	if !params.DynamicSpreadEnabled || q.spot == nil {
		return params.TargetSpreadBips
	}
	spot, err := q.spot.Price()
	if err != nil || spot <= 0 {
		return params.TargetSpreadBips
	}
	perpMid, _, err := q.book.MidSpread()
	if err != nil || perpMid <= 0 {
		return params.TargetSpreadBips
	}

	basisBps := (perpMid - spot) / spot * 10000.0
	// 做空对冲（买入 BTC）时正 basis 有利；做多时负 basis 有利。
	favorable := basisBps
	if !weAreBuying {
		favorable = -basisBps
	}
	if favorable < 0 {
		favorable = 0
	}

	effective := params.BaseSpreadBips - favorable
	if effective < 0 {
		effective = 0
	}
	if effective > params.BaseSpreadBips {
		effective = params.BaseSpreadBips
	}
	if params.MaxSpreadBips > 0 && effective > params.MaxSpreadBips {
		effective = params.MaxSpreadBips
	}
	return effective
}
