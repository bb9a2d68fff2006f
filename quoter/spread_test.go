package quoter

import (
	"errors"
	"testing"
)

type stubSpot struct {
	price float64
	err   error
}

func (s *stubSpot) Price() (float64, error) { return s.price, s.err }

func dynamicQuoter(t *testing.T, spot SpotSource) *Quoter {
	t.Helper()
	params := defaultParams()
	params.DynamicSpreadEnabled = true
	params.TargetSpreadBips = 30
	params.BaseSpreadBips = 30
	return New(deepBook(), openRisk(), testTable(t), spot, params)
}

func TestDynamicSpreadDisabledUsesTarget(t *testing.T) {
	q := newQuoter(t, deepBook(), openRisk())
	if got := q.effectiveSpreadBps(true, q.getParams()); got != 30 {
		t.Fatalf("static spread: %f", got)
	}
}

func TestDynamicSpreadFallsBackWithoutSpot(t *testing.T) {
	q := dynamicQuoter(t, &stubSpot{err: errors.New("stale")})
	if got := q.effectiveSpreadBps(true, q.getParams()); got != 30 {
		t.Fatalf("unavailable spot must fall back to target: %f", got)
	}
}

func TestDynamicSpreadTightensOnFavorableBasis(t *testing.T) {
	// perp mid 100000（deepBook bid=ask=100000），spot 99900 → basis ≈ +10 bps
	q := dynamicQuoter(t, &stubSpot{price: 99900})
	buying := q.effectiveSpreadBps(true, q.getParams())
	if buying >= 30 || buying <= 0 {
		t.Fatalf("favorable basis must tighten buy spread: %f", buying)
	}
	// 做多方向的 basis 不利，保持 base
	selling := q.effectiveSpreadBps(false, q.getParams())
	if selling != 30 {
		t.Fatalf("unfavorable basis must not change sell spread: %f", selling)
	}
}

func TestDynamicSpreadNeverNegative(t *testing.T) {
	// basis 远大于 base spread：spread 收窄到 0 为止
	q := dynamicQuoter(t, &stubSpot{price: 90000})
	if got := q.effectiveSpreadBps(true, q.getParams()); got != 0 {
		t.Fatalf("spread must clamp at 0: %f", got)
	}
}

func TestDynamicSpreadNeverWidens(t *testing.T) {
	// 不利 basis 下买入 spread 不得高于 base
	q := dynamicQuoter(t, &stubSpot{price: 110000})
	if got := q.effectiveSpreadBps(true, q.getParams()); got > 30 {
		t.Fatalf("basis must never widen the spread: %f", got)
	}
}
