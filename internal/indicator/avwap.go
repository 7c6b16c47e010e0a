package indicator

import "github.com/obscurainvera/onchain-sub000/internal/model"

// AVWAP is the anchored VWAP accumulator for one (token, timeframe).
// Same accumulation as the daily VWAP but anchored once and never
// reset; bars at or before the anchor are skipped.
type AVWAP struct {
	st *model.AVWAPState
}

// NewAVWAP anchors a fresh accumulator at anchorUnix.
func NewAVWAP(token string, tf model.Timeframe, anchorUnix int64) *AVWAP {
	return &AVWAP{st: &model.AVWAPState{
		TokenAddress: token,
		Timeframe:    tf,
		AnchorUnix:   anchorUnix,
	}}
}

// RestoreAVWAP resumes from a persisted state row.
func RestoreAVWAP(st *model.AVWAPState) *AVWAP { return &AVWAP{st: st} }

// Update folds one closed bar. ok is false for replays, pre-anchor
// bars, and while no volume has accumulated.
func (a *AVWAP) Update(c model.Candle) (model.DecimalPoint, bool) {
	if c.UnixTime <= a.st.LastCandleUnix || c.UnixTime < a.st.AnchorUnix {
		return model.DecimalPoint{}, false
	}

	if c.Volume.IsPositive() {
		a.st.CumPV = a.st.CumPV.Add(c.TypicalPrice().Mul(c.Volume))
		a.st.CumVolume = a.st.CumVolume.Add(c.Volume)
		a.st.AVWAP = a.st.CumPV.Div(a.st.CumVolume)
	}
	a.st.LastCandleUnix = c.UnixTime

	if a.st.CumVolume.IsZero() {
		return model.DecimalPoint{}, false
	}
	return model.DecimalPoint{Unix: c.UnixTime, Value: a.st.AVWAP.Round(8)}, true
}

// State exposes the row for persistence.
func (a *AVWAP) State() *model.AVWAPState { return a.st }
