package indicator

import (
	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/session"
)

// VWAP is the daily volume-weighted average price accumulator for one
// (token, timeframe). Accumulation runs in decimals end to end; the
// session rolls over when a bar lands past SessionEnd.
type VWAP struct {
	sess *model.VWAPSession
}

// NewVWAP opens a session for the day containing firstBarUnix.
func NewVWAP(token string, tf model.Timeframe, firstBarUnix int64) *VWAP {
	start, end := session.Bounds(firstBarUnix)
	return &VWAP{sess: &model.VWAPSession{
		TokenAddress: token,
		Timeframe:    tf,
		SessionStart: start,
		SessionEnd:   end,
	}}
}

// RestoreVWAP resumes from a persisted session row.
func RestoreVWAP(sess *model.VWAPSession) *VWAP { return &VWAP{sess: sess} }

// Update folds one closed bar. ok is false for replays and for bars in
// a session that has accumulated no volume yet.
func (v *VWAP) Update(c model.Candle) (model.DecimalPoint, bool) {
	if c.UnixTime <= v.sess.LastCandleUnix {
		return model.DecimalPoint{}, false
	}
	if c.UnixTime > v.sess.SessionEnd {
		start, end := session.Bounds(c.UnixTime)
		v.sess.SessionStart = start
		v.sess.SessionEnd = end
		v.sess.CumPV = decimal.Zero
		v.sess.CumVolume = decimal.Zero
		v.sess.VWAP = decimal.Zero
	}

	// Zero-volume bars keep the running value but contribute nothing.
	if c.Volume.IsPositive() {
		v.sess.CumPV = v.sess.CumPV.Add(c.TypicalPrice().Mul(c.Volume))
		v.sess.CumVolume = v.sess.CumVolume.Add(c.Volume)
		v.sess.VWAP = v.sess.CumPV.Div(v.sess.CumVolume)
	}
	v.sess.LastCandleUnix = c.UnixTime

	if v.sess.CumVolume.IsZero() {
		return model.DecimalPoint{}, false
	}
	return model.DecimalPoint{Unix: c.UnixTime, Value: v.sess.VWAP.Round(8)}, true
}

// Session exposes the row for persistence.
func (v *VWAP) Session() *model.VWAPSession { return v.sess }
