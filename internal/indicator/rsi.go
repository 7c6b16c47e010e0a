package indicator

import "github.com/obscurainvera/onchain-sub000/internal/model"

// Chain periods. RSI and StochRSI both run on 14 bars; %K and %D are
// 3-bar SMAs of the stage before them.
const (
	rsiPeriod   = 14
	stochPeriod = 14
	smoothK     = 3
	smoothD     = 3
)

// RSIChain drives RSI, Stochastic RSI, %K and %D off one stream of
// closed bars. RSI uses Wilder's smoothing; the downstream stages fill
// in as their ring buffers reach capacity:
//
//	bar index 14  first RSI
//	bar index 27  first StochRSI
//	bar index 29  first %K
//	bar index 31  first %D
//
// Unlike the EMA seed, the Wilder accumulation lives in the persisted
// state, so a restored chain picks up exactly where it left off.
type RSIChain struct {
	st *model.RSIState
}

// NewRSIChain starts a fresh chain.
func NewRSIChain(token string, tf model.Timeframe) *RSIChain {
	return &RSIChain{st: &model.RSIState{TokenAddress: token, Timeframe: tf}}
}

// RestoreRSIChain resumes from a persisted state row.
func RestoreRSIChain(st *model.RSIState) *RSIChain { return &RSIChain{st: st} }

// Update folds one closed bar. ok is false for replays and while the
// Wilder seed is still accumulating.
func (r *RSIChain) Update(c model.Candle) (model.RSIPoint, bool) {
	if c.UnixTime <= r.st.LastUpdatedUnix {
		return model.RSIPoint{}, false
	}
	price := c.Close.InexactFloat64()
	r.st.BarCount++
	r.st.LastUpdatedUnix = c.UnixTime

	if r.st.BarCount == 1 {
		r.st.PrevClose = price
		return model.RSIPoint{}, false
	}

	delta := price - r.st.PrevClose
	r.st.PrevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.st.BarCount <= rsiPeriod+1 {
		// Accumulation phase: AvgGain/AvgLoss hold raw sums.
		r.st.AvgGain += gain
		r.st.AvgLoss += loss
		if r.st.BarCount < rsiPeriod+1 {
			return model.RSIPoint{}, false
		}
		r.st.AvgGain /= rsiPeriod
		r.st.AvgLoss /= rsiPeriod
	} else {
		// Wilder's smoothing: avg = (prevAvg * (period-1) + x) / period
		r.st.AvgGain = (r.st.AvgGain*(rsiPeriod-1) + gain) / rsiPeriod
		r.st.AvgLoss = (r.st.AvgLoss*(rsiPeriod-1) + loss) / rsiPeriod
	}

	rsi := 100.0
	if r.st.AvgLoss != 0 {
		rs := r.st.AvgGain / r.st.AvgLoss
		rsi = 100.0 - 100.0/(1.0+rs)
	}
	rsi = round8(rsi)

	pt := model.RSIPoint{Unix: c.UnixTime, RSI: rsi}
	r.st.RSIValues = pushRing(r.st.RSIValues, rsi, stochPeriod)

	if len(r.st.RSIValues) == stochPeriod {
		lo, hi := minMax(r.st.RSIValues)
		stoch := 50.0
		if hi != lo {
			stoch = 100.0 * (rsi - lo) / (hi - lo)
		}
		stoch = round8(stoch)
		pt.StochRSI = ptr(stoch)
		r.st.StochValues = pushRing(r.st.StochValues, stoch, smoothK)

		if len(r.st.StochValues) == smoothK {
			k := round8(mean(r.st.StochValues))
			pt.StochK = ptr(k)
			r.st.KValues = pushRing(r.st.KValues, k, smoothD)

			if len(r.st.KValues) == smoothD {
				pt.StochD = ptr(round8(mean(r.st.KValues)))
			}
		}
	}
	return pt, true
}

// State exposes the row for persistence.
func (r *RSIChain) State() *model.RSIState { return r.st }
