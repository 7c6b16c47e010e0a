package indicator

import "github.com/obscurainvera/onchain-sub000/internal/model"

// EMA is one exponential moving average series over closed bars.
// While NOT_AVAILABLE it accumulates closes toward the SMA seed; the
// seed lands on bar index period-1 and the recurrence
// EMA = price·m + prev·(1-m), m = 2/(period+1), runs from there.
//
// The seed accumulator is transient: a series restored mid-seed must
// be re-fed from its first bar, which is why LastUpdatedUnix only
// starts advancing once the series is AVAILABLE.
type EMA struct {
	st    *model.EMAState
	count int
	sum   float64
}

// NewEMA starts a fresh SMA-seeded series.
func NewEMA(token string, tf model.Timeframe, period int, pairCreatedAt int64) *EMA {
	return &EMA{st: &model.EMAState{
		TokenAddress:  token,
		Timeframe:     tf,
		Period:        period,
		Status:        model.EMANotAvailable,
		AvailableTime: model.EMAAvailableTime(tf, period, pairCreatedAt),
		AnchorSource:  model.EMASeedSMA,
	}}
}

// NewAnchoredEMA starts a series seeded from an operator-supplied
// value at referenceTime. The series is AVAILABLE immediately; bars at
// or before the reference never re-enter the recurrence.
func NewAnchoredEMA(token string, tf model.Timeframe, period int, value float64, referenceTime int64) *EMA {
	return &EMA{st: &model.EMAState{
		TokenAddress:    token,
		Timeframe:       tf,
		Period:          period,
		Status:          model.EMAReady,
		Value:           value,
		AvailableTime:   referenceTime,
		LastUpdatedUnix: referenceTime,
		AnchorSource:    model.EMASeedOperator,
	}}
}

// RestoreEMA resumes from a persisted state row.
func RestoreEMA(st *model.EMAState) *EMA { return &EMA{st: st} }

// Update folds one closed bar. ok is false while the series is still
// seeding or the bar is a replay.
func (e *EMA) Update(c model.Candle) (model.FloatPoint, bool) {
	price := c.Close.InexactFloat64()

	if e.st.Status == model.EMANotAvailable {
		e.count++
		e.sum += price
		if e.count < e.st.Period {
			return model.FloatPoint{}, false
		}
		e.st.Value = e.sum / float64(e.st.Period)
		e.st.Status = model.EMAReady
		e.st.LastUpdatedUnix = c.UnixTime
		return model.FloatPoint{Unix: c.UnixTime, Value: round8(e.st.Value)}, true
	}

	if c.UnixTime <= e.st.LastUpdatedUnix {
		return model.FloatPoint{}, false
	}
	m := 2.0 / float64(e.st.Period+1)
	e.st.Value = price*m + e.st.Value*(1-m)
	e.st.LastUpdatedUnix = c.UnixTime
	return model.FloatPoint{Unix: c.UnixTime, Value: round8(e.st.Value)}, true
}

// State exposes the row for persistence.
func (e *EMA) State() *model.EMAState { return e.st }
