package model

import "github.com/shopspring/decimal"

// Trend is the EMA short-vs-long relationship for one pair.
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// AVWAPPosition is which side of the anchored VWAP price last closed on.
type AVWAPPosition string

const (
	AVWAPBelow AVWAPPosition = "BELOW"
	AVWAPAbove AVWAPPosition = "ABOVE"
)

// PairState is the alert-tracking state of one EMA pair
// (21/34 or 12/21) within an AlertState row. TouchCount doubles as the
// notify gate: touches past the configured ceiling are counted but not
// announced.
type PairState struct {
	Trend           Trend  `json:"trend"`
	Status          string `json:"status"`
	TouchCount      int64  `json:"touch_count"`
	LatestTouchUnix int64  `json:"latest_touch_unix"`
}

// LatestIndicators mirrors the newest evaluated bar's indicator values
// on the alert row, so consumers get the current picture without a
// candle lookup.
type LatestIndicators struct {
	VWAP   *decimal.Decimal `json:"vwap,omitempty"`
	AVWAP  *decimal.Decimal `json:"avwap,omitempty"`
	EMA12  *float64         `json:"ema_12,omitempty"`
	EMA21  *float64         `json:"ema_21,omitempty"`
	EMA34  *float64         `json:"ema_34,omitempty"`
	RSI    *float64         `json:"rsi,omitempty"`
	StochK *float64         `json:"stoch_k,omitempty"`
	StochD *float64         `json:"stoch_d,omitempty"`
}

// AlertState is the per-(token, timeframe) alert row. Pair2134 tracks
// the EMA21/EMA34 pair, Pair1221 the EMA12/EMA21 pair.
type AlertState struct {
	TokenAddress      string           `json:"token_address"`
	Timeframe         Timeframe        `json:"timeframe"`
	Pair2134          PairState        `json:"pair_21_34"`
	Pair1221          PairState        `json:"pair_12_21"`
	AVWAPPosition     AVWAPPosition    `json:"avwap_position"`
	Latest            LatestIndicators `json:"latest"`
	LastEvaluatedUnix int64            `json:"last_evaluated_unix"`
	UpdatedAt         int64            `json:"updated_at"`
}

// NewAlertState returns the starting alert row for a series. Position
// starts BELOW so the first close above AVWAP registers as a breakout.
func NewAlertState(token string, tf Timeframe) *AlertState {
	return &AlertState{
		TokenAddress:  token,
		Timeframe:     tf,
		Pair2134:      PairState{Trend: TrendNeutral},
		Pair1221:      PairState{Trend: TrendNeutral},
		AVWAPPosition: AVWAPBelow,
	}
}
