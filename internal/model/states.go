package model

import "github.com/shopspring/decimal"

// VWAPSession is the per-(token, timeframe) daily VWAP accumulator.
// Sessions run 00:00:00 to 23:59:59 UTC and reset when a bar lands
// past SessionEnd.
type VWAPSession struct {
	TokenAddress   string          `json:"token_address"`
	Timeframe      Timeframe       `json:"timeframe"`
	SessionStart   int64           `json:"session_start"` // 00:00:00 UTC of the session day
	SessionEnd     int64           `json:"session_end"`   // 23:59:59 UTC of the session day
	CumPV          decimal.Decimal `json:"cum_pv"`
	CumVolume      decimal.Decimal `json:"cum_volume"`
	VWAP           decimal.Decimal `json:"vwap"`
	LastCandleUnix int64           `json:"last_candle_unix"`
	UpdatedAt      int64           `json:"updated_at"`
}

// AVWAPState is the per-(token, timeframe) anchored VWAP accumulator.
// Anchored at pair creation (or the earliest available bar for tokens
// backfilled with a bounded window); never resets.
type AVWAPState struct {
	TokenAddress   string          `json:"token_address"`
	Timeframe      Timeframe       `json:"timeframe"`
	AnchorUnix     int64           `json:"anchor_unix"`
	CumPV          decimal.Decimal `json:"cum_pv"`
	CumVolume      decimal.Decimal `json:"cum_volume"`
	AVWAP          decimal.Decimal `json:"avwap"`
	LastCandleUnix int64           `json:"last_candle_unix"`
	UpdatedAt      int64           `json:"updated_at"`
}

// EMAPeriods are the tracked EMA lengths. The 21/34 pair drives trend,
// 12/21 drives momentum, and 12/21/34 are the touch bands.
var EMAPeriods = []int{12, 21, 34}

// EMAStatus is the availability state of one EMA series.
type EMAStatus string

const (
	EMANotAvailable EMAStatus = "NOT_AVAILABLE"
	EMAReady        EMAStatus = "AVAILABLE"
)

// EMAAnchorSource records how an EMA series was seeded.
type EMAAnchorSource string

const (
	EMASeedSMA      EMAAnchorSource = "sma"      // SMA of the first p closes
	EMASeedOperator EMAAnchorSource = "operator" // operator-supplied anchor value
)

// EMAState is the persisted state of one EMA series per
// (token, timeframe, period).
type EMAState struct {
	TokenAddress    string          `json:"token_address"`
	Timeframe       Timeframe       `json:"timeframe"`
	Period          int             `json:"period"`
	Status          EMAStatus       `json:"status"`
	Value           float64         `json:"value"`
	AvailableTime   int64           `json:"available_time"` // unixTime of the seed bar (index period-1)
	LastUpdatedUnix int64           `json:"last_updated_unix"`
	AnchorSource    EMAAnchorSource `json:"anchor_source"`
	UpdatedAt       int64           `json:"updated_at"`
}

// EMAAvailableTime computes where the seed bar of an EMA series lands:
// the creation bucket start plus (period-1) bar widths.
func EMAAvailableTime(tf Timeframe, period int, pairCreatedAt int64) int64 {
	return tf.AlignFloor(pairCreatedAt) + int64(period-1)*tf.Seconds()
}

// RSIState is the persisted state of the RSI / Stoch-RSI chain per
// (token, timeframe). During the Wilder accumulation phase AvgGain and
// AvgLoss hold raw sums; after seeding they hold smoothed averages.
// The three buffers are ring-limited (14, 3, 3).
type RSIState struct {
	TokenAddress    string    `json:"token_address"`
	Timeframe       Timeframe `json:"timeframe"`
	AvgGain         float64   `json:"avg_gain"`
	AvgLoss         float64   `json:"avg_loss"`
	PrevClose       float64   `json:"prev_close"`
	BarCount        int64     `json:"bar_count"`
	RSIValues       []float64 `json:"rsi_values"`
	StochValues     []float64 `json:"stoch_values"`
	KValues         []float64 `json:"k_values"`
	LastUpdatedUnix int64     `json:"last_updated_unix"`
	UpdatedAt       int64     `json:"updated_at"`
}
