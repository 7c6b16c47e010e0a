package model

import "github.com/shopspring/decimal"

// DecimalPoint is one computed decimal indicator value for a bar.
type DecimalPoint struct {
	Unix  int64
	Value decimal.Decimal
}

// FloatPoint is one computed float indicator value for a bar.
type FloatPoint struct {
	Unix  int64
	Value float64
}

// RSIPoint carries the RSI chain values for one bar. RSI is always set
// when the point is emitted; the later stages fill in as their buffers
// reach capacity.
type RSIPoint struct {
	Unix     int64
	RSI      float64
	StochRSI *float64
	StochK   *float64
	StochD   *float64
}

// TrendStatusPoint carries the per-bar trend/status columns written by
// the alert engine for both EMA pairs.
type TrendStatusPoint struct {
	Unix     int64
	Trend    Trend
	Status   string
	Trend12  Trend
	Status12 string
}
