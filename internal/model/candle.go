package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// CandleSource records where a bar came from.
type CandleSource string

const (
	SourcePrimary    CandleSource = "primary"    // Birdeye
	SourceSecondary  CandleSource = "secondary"  // GeckoTerminal
	SourceAggregated CandleSource = "aggregated" // derived 1h/4h
)

// Candle is one completed OHLCV bar plus its indicator columns.
// Prices and volume are decimals: on-chain token prices span roughly
// 1e-12 to 1e6, which no fixed-point integer scale covers.
// Indicator fields are pointers so "not yet computed" survives the
// trip through the store as NULL.
type Candle struct {
	TokenAddress string       `json:"token_address"`
	PairAddress  string       `json:"pair_address"`
	Timeframe    Timeframe    `json:"timeframe"`
	UnixTime     int64        `json:"unix_time"` // bucket start (UTC seconds, tf-aligned)
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
	Trades       int64        `json:"trades,omitempty"`
	Source       CandleSource `json:"source"`
	FetchedAt    int64        `json:"fetched_at,omitempty"`

	VWAP     *decimal.Decimal `json:"vwap,omitempty"`
	AVWAP    *decimal.Decimal `json:"avwap,omitempty"`
	EMA12    *float64         `json:"ema_12,omitempty"`
	EMA21    *float64         `json:"ema_21,omitempty"`
	EMA34    *float64         `json:"ema_34,omitempty"`
	RSI      *float64         `json:"rsi,omitempty"`
	StochRSI *float64         `json:"stoch_rsi,omitempty"`
	StochK   *float64         `json:"stoch_k,omitempty"`
	StochD   *float64         `json:"stoch_d,omitempty"`
	Trend    string           `json:"trend,omitempty"`     // EMA21/EMA34 pair
	Status   string           `json:"status,omitempty"`    // EMA21/EMA34 pair
	Trend12  string           `json:"trend_12,omitempty"`  // EMA12/EMA21 pair
	Status12 string           `json:"status_12,omitempty"` // EMA12/EMA21 pair
}

// Key returns a unique key for this bar's series: "token:timeframe".
func (c *Candle) Key() string {
	return c.TokenAddress + ":" + string(c.Timeframe)
}

// TypicalPrice returns (H+L+C)/3, the price used by the VWAP engines.
func (c *Candle) TypicalPrice() decimal.Decimal {
	return c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
}

// Validate checks the OHLCV invariants vendors occasionally violate:
// low <= open,close <= high, non-negative volume, tf-aligned unixTime.
func (c *Candle) Validate() error {
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle %s: invalid timeframe", c.Key())
	}
	if c.UnixTime%c.Timeframe.Seconds() != 0 {
		return fmt.Errorf("candle %s@%d: unix time not aligned to %s", c.Key(), c.UnixTime, c.Timeframe)
	}
	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("candle %s@%d: low > high", c.Key(), c.UnixTime)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("candle %s@%d: open outside [low, high]", c.Key(), c.UnixTime)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("candle %s@%d: close outside [low, high]", c.Key(), c.UnixTime)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle %s@%d: negative volume", c.Key(), c.UnixTime)
	}
	return nil
}

// JSON returns the JSON-encoded candle (ignoring errors for log usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
