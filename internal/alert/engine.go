// Package alert evaluates decorated bars against the EMA-pair trend
// strategy and emits the events behind outbound notifications.
//
// Two EMA pairs are tracked per (token, timeframe): 21/34 and 12/21.
// Each pair carries its own trend, touch counter and touch watermark.
// Crosses reset the counter; touches in an uptrend increment it and
// only the first MaxTouchNotifies touches are announced. AVWAP
// breakout/breakdown and Stoch-RSI extremes ride on the same bar scan.
package alert

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// Config tunes the event rules.
type Config struct {
	TouchGapSeconds  int64   // min spacing between counted touches
	MaxTouchNotifies int64   // touches announced per trend leg
	OversoldBelow    float64 // stoch K and D both under
	OverboughtAbove  float64 // stoch K and D both over
}

// DefaultConfig matches the reference deployment.
func DefaultConfig() Config {
	return Config{
		TouchGapSeconds:  7200,
		MaxTouchNotifies: 2,
		OversoldBelow:    20,
		OverboughtAbove:  80,
	}
}

// Event is one strategy occurrence detected on a bar. PairLabel names
// the EMA pair behind cross/touch/stoch events; TouchedBand names the
// EMA whose value the bar's range covered.
type Event struct {
	Type        model.AlertType
	Bar         model.Candle
	PairLabel   string
	TouchedBand string
}

// pairSpec wires one EMA pair's field accessors and status codes.
type pairSpec struct {
	label     string
	shortName string
	longName  string
	shortCode string
	longCode  string
	short     func(*model.Candle) *float64
	long      func(*model.Candle) *float64
}

var pair2134 = pairSpec{
	label:     "EMA21/EMA34",
	shortName: "EMA21",
	longName:  "EMA34",
	shortCode: "2",
	longCode:  "3",
	short:     func(c *model.Candle) *float64 { return c.EMA21 },
	long:      func(c *model.Candle) *float64 { return c.EMA34 },
}

var pair1221 = pairSpec{
	label:     "EMA12/EMA21",
	shortName: "EMA12",
	longName:  "EMA21",
	shortCode: "1",
	longCode:  "2",
	short:     func(c *model.Candle) *float64 { return c.EMA12 },
	long:      func(c *model.Candle) *float64 { return c.EMA21 },
}

// Engine is stateless between calls; all series state lives in the
// AlertState row passed to Evaluate.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate folds bars (ascending) into st and returns the per-bar
// trend/status stamps plus the events they raised. Bars at or before
// the state's watermark are skipped, so replays are no-ops.
func (e *Engine) Evaluate(st *model.AlertState, bars []model.Candle) ([]model.TrendStatusPoint, []Event) {
	var points []model.TrendStatusPoint
	var events []Event

	for i := range bars {
		c := &bars[i]
		if c.UnixTime <= st.LastEvaluatedUnix {
			continue
		}

		cur2134 := pairTrend(c.EMA21, c.EMA34)
		cur1221 := pairTrend(c.EMA12, c.EMA21)

		events = append(events, e.evalPair(&st.Pair2134, pair2134, c, cur2134)...)
		events = append(events, e.evalPair(&st.Pair1221, pair1221, c, cur1221)...)
		events = append(events, e.evalAVWAP(st, c)...)
		events = append(events, e.evalStoch(c, cur2134, pair2134)...)
		events = append(events, e.evalStoch(c, cur1221, pair1221)...)

		st.Pair2134.Trend = cur2134
		st.Pair2134.Status = statusCode(c, bandsFor(c, pair2134))
		st.Pair1221.Trend = cur1221
		st.Pair1221.Status = statusCode(c, bandsFor(c, pair1221))
		st.Latest = latestIndicators(c)
		st.LastEvaluatedUnix = c.UnixTime

		points = append(points, model.TrendStatusPoint{
			Unix:     c.UnixTime,
			Trend:    cur2134,
			Status:   st.Pair2134.Status,
			Trend12:  cur1221,
			Status12: st.Pair1221.Status,
		})
	}
	return points, events
}

// pairTrend classifies the short-vs-long EMA relationship. A missing
// long EMA with the short one present reads BULLISH (the long series
// just hasn't seeded yet); a missing short EMA reads NEUTRAL.
func pairTrend(short, long *float64) model.Trend {
	switch {
	case short == nil:
		return model.TrendNeutral
	case long == nil:
		return model.TrendBullish
	case *short >= *long:
		return model.TrendBullish
	default:
		return model.TrendBearish
	}
}

// evalPair detects cross and touch events for one EMA pair. The three
// arms are exclusive: a cross bar has prev on the wrong side for a
// touch, so a single bar never emits both for the same pair.
func (e *Engine) evalPair(ps *model.PairState, p pairSpec, c *model.Candle, cur model.Trend) []Event {
	prev := ps.Trend

	switch {
	case prev == model.TrendBearish && cur == model.TrendBullish:
		ps.TouchCount = 0
		ps.LatestTouchUnix = c.UnixTime
		return []Event{{Type: model.AlertBullishCross, Bar: *c, PairLabel: p.label}}

	case prev == model.TrendBullish && cur == model.TrendBearish:
		ps.TouchCount = 0
		return []Event{{Type: model.AlertBearishCross, Bar: *c, PairLabel: p.label}}

	case cur == model.TrendBullish && prev != model.TrendBearish:
		band, ok := touchedEMA(c, p)
		if !ok || !e.touchSpaced(ps, c.UnixTime) {
			return nil
		}
		ps.TouchCount++
		ps.LatestTouchUnix = c.UnixTime
		if ps.TouchCount > e.cfg.MaxTouchNotifies {
			return nil
		}
		return []Event{{Type: model.AlertBandTouch, Bar: *c, PairLabel: p.label, TouchedBand: band}}
	}
	return nil
}

func (e *Engine) touchSpaced(ps *model.PairState, barUnix int64) bool {
	return ps.LatestTouchUnix == 0 || barUnix-ps.LatestTouchUnix >= e.cfg.TouchGapSeconds
}

func (e *Engine) evalAVWAP(st *model.AlertState, c *model.Candle) []Event {
	if c.AVWAP == nil {
		return nil
	}
	switch {
	case c.Close.GreaterThan(*c.AVWAP) && st.AVWAPPosition == model.AVWAPBelow:
		st.AVWAPPosition = model.AVWAPAbove
		return []Event{{Type: model.AlertAVWAPBreakout, Bar: *c}}

	case c.Close.LessThan(*c.AVWAP) && st.AVWAPPosition == model.AVWAPAbove:
		st.AVWAPPosition = model.AVWAPBelow
		return []Event{{Type: model.AlertAVWAPBreakdown, Bar: *c}}
	}
	return nil
}

// evalStoch fires when an uptrend pullback into an EMA band lands with
// the stoch chain at an extreme. Runs once per EMA pair.
func (e *Engine) evalStoch(c *model.Candle, cur model.Trend, p pairSpec) []Event {
	if cur != model.TrendBullish || c.StochK == nil || c.StochD == nil {
		return nil
	}
	band, ok := touchedEMA(c, p)
	if !ok {
		return nil
	}
	switch {
	case *c.StochK < e.cfg.OversoldBelow && *c.StochD < e.cfg.OversoldBelow:
		return []Event{{Type: model.AlertStochOversold, Bar: *c, PairLabel: p.label, TouchedBand: band}}

	case *c.StochK > e.cfg.OverboughtAbove && *c.StochD > e.cfg.OverboughtAbove:
		return []Event{{Type: model.AlertStochOverbought, Bar: *c, PairLabel: p.label, TouchedBand: band}}
	}
	return nil
}

// touchedEMA reports which of the pair's EMAs the bar's [low, high]
// range covers, short one first.
func touchedEMA(c *model.Candle, p pairSpec) (string, bool) {
	if v := p.short(c); v != nil && touches(c, decimal.NewFromFloat(*v)) {
		return p.shortName, true
	}
	if v := p.long(c); v != nil && touches(c, decimal.NewFromFloat(*v)) {
		return p.longName, true
	}
	return "", false
}

// touches reports whether the bar's [low, high] range covers v.
func touches(c *model.Candle, v decimal.Decimal) bool {
	return !c.Low.GreaterThan(v) && !c.High.LessThan(v)
}

// band is one non-null reference line on a bar.
type band struct {
	code  string
	value decimal.Decimal
}

// bandsFor collects the bar's non-null bands for one EMA pair, sorted
// descending by value. Ties keep the AVWAP, VWAP, short, long order.
func bandsFor(c *model.Candle, p pairSpec) []band {
	var bands []band
	if c.AVWAP != nil {
		bands = append(bands, band{"A", *c.AVWAP})
	}
	if c.VWAP != nil {
		bands = append(bands, band{"V", *c.VWAP})
	}
	if v := p.short(c); v != nil {
		bands = append(bands, band{p.shortCode, decimal.NewFromFloat(*v)})
	}
	if v := p.long(c); v != nil {
		bands = append(bands, band{p.longCode, decimal.NewFromFloat(*v)})
	}
	sort.SliceStable(bands, func(i, j int) bool {
		return bands[i].value.GreaterThan(bands[j].value)
	})
	return bands
}

// statusCode encodes the bar against its bands: the descending band
// order, an underscore, then where the close sits. "AV23_2A" reads
// "AVWAP > VWAP > EMA21 > EMA34; bar touched EMA21 and closed above
// it". Suffixes: A touched the band below the close, B touched the
// band above, AC/BC closed clear of every band (above / below or
// between).
func statusCode(c *model.Candle, bands []band) string {
	if len(bands) == 0 {
		return ""
	}
	var order strings.Builder
	for _, b := range bands {
		order.WriteString(b.code)
	}

	var lower, higher *band
	top, bottom := &bands[0], &bands[len(bands)-1]
	switch {
	case c.Close.GreaterThanOrEqual(top.value):
		lower = top
	case c.Close.LessThan(bottom.value):
		higher = bottom
	default:
		for i := 1; i < len(bands); i++ {
			if bands[i].value.LessThanOrEqual(c.Close) {
				lower, higher = &bands[i], &bands[i-1]
				break
			}
		}
	}

	var pos string
	switch {
	case lower != nil && touches(c, lower.value):
		pos = lower.code + "A"
	case higher != nil && touches(c, higher.value):
		pos = higher.code + "B"
	case higher == nil:
		pos = lower.code + "AC"
	default:
		pos = higher.code + "BC"
	}
	return order.String() + "_" + pos
}

func latestIndicators(c *model.Candle) model.LatestIndicators {
	return model.LatestIndicators{
		VWAP:   c.VWAP,
		AVWAP:  c.AVWAP,
		EMA12:  c.EMA12,
		EMA21:  c.EMA21,
		EMA34:  c.EMA34,
		RSI:    c.RSI,
		StochK: c.StochK,
		StochD: c.StochD,
	}
}
