// Package indicator holds the incremental indicator engines: session
// VWAP, anchored VWAP, EMA, and the RSI / Stochastic-RSI chain. Each
// engine folds newly closed bars into a persisted state row and emits
// per-bar points for stamping onto the candle store. Updates are O(1)
// per bar; nothing rescans history.
package indicator

import "math"

// round8 trims float noise before values are persisted or compared.
func round8(v float64) float64 { return math.Round(v*1e8) / 1e8 }

func ptr(v float64) *float64 { return &v }

// pushRing appends v keeping at most n most recent values.
func pushRing(buf []float64, v float64, n int) []float64 {
	buf = append(buf, v)
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return buf
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func mean(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}
