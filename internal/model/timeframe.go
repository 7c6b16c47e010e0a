package model

import "fmt"

// Timeframe is a canonical bar width. The pipeline tracks three widths:
// 15m bars are fetched from vendors, 1h and 4h are derived by aggregation.
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
)

// Timeframes lists every tracked width, ascending.
var Timeframes = []Timeframe{TF15m, TF1h, TF4h}

// HigherTimeframes lists the widths derived from 15m bars.
var HigherTimeframes = []Timeframe{TF1h, TF4h}

// Seconds returns the bar width in seconds, or 0 for an unknown timeframe.
func (tf Timeframe) Seconds() int64 {
	switch tf {
	case TF15m:
		return 900
	case TF1h:
		return 3600
	case TF4h:
		return 14400
	}
	return 0
}

// Valid reports whether tf is one of the tracked widths.
func (tf Timeframe) Valid() bool { return tf.Seconds() > 0 }

// ParseTimeframe converts a string like "15m" into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// AlignFloor returns the start of the bucket containing ts.
func (tf Timeframe) AlignFloor(ts int64) int64 {
	sec := tf.Seconds()
	return ts - ts%sec
}

// CurrentCandleStart returns the start of the bucket containing now.
// A bar whose unixTime is at or past this boundary is still forming.
func (tf Timeframe) CurrentCandleStart(now int64) int64 {
	return tf.AlignFloor(now)
}

// NextFetchAfter returns the earliest wall-clock time at which a bar
// strictly newer than latest is guaranteed complete:
// floor(latest/sec)*sec + 2*sec. The bar after latest opens at +sec and
// closes at +2*sec.
func (tf Timeframe) NextFetchAfter(latest int64) int64 {
	sec := tf.Seconds()
	return tf.AlignFloor(latest) + 2*sec
}

// FirstFetchAt returns when the first bar of a pair created at createdAt
// completes: the creation bucket's start plus one bar width.
func (tf Timeframe) FirstFetchAt(createdAt int64) int64 {
	return tf.AlignFloor(createdAt) + tf.Seconds()
}
