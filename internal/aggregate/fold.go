// Package aggregate derives higher-timeframe candles from closed 15m
// bars. Only complete buckets come out: every constituent present and
// the bucket closed before the current in-progress candle.
package aggregate

import (
	"sort"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// Fold rolls 15m bars into tf candles. Partial buckets, and the bucket
// still open at now, are skipped; they are picked up on a later pass
// once their constituents have all arrived.
func Fold(bars []model.Candle, tf model.Timeframe, now int64) []model.Candle {
	if len(bars) == 0 {
		return nil
	}
	need := int(tf.Seconds() / model.TF15m.Seconds())
	cutoff := tf.CurrentCandleStart(now)

	groups := make(map[int64][]model.Candle)
	for _, b := range bars {
		bucket := tf.AlignFloor(b.UnixTime)
		groups[bucket] = append(groups[bucket], b)
	}

	var out []model.Candle
	for bucket, members := range groups {
		if bucket+tf.Seconds() > cutoff {
			continue
		}
		if len(members) != need {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].UnixTime < members[j].UnixTime })
		out = append(out, fold(bucket, tf, members, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnixTime < out[j].UnixTime })
	return out
}

func fold(bucket int64, tf model.Timeframe, members []model.Candle, now int64) model.Candle {
	c := model.Candle{
		TokenAddress: members[0].TokenAddress,
		PairAddress:  members[0].PairAddress,
		Timeframe:    tf,
		UnixTime:     bucket,
		Open:         members[0].Open,
		High:         members[0].High,
		Low:          members[0].Low,
		Close:        members[len(members)-1].Close,
		Volume:       members[0].Volume,
		Trades:       members[0].Trades,
		Source:       model.SourceAggregated,
		FetchedAt:    now,
	}
	for _, m := range members[1:] {
		if m.High.GreaterThan(c.High) {
			c.High = m.High
		}
		if m.Low.LessThan(c.Low) {
			c.Low = m.Low
		}
		c.Volume = c.Volume.Add(m.Volume)
		c.Trades += m.Trades
	}
	return c
}
