package model

// TokenStatus is the tracking state of a token.
type TokenStatus string

const (
	TokenActive   TokenStatus = "ACTIVE"
	TokenDisabled TokenStatus = "DISABLED"
)

// Token is one tracked token/pair. TokenAddress is the primary key
// everywhere; PairAddress is what the vendor OHLCV endpoints want.
type Token struct {
	TokenAddress  string      `json:"token_address"`
	PairAddress   string      `json:"pair_address"`
	Symbol        string      `json:"symbol"`
	Name          string      `json:"name"`
	Chain         string      `json:"chain"`
	PairCreatedAt int64       `json:"pair_created_at"` // unix seconds
	AddedAt       int64       `json:"added_at"`
	AddedBy       string      `json:"added_by,omitempty"`
	Status        TokenStatus `json:"status"`
	DisabledAt    int64       `json:"disabled_at,omitempty"`
	DisableReason string      `json:"disable_reason,omitempty"`
}

// AgeDays returns the pair age in (fractional) days at the given time.
func (t *Token) AgeDays(now int64) float64 {
	if t.PairCreatedAt <= 0 || now <= t.PairCreatedAt {
		return 0
	}
	return float64(now-t.PairCreatedAt) / 86400.0
}

// TimeframeRecord is one row of the timeframe catalog: the fetch
// watermark for a (token, timeframe) series.
type TimeframeRecord struct {
	TokenAddress  string    `json:"token_address"`
	PairAddress   string    `json:"pair_address"`
	Timeframe     Timeframe `json:"timeframe"`
	LastFetchedAt int64     `json:"last_fetched_at"` // unixTime of the latest stored bar
	NextFetchAt   int64     `json:"next_fetch_at"`   // earliest wall-clock time a newer bar is complete
	FetchCount    int64     `json:"fetch_count"`
	UpdatedAt     int64     `json:"updated_at"`
}

// Due reports whether this record should be fetched at now, respecting
// the buffer that keeps freshly created pairs out of the due set until
// their first bar can actually be complete.
func (r *TimeframeRecord) Due(now, bufferSeconds int64) bool {
	return r.NextFetchAt <= now-bufferSeconds
}
