// Package marketdata fetches OHLCV history from the candle vendors.
// Birdeye is the primary source, GeckoTerminal the fallback; both are
// paged, credit-metered through a key pool, and normalized to the same
// window contract before anything downstream sees a bar.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

var (
	// ErrNoCredits means no key in the vendor pool could fund a call.
	ErrNoCredits = errors.New("no credits available")

	// ErrUnsupportedTimeframe is returned before any credit is spent.
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// VendorError wraps a failed vendor call with its retry class.
type VendorError struct {
	Vendor    string
	Status    int // HTTP status, 0 for transport failures
	Transient bool
	Err       error
}

func (e *VendorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Vendor, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Vendor, e.Err)
}

func (e *VendorError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth re-driving on a later tick.
func IsTransient(err error) bool {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	return false
}

func transientStatus(code int) bool {
	return code == 429 || code >= 500
}

// FetchRequest is one candle window to pull. Both bounds are
// exclusive: bars land strictly inside (FromTime, ToTime), with ToTime
// normally the open of the in-progress candle.
type FetchRequest struct {
	TokenAddress string
	PairAddress  string
	Timeframe    model.Timeframe
	FromTime     int64
	ToTime       int64
}

// FetchResult is the outcome of one fetch operation.
type FetchResult struct {
	Candles     []model.Candle
	CreditsUsed int64
	LatestTime  int64 // unix of the newest accepted bar, 0 when none
	Source      model.CandleSource
}

// Client is one vendor's paged OHLCV API.
type Client interface {
	Service() string
	Fetch(ctx context.Context, req FetchRequest, sess *Session) (*FetchResult, error)
}

// CredentialStore is the slice of the store the fetcher needs.
type CredentialStore interface {
	ActiveCredentials(ctx context.Context, service string) ([]model.ServiceCredential, error)
	SettleCredits(ctx context.Context, spent map[int64]int64) error
}

const settleTimeout = 10 * time.Second

// Fetcher runs fetch operations against the primary vendor and falls
// back to the secondary when the primary fails.
type Fetcher struct {
	creds     CredentialStore
	primary   Client
	secondary Client
}

// NewFetcher wires the vendors. secondary may be nil.
func NewFetcher(creds CredentialStore, primary, secondary Client) *Fetcher {
	return &Fetcher{creds: creds, primary: primary, secondary: secondary}
}

// Fetch pulls the requested window. Credits burned by either vendor
// are settled back to the store even when the fetch fails or the
// context dies mid-window.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if !req.Timeframe.Valid() {
		return nil, fmt.Errorf("timeframe %q: %w", req.Timeframe, ErrUnsupportedTimeframe)
	}

	res, spent, err := f.fetchVia(ctx, f.primary, req)
	if err == nil {
		return res, nil
	}
	if f.secondary == nil || errors.Is(err, ErrUnsupportedTimeframe) || ctx.Err() != nil {
		return nil, err
	}

	log.Printf("[marketdata] %s failed for %s %s: %v (falling back to %s)",
		f.primary.Service(), req.TokenAddress, req.Timeframe, err, f.secondary.Service())

	res2, spent2, err2 := f.fetchVia(ctx, f.secondary, req)
	if err2 != nil {
		return nil, fmt.Errorf("%s: %v; %s: %w", f.primary.Service(), err, f.secondary.Service(), err2)
	}
	res2.CreditsUsed = spent + spent2
	return res2, nil
}

func (f *Fetcher) fetchVia(ctx context.Context, c Client, req FetchRequest) (*FetchResult, int64, error) {
	creds, err := f.creds.ActiveCredentials(ctx, c.Service())
	if err != nil {
		return nil, 0, fmt.Errorf("load %s credentials: %w", c.Service(), err)
	}
	sess := NewSession(creds)

	// Settlement always runs, on a fresh context: credits burned before
	// a cancellation or vendor failure are real spend.
	defer func() {
		deltas := sess.Deltas()
		if len(deltas) == 0 {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := f.creds.SettleCredits(sctx, deltas); err != nil {
			log.Printf("[marketdata] settle %s credits: %v", c.Service(), err)
		}
	}()

	res, err := c.Fetch(ctx, req, sess)
	if err != nil {
		return nil, sess.Total(), err
	}
	res.CreditsUsed = sess.Total()
	return res, sess.Total(), nil
}

// normalize enforces the window contract on raw vendor bars: strictly
// inside (FromTime, ToTime), deduplicated by bar open, OHLCV-valid,
// ascending. Invalid bars are dropped individually, never the window.
func normalize(vendor string, bars []model.Candle, req FetchRequest) []model.Candle {
	seen := make(map[int64]bool, len(bars))
	out := make([]model.Candle, 0, len(bars))
	for _, b := range bars {
		if b.UnixTime <= req.FromTime || b.UnixTime >= req.ToTime {
			continue
		}
		if seen[b.UnixTime] {
			continue
		}
		if err := b.Validate(); err != nil {
			log.Printf("[%s] dropping invalid bar %s %s@%d: %v", vendor, req.TokenAddress, req.Timeframe, b.UnixTime, err)
			continue
		}
		seen[b.UnixTime] = true
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnixTime < out[j].UnixTime })
	return out
}

func latestOf(bars []model.Candle) int64 {
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].UnixTime
}
