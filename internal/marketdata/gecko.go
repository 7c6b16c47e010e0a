package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

var geckoIntervals = map[model.Timeframe]struct {
	unit      string
	aggregate int
}{
	model.TF15m: {"minute", 15},
	model.TF1h:  {"hour", 1},
	model.TF4h:  {"hour", 4},
}

// GeckoConfig configures the fallback vendor client.
type GeckoConfig struct {
	BaseURL  string
	Chain    string // network slug, e.g. "solana"
	PageSize int    // bars per page, default 1000
}

// Gecko is the GeckoTerminal OHLCV client. Pages run backward from the
// window end via a before_timestamp cursor; pages arrive newest-first.
// With no registered keys it runs on the public tier.
type Gecko struct {
	baseURL  string
	chain    string
	pageSize int
	client   *http.Client
	pace     *rate.Limiter
}

func NewGecko(cfg GeckoConfig) *Gecko {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Gecko{
		baseURL:  cfg.BaseURL,
		chain:    cfg.Chain,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: 15 * time.Second},
		pace:     rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (g *Gecko) Service() string { return model.ServiceGecko }

type geckoResponse struct {
	Data struct {
		Attributes struct {
			OHLCVList [][]json.Number `json:"ohlcv_list"`
		} `json:"attributes"`
	} `json:"data"`
}

// Fetch walks the cursor backward until the window start is covered.
func (g *Gecko) Fetch(ctx context.Context, req FetchRequest, sess *Session) (*FetchResult, error) {
	interval, ok := geckoIntervals[req.Timeframe]
	if !ok {
		return nil, fmt.Errorf("geckoterminal: timeframe %q: %w", req.Timeframe, ErrUnsupportedTimeframe)
	}

	var bars []model.Candle
	seen := make(map[int64]bool)
	before := req.ToTime
	for {
		if err := g.pace.Wait(ctx); err != nil {
			return nil, err
		}
		key, err := sess.Acquire()
		if err != nil {
			return nil, fmt.Errorf("geckoterminal: %w", err)
		}

		rows, err := g.page(ctx, key, req.PairAddress, interval.unit, interval.aggregate, before)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		oldest := before
		for _, row := range rows {
			c, err := g.candle(row, req)
			if err != nil {
				log.Printf("[geckoterminal] dropping malformed bar %s: %v", req.TokenAddress, err)
				continue
			}
			if c.UnixTime < oldest {
				oldest = c.UnixTime
			}
			if seen[c.UnixTime] {
				continue
			}
			seen[c.UnixTime] = true
			bars = append(bars, c)
		}

		if oldest <= req.FromTime+1 || oldest >= before || len(rows) < g.pageSize {
			break
		}
		before = oldest
	}

	candles := normalize("geckoterminal", bars, req)
	return &FetchResult{
		Candles:    candles,
		LatestTime: latestOf(candles),
		Source:     model.SourceSecondary,
	}, nil
}

func (g *Gecko) page(ctx context.Context, key, pair, unit string, aggregate int, before int64) ([][]json.Number, error) {
	u := fmt.Sprintf("%s/networks/%s/pools/%s/ohlcv/%s?aggregate=%d&before_timestamp=%d&limit=%d&currency=usd",
		g.baseURL, g.chain, url.PathEscape(pair), unit, aggregate, before, g.pageSize)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("geckoterminal: build request: %w", err)
	}
	httpReq.Header.Set("accept", "application/json")
	if key != "" {
		httpReq.Header.Set("x-cg-pro-api-key", key)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &VendorError{Vendor: "geckoterminal", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &VendorError{
			Vendor:    "geckoterminal",
			Status:    resp.StatusCode,
			Transient: transientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", bytes.TrimSpace(body)),
		}
	}

	var out geckoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &VendorError{Vendor: "geckoterminal", Transient: true, Err: fmt.Errorf("decode: %w", err)}
	}
	return out.Data.Attributes.OHLCVList, nil
}

// candle converts one ohlcv_list row: [ts, o, h, l, c, v].
func (g *Gecko) candle(row []json.Number, req FetchRequest) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("row has %d fields", len(row))
	}
	ts, err := row[0].Int64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("timestamp %q: %w", row[0], err)
	}
	c := model.Candle{
		TokenAddress: req.TokenAddress,
		PairAddress:  req.PairAddress,
		Timeframe:    req.Timeframe,
		UnixTime:     ts,
		Source:       model.SourceSecondary,
		FetchedAt:    time.Now().Unix(),
	}
	fields := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low},
		{"close", &c.Close}, {"volume", &c.Volume},
	}
	for i, f := range fields {
		v, err := decimal.NewFromString(row[i+1].String())
		if err != nil {
			return model.Candle{}, fmt.Errorf("%s %q: %w", f.name, row[i+1], err)
		}
		*f.dst = v
	}
	return c, nil
}
