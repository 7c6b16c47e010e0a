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

// Birdeye intervals. Anything absent is unsupported.
var birdeyeTypes = map[model.Timeframe]string{
	model.TF15m: "15m",
	model.TF1h:  "1H",
	model.TF4h:  "4H",
}

// BirdeyeConfig configures the primary vendor client.
type BirdeyeConfig struct {
	BaseURL  string
	Chain    string
	PageSize int // bars per page, default 1000
}

// Birdeye is the primary OHLCV vendor. Pages run forward from the
// window start, paced to one request per second.
type Birdeye struct {
	baseURL  string
	chain    string
	pageSize int
	client   *http.Client
	pace     *rate.Limiter
}

func NewBirdeye(cfg BirdeyeConfig) *Birdeye {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Birdeye{
		baseURL:  cfg.BaseURL,
		chain:    cfg.Chain,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: 15 * time.Second},
		pace:     rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (b *Birdeye) Service() string { return model.ServiceBirdeye }

type birdeyeItem struct {
	UnixTime int64       `json:"unixTime"`
	Open     json.Number `json:"o"`
	High     json.Number `json:"h"`
	Low      json.Number `json:"l"`
	Close    json.Number `json:"c"`
	Volume   json.Number `json:"v"`
}

type birdeyeResponse struct {
	Data struct {
		Items []birdeyeItem `json:"items"`
	} `json:"data"`
	Success bool `json:"success"`
}

// Fetch pages the window forward until a short page or the window end.
func (b *Birdeye) Fetch(ctx context.Context, req FetchRequest, sess *Session) (*FetchResult, error) {
	tfType, ok := birdeyeTypes[req.Timeframe]
	if !ok {
		return nil, fmt.Errorf("birdeye: timeframe %q: %w", req.Timeframe, ErrUnsupportedTimeframe)
	}
	if sess.Empty() {
		return nil, fmt.Errorf("birdeye: no keys registered: %w", ErrNoCredits)
	}

	var bars []model.Candle
	from := req.FromTime + 1
	for from < req.ToTime {
		if err := b.pace.Wait(ctx); err != nil {
			return nil, err
		}
		key, err := sess.Acquire()
		if err != nil {
			return nil, fmt.Errorf("birdeye: %w", err)
		}

		items, err := b.page(ctx, key, req.PairAddress, tfType, from, req.ToTime-1)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			c, err := it.candle(req)
			if err != nil {
				log.Printf("[birdeye] dropping malformed bar %s@%d: %v", req.TokenAddress, it.UnixTime, err)
				continue
			}
			bars = append(bars, c)
		}
		if len(items) < b.pageSize {
			break
		}
		last := items[len(items)-1].UnixTime
		if last+1 <= from {
			break
		}
		from = last + 1
	}

	candles := normalize("birdeye", bars, req)
	return &FetchResult{
		Candles:    candles,
		LatestTime: latestOf(candles),
		Source:     model.SourcePrimary,
	}, nil
}

func (b *Birdeye) page(ctx context.Context, key, pair, tfType string, from, to int64) ([]birdeyeItem, error) {
	u := fmt.Sprintf("%s/defi/ohlcv/pair?address=%s&type=%s&time_from=%d&time_to=%d",
		b.baseURL, url.QueryEscape(pair), tfType, from, to)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("birdeye: build request: %w", err)
	}
	httpReq.Header.Set("X-API-KEY", key)
	httpReq.Header.Set("x-chain", b.chain)
	httpReq.Header.Set("accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &VendorError{Vendor: "birdeye", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &VendorError{
			Vendor:    "birdeye",
			Status:    resp.StatusCode,
			Transient: transientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", bytes.TrimSpace(body)),
		}
	}

	var out birdeyeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &VendorError{Vendor: "birdeye", Transient: true, Err: fmt.Errorf("decode: %w", err)}
	}
	if !out.Success {
		return nil, &VendorError{Vendor: "birdeye", Err: fmt.Errorf("success=false")}
	}
	return out.Data.Items, nil
}

func (it birdeyeItem) candle(req FetchRequest) (model.Candle, error) {
	c := model.Candle{
		TokenAddress: req.TokenAddress,
		PairAddress:  req.PairAddress,
		Timeframe:    req.Timeframe,
		UnixTime:     it.UnixTime,
		Source:       model.SourcePrimary,
		FetchedAt:    time.Now().Unix(),
	}
	var err error
	if c.Open, err = decimal.NewFromString(it.Open.String()); err != nil {
		return c, fmt.Errorf("open %q: %w", it.Open, err)
	}
	if c.High, err = decimal.NewFromString(it.High.String()); err != nil {
		return c, fmt.Errorf("high %q: %w", it.High, err)
	}
	if c.Low, err = decimal.NewFromString(it.Low.String()); err != nil {
		return c, fmt.Errorf("low %q: %w", it.Low, err)
	}
	if c.Close, err = decimal.NewFromString(it.Close.String()); err != nil {
		return c, fmt.Errorf("close %q: %w", it.Close, err)
	}
	if c.Volume, err = decimal.NewFromString(it.Volume.String()); err != nil {
		return c, fmt.Errorf("volume %q: %w", it.Volume, err)
	}
	return c, nil
}
