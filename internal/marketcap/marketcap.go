// Package marketcap hydrates notification market caps from the
// DexScreener token endpoint. Figures are cached for a few minutes and
// a failed lookup returns nil so alerts are never blocked on it.
package marketcap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
)

const dexscreenerAPI = "https://api.dexscreener.com"

// Client looks up token market caps.
type Client struct {
	baseURL string
	chain   string
	client  *http.Client
	cache   *cache.Cache
}

// New creates a client for the given chain id (e.g. "solana").
func New(chain string) *Client {
	return &Client{
		baseURL: dexscreenerAPI,
		chain:   chain,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

type dexPair struct {
	ChainID   string   `json:"chainId"`
	MarketCap *float64 `json:"marketCap"`
	FDV       *float64 `json:"fdv"`
}

type dexResponse struct {
	Pairs []dexPair `json:"pairs"`
}

// MarketCap returns the token's market cap in USD, or nil when the
// vendor is unreachable or has no figure. Falls back to FDV when the
// market cap itself is missing. One retry, then give up.
func (c *Client) MarketCap(ctx context.Context, tokenAddress string) *float64 {
	if v, ok := c.cache.Get(tokenAddress); ok {
		mc := v.(float64)
		return &mc
	}

	var out *dexResponse
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		out, err = c.lookup(ctx, tokenAddress)
		if err == nil {
			break
		}
		log.Printf("[marketcap] %s: %v", tokenAddress, err)
		if ctx.Err() != nil {
			return nil
		}
	}
	if out == nil || len(out.Pairs) == 0 {
		return nil
	}

	// The token endpoint returns pairs across chains; prefer ours.
	p := &out.Pairs[0]
	for i := range out.Pairs {
		if out.Pairs[i].ChainID == c.chain {
			p = &out.Pairs[i]
			break
		}
	}

	mc := p.MarketCap
	if mc == nil {
		mc = p.FDV
	}
	if mc == nil {
		return nil
	}
	c.cache.Set(tokenAddress, *mc, cache.DefaultExpiration)
	v := *mc
	return &v
}

func (c *Client) lookup(ctx context.Context, tokenAddress string) (*dexResponse, error) {
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, tokenAddress)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out dexResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
