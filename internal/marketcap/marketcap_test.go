package marketcap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMarketCapLookupAndCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/latest/dex/tokens/tok-1" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"pairs":[{"chainId":"solana","marketCap":1500000,"fdv":2000000}]}`))
	}))
	defer srv.Close()

	c := New("solana")
	c.baseURL = srv.URL

	mc := c.MarketCap(context.Background(), "tok-1")
	if mc == nil || *mc != 1.5e6 {
		t.Fatalf("market cap: %v", mc)
	}

	// Second lookup is served from cache.
	if mc = c.MarketCap(context.Background(), "tok-1"); mc == nil || *mc != 1.5e6 {
		t.Fatalf("cached market cap: %v", mc)
	}
	if hits != 1 {
		t.Errorf("vendor hits: got %d, want 1", hits)
	}
}

func TestMarketCapPrefersOwnChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[
			{"chainId":"ethereum","marketCap":9000000},
			{"chainId":"solana","marketCap":1200000}
		]}`))
	}))
	defer srv.Close()

	c := New("solana")
	c.baseURL = srv.URL

	if mc := c.MarketCap(context.Background(), "tok-2"); mc == nil || *mc != 1.2e6 {
		t.Fatalf("chain preference: %v", mc)
	}
}

func TestMarketCapFallsBackToFDV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[{"chainId":"solana","fdv":750000}]}`))
	}))
	defer srv.Close()

	c := New("solana")
	c.baseURL = srv.URL

	if mc := c.MarketCap(context.Background(), "tok-3"); mc == nil || *mc != 7.5e5 {
		t.Fatalf("fdv fallback: %v", mc)
	}
}

func TestMarketCapRetriesOnceThenGivesUp(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New("solana")
	c.baseURL = srv.URL

	if mc := c.MarketCap(context.Background(), "tok-4"); mc != nil {
		t.Fatalf("want nil on vendor failure, got %v", *mc)
	}
	if hits != 2 {
		t.Errorf("vendor hits: got %d, want 2", hits)
	}

	// Empty pair list reads as "no figure".
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[]}`))
	}))
	defer srv2.Close()
	c.baseURL = srv2.URL
	if mc := c.MarketCap(context.Background(), "tok-5"); mc != nil {
		t.Fatalf("want nil on empty pairs, got %v", *mc)
	}
}

func TestMarketCapRecoversOnRetry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"pairs":[{"chainId":"solana","marketCap":500000}]}`))
	}))
	defer srv.Close()

	c := New("solana")
	c.baseURL = srv.URL

	if mc := c.MarketCap(context.Background(), "tok-6"); mc == nil || *mc != 5e5 {
		t.Fatalf("retry recovery: %v", mc)
	}
}
