// Package pricing provides current USD prices with a short-lived shared cache.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
)

// DefaultCoinGeckoURL is the public CoinGecko API.
const DefaultCoinGeckoURL = "https://api.coingecko.com"

// coinGeckoIDs maps tickers to CoinGecko coin ids.
var coinGeckoIDs = map[domain.CurrencyCode]string{
	domain.BTC: "bitcoin",
	domain.ETH: "ethereum",
	domain.LTC: "litecoin",
	domain.SOL: "solana",
}

// Feed fetches current USD prices.
type Feed interface {
	FetchUSD(ctx context.Context, codes []domain.CurrencyCode) (map[domain.CurrencyCode]decimal.Decimal, error)
}

// CoinGecko reads prices from the /simple/price endpoint.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// CoinGeckoOption configures CoinGecko.
type CoinGeckoOption func(*CoinGecko)

// WithAPIKey sets the demo API key header.
func WithAPIKey(key string) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.apiKey = key
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.client = client
	}
}

// NewCoinGecko creates a CoinGecko feed. An empty baseURL uses DefaultCoinGeckoURL.
func NewCoinGecko(baseURL string, opts ...CoinGeckoOption) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	c := &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchUSD returns the USD price of every code. A missing or non-positive
// price for any requested code is an error.
func (c *CoinGecko) FetchUSD(ctx context.Context, codes []domain.CurrencyCode) (map[domain.CurrencyCode]decimal.Decimal, error) {
	ids := make([]string, 0, len(codes))
	for _, code := range codes {
		id, ok := coinGeckoIDs[code]
		if !ok {
			return nil, fmt.Errorf("no price source for %s", code)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var raw map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	prices := make(map[domain.CurrencyCode]decimal.Decimal, len(codes))
	for _, code := range codes {
		p, ok := raw[coinGeckoIDs[code]]["usd"]
		if !ok || !p.IsPositive() {
			return nil, fmt.Errorf("incomplete price data for %s", code)
		}
		prices[code] = p
	}
	return prices, nil
}
