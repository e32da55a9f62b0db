package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tokenwatch/internal/domain"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// marketTokenResponse mirrors one entry of the CoinGecko /coins/markets payload.
type marketTokenResponse struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Image          string  `json:"image"`
	CurrentPrice   float64 `json:"current_price"`
	MarketCap      float64 `json:"market_cap"`
	PriceChange24h float64 `json:"price_change_percentage_24h"`
	Sparkline7d    struct {
		Price []float64 `json:"price"`
	} `json:"sparkline_in_7d"`
}

type searchResponse struct {
	Coins []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
		Thumb  string `json:"thumb"`
	} `json:"coins"`
}

type trendingResponse struct {
	Coins []struct {
		Item struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			Symbol        string `json:"symbol"`
			Thumb         string `json:"thumb"`
			MarketCapRank int    `json:"market_cap_rank"`
		} `json:"item"`
	} `json:"coins"`
}

// CoinGeckoClient fetches token market data from the CoinGecko REST API.
// Search and trending responses are cached for a short TTL since they back
// an interactive picker and the provider rate-limits aggressively.
type CoinGeckoClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *gocache.Cache
}

// NewCoinGeckoClient creates a client from configuration.
func NewCoinGeckoClient(cfg *Config) *CoinGeckoClient {
	ttl := time.Duration(cfg.API.CoinGecko.CacheTTLSec) * time.Second
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(cfg.API.CoinGecko.BaseURL, "/"),
		apiKey:  cfg.API.CoinGecko.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.API.CoinGecko.TimeoutSec) * time.Second,
		},
		cache: gocache.New(ttl, 2*ttl),
	}
}

// ListMarketTokens returns the top tokens by market cap for a 1-based page.
func (c *CoinGeckoClient) ListMarketTokens(ctx context.Context, page, pageSize int) ([]domain.Token, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(pageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("sparkline", "true")
	params.Set("price_change_percentage", "24h")

	body, err := c.getWithRetry(ctx, "list markets", "/coins/markets", params)
	if err != nil {
		return nil, err
	}

	var records []marketTokenResponse
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, domain.NewFatalNetworkError("list markets", err)
	}
	return toTokens(records), nil
}

// GetTokensByIDs returns current data for a specific id set. The provider
// omits unknown ids; an empty input returns nil without a request.
func (c *CoinGeckoClient) GetTokensByIDs(ctx context.Context, ids []string) ([]domain.Token, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("ids", strings.Join(ids, ","))
	params.Set("sparkline", "true")
	params.Set("price_change_percentage", "24h")

	body, err := c.getWithRetry(ctx, "get tokens", "/coins/markets", params)
	if err != nil {
		return nil, err
	}

	var records []marketTokenResponse
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, domain.NewFatalNetworkError("get tokens", err)
	}
	return toTokens(records), nil
}

// SearchTokens returns lightweight records matching free text.
func (c *CoinGeckoClient) SearchTokens(ctx context.Context, query string) ([]domain.SearchResult, error) {
	cacheKey := "search:" + query
	if cached, ok := c.cache.Get(cacheKey); ok {
		GlobalMetrics.RecordCacheHit()
		return cached.([]domain.SearchResult), nil
	}

	params := url.Values{}
	params.Set("query", query)

	body, err := c.getWithRetry(ctx, "search", "/search", params)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewFatalNetworkError("search", err)
	}

	results := make([]domain.SearchResult, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		results = append(results, domain.SearchResult{
			ID:     coin.ID,
			Name:   coin.Name,
			Symbol: coin.Symbol,
			Thumb:  coin.Thumb,
		})
	}

	c.cache.SetDefault(cacheKey, results)
	return results, nil
}

// ListTrendingTokens returns the provider's curated trending list.
func (c *CoinGeckoClient) ListTrendingTokens(ctx context.Context) ([]domain.TrendingResult, error) {
	const cacheKey = "trending"
	if cached, ok := c.cache.Get(cacheKey); ok {
		GlobalMetrics.RecordCacheHit()
		return cached.([]domain.TrendingResult), nil
	}

	body, err := c.getWithRetry(ctx, "trending", "/search/trending", nil)
	if err != nil {
		return nil, err
	}

	var resp trendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewFatalNetworkError("trending", err)
	}

	results := make([]domain.TrendingResult, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		results = append(results, domain.TrendingResult{
			SearchResult: domain.SearchResult{
				ID:     coin.Item.ID,
				Name:   coin.Item.Name,
				Symbol: coin.Item.Symbol,
				Thumb:  coin.Item.Thumb,
			},
			Rank: coin.Item.MarketCapRank,
		})
	}

	c.cache.SetDefault(cacheKey, results)
	return results, nil
}

// getWithRetry performs a GET with up to 3 attempts and exponential backoff.
// Only retriable failures (transport errors, 429, 5xx) are retried.
func (c *CoinGeckoClient) getWithRetry(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s
			delay := time.Duration(1<<uint(i-1)) * time.Second
			slog.Info("Retrying provider request", slog.String("op", op), slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doGet(ctx, op, path, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			break
		}
		slog.Warn("Provider request attempt failed", slog.String("op", op), slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return nil, lastErr
}

func (c *CoinGeckoClient) doGet(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError(op, err)
	}

	req.Header.Set("User-Agent", DefaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	GlobalMetrics.RecordRequest(time.Since(start).Nanoseconds())
	if err != nil {
		GlobalMetrics.RecordError()
		return nil, domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		GlobalMetrics.RecordError()
		return nil, domain.NewNetworkError(op, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		GlobalMetrics.RecordError()
		return nil, domain.NewNetworkError(op, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	default:
		GlobalMetrics.RecordError()
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		GlobalMetrics.RecordError()
		return nil, domain.NewNetworkError(op, err)
	}
	return body, nil
}

func toTokens(records []marketTokenResponse) []domain.Token {
	tokens := make([]domain.Token, 0, len(records))
	for _, r := range records {
		tokens = append(tokens, domain.Token{
			ID:        r.ID,
			Name:      r.Name,
			Symbol:    r.Symbol,
			Image:     r.Image,
			Price:     decimal.NewFromFloat(r.CurrentPrice),
			Change24h: decimal.NewFromFloat(r.PriceChange24h),
			Sparkline: r.Sparkline7d.Price,
			Holdings:  decimal.Zero,
		})
	}
	return tokens
}
