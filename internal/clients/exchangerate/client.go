// Package exchangerate provides daily FX rates for multi-currency
// aggregation. Rates are cached persistently; when the provider is down,
// a stale cached rate beats no rate.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/reliability"
)

// BreakerTarget is the name of the circuit breaker guarding FX calls.
const BreakerTarget = "exchangerate"

// Doer abstracts the HTTP transport so tests can script responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches currency exchange rates with cache-first reads.
type Client struct {
	httpClient Doer
	pipeline   failsafe.Executor[*http.Response]
	baseURL    string
	cache      *clientcache.Repository
	log        zerolog.Logger
}

// NewClient creates an FX client. cache may be nil to disable caching.
func NewClient(baseURL string, cache *clientcache.Repository, breakers *reliability.BreakerRegistry, log zerolog.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: 10 * time.Second}, cache, breakers, log)
}

// NewClientWithHTTP creates an FX client with a provided HTTP transport
// (for testing).
func NewClientWithHTTP(baseURL string, httpClient Doer, cache *clientcache.Repository, breakers *reliability.BreakerRegistry, log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "exchangerate").Logger()

	return &Client{
		httpClient: httpClient,
		pipeline: failsafe.With[*http.Response](
			reliability.NewHTTPRetryPolicy(BreakerTarget, clientLog),
			breakers.For(BreakerTarget).Policy(),
		),
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   cache,
		log:     clientLog,
	}
}

// cachedRate is the cache entry shape. Rates are stored as exact decimal
// strings, never floats.
type cachedRate struct {
	Rate string `json:"rate"`
}

// GetRate returns the conversion rate from one currency to another.
// Fresh cache first, then the provider, then stale cache as a last
// resort when the provider fails.
func (c *Client) GetRate(ctx context.Context, from, to domain.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	cacheKey := string(from) + ":" + string(to)

	if rate, ok := c.freshFromCache(cacheKey); ok {
		return rate, nil
	}

	rates, err := c.fetchRates(ctx, from)
	if err != nil {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			c.log.Warn().Err(err).
				Str("from", string(from)).
				Str("to", string(to)).
				Str("rate", stale.String()).
				Msg("FX provider failed, using stale cached rate")
			return stale, nil
		}
		return decimal.Zero, err
	}

	rate, exists := rates[string(to)]
	if !exists {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			c.log.Warn().
				Str("from", string(from)).
				Str("to", string(to)).
				Msg("Rate missing from provider response, using stale cached rate")
			return stale, nil
		}
		return decimal.Zero, domain.NewError(domain.CodeNotFound,
			fmt.Sprintf("no rate for %s->%s", from, to),
			domain.CategoryExternalAPI, domain.SeverityMedium)
	}

	// Cache every pair from the response; one provider call usually
	// serves several conversions in the same aggregation pass.
	if c.cache != nil {
		for symbol, value := range rates {
			key := string(from) + ":" + symbol
			if err := c.cache.Store(clientcache.TableFXRates, key, cachedRate{Rate: value.String()}, clientcache.TTLFXRate); err != nil {
				c.log.Warn().Err(err).Str("pair", key).Msg("Failed to cache FX rate")
			}
		}
	}

	c.log.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("rate", rate.String()).
		Msg("Fetched FX rate")

	return rate, nil
}

// Convert converts an amount between currencies at the current rate.
func (c *Client) Convert(ctx context.Context, amount decimal.Decimal, from, to domain.Currency) (decimal.Decimal, error) {
	if from == to || amount.IsZero() {
		return amount, nil
	}
	rate, err := c.GetRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

func (c *Client) fetchRates(ctx context.Context, base domain.Currency) (map[string]decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, base)

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, domain.NewNetworkError(err, "FX provider request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError(err, "failed to read FX provider response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.CodeInternal,
			fmt.Sprintf("FX provider returned status %d", resp.StatusCode),
			domain.CategoryExternalAPI, domain.SeverityMedium)
	}

	var payload struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeInternal, "failed to parse FX provider response")
	}

	return payload.Rates, nil
}

func (c *Client) freshFromCache(key string) (decimal.Decimal, bool) {
	if c.cache == nil {
		return decimal.Zero, false
	}
	data, err := c.cache.GetIfFresh(clientcache.TableFXRates, key)
	if err != nil || data == nil {
		return decimal.Zero, false
	}
	return decodeCachedRate(data)
}

func (c *Client) staleFromCache(key string) (decimal.Decimal, bool) {
	if c.cache == nil {
		return decimal.Zero, false
	}
	data, err := c.cache.Get(clientcache.TableFXRates, key)
	if err != nil || data == nil {
		return decimal.Zero, false
	}
	return decodeCachedRate(data)
}

func decodeCachedRate(data json.RawMessage) (decimal.Decimal, bool) {
	var cached cachedRate
	if err := json.Unmarshal(data, &cached); err != nil {
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(cached.Rate)
	if err != nil {
		return decimal.Zero, false
	}
	return rate, true
}
