// Package marketdata maintains the in-process quote cache and the
// periodic refresh that reprices holdings during trading hours.
package marketdata

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/domain"
)

// Cache holds the latest quote per symbol. Reads are lock-cheap; writes
// happen from the refresh job only. An optional persistent backing keeps
// quotes warm across restarts within their TTL.
type Cache struct {
	mu          sync.RWMutex
	quotes      map[string]domain.BrokerQuote
	lastRefresh time.Time

	persist *clientcache.Repository
	log     zerolog.Logger
}

// persistedQuote is the cache.db row shape for one symbol.
type persistedQuote struct {
	Price string    `json:"price"`
	AsOf  time.Time `json:"as_of"`
}

// NewCache creates a quote cache. persist may be nil to keep the cache
// purely in-memory.
func NewCache(persist *clientcache.Repository, log zerolog.Logger) *Cache {
	return &Cache{
		quotes:  make(map[string]domain.BrokerQuote),
		persist: persist,
		log:     log.With().Str("component", "quote_cache").Logger(),
	}
}

// Put stores a batch of quotes and advances the refresh timestamp.
func (c *Cache) Put(quotes []domain.BrokerQuote) {
	if len(quotes) == 0 {
		return
	}

	c.mu.Lock()
	for _, q := range quotes {
		c.quotes[q.Symbol] = q
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	for _, q := range quotes {
		entry := persistedQuote{Price: q.Price.String(), AsOf: q.AsOf}
		if err := c.persist.Store(clientcache.TableQuotes, q.Symbol, entry, clientcache.TTLQuote); err != nil {
			c.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to persist quote")
		}
	}
}

// Get returns the cached quote for a symbol, falling back to the
// persistent backing when the in-memory map is cold.
func (c *Cache) Get(symbol string) (domain.BrokerQuote, bool) {
	symbol = domain.NormalizeSymbol(symbol)

	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if ok {
		return q, true
	}

	if c.persist == nil {
		return domain.BrokerQuote{}, false
	}

	data, err := c.persist.GetIfFresh(clientcache.TableQuotes, symbol)
	if err != nil || data == nil {
		return domain.BrokerQuote{}, false
	}

	var entry persistedQuote
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.BrokerQuote{}, false
	}
	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return domain.BrokerQuote{}, false
	}

	q = domain.BrokerQuote{Symbol: symbol, Price: price, AsOf: entry.AsOf}

	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()

	return q, true
}

// Price returns just the cached price, or false when unknown.
func (c *Cache) Price(symbol string) (decimal.Decimal, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

// Prices returns a symbol-to-price map for the requested symbols,
// omitting unknowns. Used to build price_update frames.
func (c *Cache) Prices(symbols []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if price, ok := c.Price(s); ok {
			out[domain.NormalizeSymbol(s)] = price
		}
	}
	return out
}

// LastRefresh returns when the cache last took a quote batch.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Size returns the number of cached symbols.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
