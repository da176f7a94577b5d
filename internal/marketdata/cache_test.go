package marketdata

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/domain"
	montesting "github.com/monetahq/moneta/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func quote(symbol string, price string) domain.BrokerQuote {
	return domain.BrokerQuote{
		Symbol: symbol,
		Price:  decimal.RequireFromString(price),
		AsOf:   time.Now(),
	}
}

func TestCachePutAndGet(t *testing.T) {
	cache := NewCache(nil, testLogger())

	assert.Equal(t, 0, cache.Size())
	assert.True(t, cache.LastRefresh().IsZero())

	cache.Put([]domain.BrokerQuote{quote("AAPL", "220.50"), quote("MSFT", "410.00")})

	assert.Equal(t, 2, cache.Size())
	assert.False(t, cache.LastRefresh().IsZero())

	q, ok := cache.Get("AAPL")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("220.50")))

	// Lookup normalizes the symbol.
	q, ok = cache.Get(" msft ")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("410.00")))

	_, ok = cache.Get("TSLA")
	assert.False(t, ok)
}

func TestCachePutOverwrites(t *testing.T) {
	cache := NewCache(nil, testLogger())

	cache.Put([]domain.BrokerQuote{quote("AAPL", "220.50")})
	cache.Put([]domain.BrokerQuote{quote("AAPL", "221.10")})

	price, ok := cache.Price("AAPL")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("221.10")))
	assert.Equal(t, 1, cache.Size())
}

func TestCachePrices(t *testing.T) {
	cache := NewCache(nil, testLogger())
	cache.Put([]domain.BrokerQuote{quote("AAPL", "220.50"), quote("MSFT", "410.00")})

	prices := cache.Prices([]string{"aapl", "MSFT", "TSLA"})

	require.Len(t, prices, 2)
	assert.True(t, prices["AAPL"].Equal(decimal.RequireFromString("220.50")))
	assert.True(t, prices["MSFT"].Equal(decimal.RequireFromString("410.00")))
	_, ok := prices["TSLA"]
	assert.False(t, ok)
}

func TestCachePersistsAcrossInstances(t *testing.T) {
	conn, cleanup := montesting.NewTestConn(t, "cache")
	defer cleanup()
	persist := clientcache.NewRepository(conn)

	warm := NewCache(persist, testLogger())
	warm.Put([]domain.BrokerQuote{quote("AAPL", "220.50")})

	// A fresh cache instance has a cold map but the same backing store.
	cold := NewCache(persist, testLogger())
	q, ok := cold.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("220.50")))

	// The fallback also promotes the entry into the in-memory map.
	assert.Equal(t, 1, cold.Size())
}

func TestCacheEmptyPutIsNoop(t *testing.T) {
	cache := NewCache(nil, testLogger())
	cache.Put(nil)

	assert.Equal(t, 0, cache.Size())
	assert.True(t, cache.LastRefresh().IsZero())
}
