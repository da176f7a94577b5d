package exchangerate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/reliability"
	montesting "github.com/monetahq/moneta/internal/testing"
)

type scriptedDoer struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.responses) {
		return d.responses[i], nil
	}
	return nil, errors.New("no scripted response")
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func newTestClient(t *testing.T, doer *scriptedDoer, cache *clientcache.Repository) *Client {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	breakers := reliability.NewBreakerRegistry(log)
	return NewClientWithHTTP("https://fx.test/v4/latest", doer, cache, breakers, log)
}

func TestGetRateSameCurrency(t *testing.T) {
	client := newTestClient(t, &scriptedDoer{}, nil)
	rate, err := client.GetRate(context.Background(), domain.CurrencyUSD, domain.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestGetRateFetchesAndCaches(t *testing.T) {
	db, cleanup := montesting.NewTestConn(t, "cache")
	defer cleanup()
	cache := clientcache.NewRepository(db)

	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(200, `{"rates": {"USD": 1.0842, "GBP": 0.8511}}`)},
	}
	client := newTestClient(t, doer, cache)

	rate, err := client.GetRate(context.Background(), domain.CurrencyEUR, domain.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0842")))
	assert.Equal(t, 1, doer.calls)

	// Second read is a cache hit; so is the sibling pair from the same
	// provider response.
	rate2, err := client.GetRate(context.Background(), domain.CurrencyEUR, domain.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, rate2.Equal(rate))

	gbp, err := client.GetRate(context.Background(), domain.CurrencyEUR, domain.CurrencyGBP)
	require.NoError(t, err)
	assert.True(t, gbp.Equal(decimal.RequireFromString("0.8511")))

	assert.Equal(t, 1, doer.calls)
}

func TestGetRateStaleFallback(t *testing.T) {
	db, cleanup := montesting.NewTestConn(t, "cache")
	defer cleanup()
	cache := clientcache.NewRepository(db)

	// Seed an expired rate directly.
	require.NoError(t, cache.Store(clientcache.TableFXRates, "EUR:USD", cachedRate{Rate: "1.0700"}, -time.Hour))

	doer := &scriptedDoer{errs: []error{errors.New("connection refused"), errors.New("connection refused"), errors.New("connection refused"), errors.New("connection refused"), errors.New("connection refused")}}
	client := newTestClient(t, doer, cache)

	rate, err := client.GetRate(context.Background(), domain.CurrencyEUR, domain.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0700")))
}

func TestGetRateMissingPair(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(200, `{"rates": {"GBP": 0.85}}`)},
	}
	client := newTestClient(t, doer, nil)

	_, err := client.GetRate(context.Background(), domain.CurrencyEUR, domain.CurrencyCAD)
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestConvert(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(200, `{"rates": {"USD": 1.25}}`)},
	}
	client := newTestClient(t, doer, nil)

	out, err := client.Convert(context.Background(), decimal.NewFromInt(100), domain.CurrencyGBP, domain.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(125)))

	// Zero amounts skip the provider entirely.
	zero, err := client.Convert(context.Background(), decimal.Zero, domain.CurrencyGBP, domain.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
