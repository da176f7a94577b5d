package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/market"
)

// quoteBatchSize caps symbols per broker quote request.
const quoteBatchSize = 100

// SymbolSource lists the symbols worth quoting: everything held in an
// investment account plus anything referenced by a non-terminal order.
type SymbolSource interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// Repricer applies fresh prices to stored holdings and returns how many
// rows changed. Implemented by the portfolio holdings repository.
type Repricer interface {
	RepriceHoldings(ctx context.Context, prices map[string]decimal.Decimal) (int, error)
}

// RefreshJob pulls quotes for all active symbols, updates the cache,
// reprices holdings, and publishes per-symbol price events. Scheduled
// hourly; skips entirely outside trading hours unless forced.
type RefreshJob struct {
	broker   domain.BrokerClient
	symbols  SymbolSource
	repricer Repricer
	cache    *Cache
	clock    *market.Clock
	events   *events.Manager
	log      zerolog.Logger

	// afterRefresh runs after a successful refresh, e.g. to append a
	// portfolio history point. Optional.
	afterRefresh func(ctx context.Context)

	mu         sync.Mutex
	lastResult *RefreshResult
}

// RefreshResult summarizes one refresh run for task polling.
type RefreshResult struct {
	Skipped       bool      `json:"skipped"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	Symbols       int       `json:"symbols"`
	Quoted        int       `json:"quoted"`
	Repriced      int       `json:"repriced"`
	FailedBatches int       `json:"failed_batches"`
	CompletedAt   time.Time `json:"completed_at"`
}

// NewRefreshJob creates the market data refresh job.
func NewRefreshJob(
	broker domain.BrokerClient,
	symbols SymbolSource,
	repricer Repricer,
	cache *Cache,
	clock *market.Clock,
	eventManager *events.Manager,
	log zerolog.Logger,
) *RefreshJob {
	return &RefreshJob{
		broker:   broker,
		symbols:  symbols,
		repricer: repricer,
		cache:    cache,
		clock:    clock,
		events:   eventManager,
		log:      log.With().Str("task", "refresh_market_data").Logger(),
	}
}

// WithAfterRefresh registers a hook invoked after each successful refresh.
func (j *RefreshJob) WithAfterRefresh(fn func(ctx context.Context)) *RefreshJob {
	j.afterRefresh = fn
	return j
}

// Name identifies the job to the scheduler.
func (j *RefreshJob) Name() string {
	return "refresh_market_data"
}

// Result returns the outcome of the most recent run.
func (j *RefreshJob) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastResult == nil {
		return nil
	}
	return *j.lastResult
}

// Run refreshes quotes for every active symbol in batches. Scheduled
// runs outside trading hours are skipped.
func (j *RefreshJob) Run(ctx context.Context) error {
	return j.run(ctx, false)
}

// RunForced refreshes even when the market is closed. Used by the
// on-demand task endpoint.
func (j *RefreshJob) RunForced(ctx context.Context) error {
	return j.run(ctx, true)
}

func (j *RefreshJob) run(ctx context.Context, force bool) error {
	if !force && !j.clock.IsOpen(time.Now()) {
		j.log.Debug().Msg("Market closed, skipping quote refresh")
		j.setResult(&RefreshResult{Skipped: true, SkipReason: "market_closed", CompletedAt: time.Now()})
		return nil
	}

	symbols, err := j.symbols.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active symbols: %w", err)
	}
	if len(symbols) == 0 {
		j.log.Debug().Msg("No active symbols to refresh")
		j.setResult(&RefreshResult{CompletedAt: time.Now()})
		return nil
	}

	result := &RefreshResult{Symbols: len(symbols)}
	prices := make(map[string]decimal.Decimal, len(symbols))

	for start := 0; start < len(symbols); start += quoteBatchSize {
		end := start + quoteBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		quotes, err := j.broker.GetQuotes(ctx, batch)
		if err != nil {
			// A failed batch costs those symbols one cycle; the rest
			// of the run continues on the remaining batches.
			j.log.Warn().Err(err).
				Int("batch_start", start).
				Int("batch_size", len(batch)).
				Msg("Quote batch failed")
			result.FailedBatches++
			continue
		}

		j.cache.Put(quotes)
		for _, q := range quotes {
			prices[q.Symbol] = q.Price
			j.events.EmitTyped(events.PriceUpdated, "marketdata", &events.PriceUpdateData{
				Symbol:   q.Symbol,
				Price:    q.Price,
				Currency: string(domain.CurrencyUSD),
				AsOf:     q.AsOf,
			})
		}
		result.Quoted += len(quotes)
	}

	if len(prices) > 0 && j.repricer != nil {
		repriced, err := j.repricer.RepriceHoldings(ctx, prices)
		if err != nil {
			return fmt.Errorf("failed to reprice holdings: %w", err)
		}
		result.Repriced = repriced
	}

	result.CompletedAt = time.Now()
	j.setResult(result)

	j.log.Info().
		Int("symbols", result.Symbols).
		Int("quoted", result.Quoted).
		Int("repriced", result.Repriced).
		Int("failed_batches", result.FailedBatches).
		Msg("Market data refresh complete")

	if result.Quoted > 0 && j.afterRefresh != nil {
		j.afterRefresh(ctx)
	}
	return nil
}

func (j *RefreshJob) setResult(r *RefreshResult) {
	j.mu.Lock()
	j.lastResult = r
	j.mu.Unlock()
}
