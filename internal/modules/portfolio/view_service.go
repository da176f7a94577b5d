package portfolio

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
)

// FXConverter converts monetary amounts between currencies. Satisfied by
// the exchange-rate client; rates are cached on its side.
type FXConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to domain.Currency) (decimal.Decimal, error)
}

// ValueHistory exposes recorded portfolio values for day-change math.
// Satisfied by the chart history repository.
type ValueHistory interface {
	ValueAt(ctx context.Context, userID string, at time.Time) (decimal.Decimal, bool, error)
}

// AggregatedPosition is one symbol summed across every account holding it.
type AggregatedPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgUnitCost  decimal.Decimal `json:"avg_unit_cost"`
	MarketValue  decimal.Decimal `json:"market_value"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Allocation   decimal.Decimal `json:"allocation"`
	Accounts     int             `json:"accounts"`
}

// CustodianBreakdown sums account value per custodian. Manual accounts
// group under "Manual".
type CustodianBreakdown struct {
	Custodian  string          `json:"custodian"`
	Accounts   int             `json:"accounts"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// DayChange is the move since the last recorded portfolio value before
// today.
type DayChange struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
}

// Summary is the user's unified cross-custodian portfolio view, all values
// in the user's base currency.
type Summary struct {
	AsOf          time.Time            `json:"as_of"`
	UserID        string               `json:"user_id"`
	BaseCurrency  domain.Currency      `json:"base_currency"`
	TotalValue    decimal.Decimal      `json:"total_value"`
	InvestedValue decimal.Decimal      `json:"invested_value"`
	CashValue     decimal.Decimal      `json:"cash_value"`
	DayChange     *DayChange           `json:"day_change,omitempty"`
	Positions     []AggregatedPosition `json:"positions"`
	Custodians    []CustodianBreakdown `json:"custodians"`
	Accounts      int                  `json:"accounts"`
	FXDegraded    bool                 `json:"fx_degraded,omitempty"`
}

// AccountView is one account row in the accounts listing.
type AccountView struct {
	LastSyncedAt     *time.Time         `json:"last_synced_at,omitempty"`
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Kind             domain.AccountKind `json:"kind"`
	Custodian        string             `json:"custodian"`
	Currency         domain.Currency    `json:"currency"`
	CurrentBalance   decimal.Decimal    `json:"current_balance"`
	AvailableBalance decimal.Decimal    `json:"available_balance"`
	SyncStatus       domain.SyncStatus  `json:"sync_status,omitempty"`
	IsManual         bool               `json:"is_manual"`
}

// ViewService assembles read-side portfolio views from local state. It
// never calls custodians; syncing is the sync engine's job.
type ViewService struct {
	users      *UserRepository
	accounts   *AccountRepository
	holdings   *HoldingRepository
	custodians *CustodianRepository
	fx         FXConverter
	history    ValueHistory
	log        zerolog.Logger
}

// NewViewService creates the read-side view assembler. history may be nil
// when day-change data is unavailable.
func NewViewService(
	users *UserRepository,
	accounts *AccountRepository,
	holdings *HoldingRepository,
	custodians *CustodianRepository,
	fx FXConverter,
	history ValueHistory,
	log zerolog.Logger,
) *ViewService {
	return &ViewService{
		users:      users,
		accounts:   accounts,
		holdings:   holdings,
		custodians: custodians,
		fx:         fx,
		history:    history,
		log:        log.With().Str("component", "portfolio_view").Logger(),
	}
}

// Summary aggregates the user's accounts and positions into one view.
func (s *ViewService) Summary(ctx context.Context, userID string) (*Summary, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.NewNotFoundError("user not found")
	}

	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.holdings.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	custodianNames, err := s.custodianNames(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		AsOf:         time.Now().UTC(),
		UserID:       userID,
		BaseCurrency: user.BaseCurrency,
		Accounts:     len(accounts),
	}

	accountCustodian := make(map[string]string, len(accounts))
	breakdown := make(map[string]*CustodianBreakdown)
	for i := range accounts {
		a := &accounts[i]
		name := "Manual"
		if !a.IsManual && a.CustodianID != "" {
			if n, ok := custodianNames[a.CustodianID]; ok {
				name = n
			} else {
				name = a.CustodianID
			}
		}
		accountCustodian[a.ID] = name

		value := s.toBase(ctx, summary, a.CurrentBalance, a.Currency, user.BaseCurrency)
		summary.TotalValue = summary.TotalValue.Add(value)

		b, ok := breakdown[name]
		if !ok {
			b = &CustodianBreakdown{Custodian: name}
			breakdown[name] = b
		}
		b.Accounts++
		b.TotalValue = b.TotalValue.Add(value)
	}

	// Per-symbol aggregation: quantities sum; average cost is weighted by
	// each account's share of the symbol's market value.
	type symbolAccum struct {
		position     AggregatedPosition
		weightedCost decimal.Decimal
	}
	bySymbol := make(map[string]*symbolAccum)
	for i := range holdings {
		h := &holdings[i]
		acc, ok := bySymbol[h.Symbol]
		if !ok {
			acc = &symbolAccum{position: AggregatedPosition{Symbol: h.Symbol}}
			bySymbol[h.Symbol] = acc
		}

		marketValue := s.toBase(ctx, summary, h.MarketValue, h.Currency, user.BaseCurrency)
		costBasis := s.toBase(ctx, summary, h.CostBasis, h.Currency, user.BaseCurrency)

		acc.position.Quantity = acc.position.Quantity.Add(h.Quantity)
		acc.position.MarketValue = acc.position.MarketValue.Add(marketValue)
		acc.position.CostBasis = acc.position.CostBasis.Add(costBasis)
		acc.position.Accounts++
		if h.Quantity.IsPositive() {
			unitCost := costBasis.Div(h.Quantity)
			acc.weightedCost = acc.weightedCost.Add(marketValue.Mul(unitCost))
		}
		summary.InvestedValue = summary.InvestedValue.Add(marketValue)
	}

	for _, acc := range bySymbol {
		p := acc.position
		p.UnrealizedPL = p.MarketValue.Sub(p.CostBasis)
		if p.MarketValue.IsPositive() {
			p.AvgUnitCost = acc.weightedCost.Div(p.MarketValue)
		}
		if summary.InvestedValue.IsPositive() {
			p.Allocation = p.MarketValue.Div(summary.InvestedValue).Mul(decimal.NewFromInt(100)).Round(2)
		}
		summary.Positions = append(summary.Positions, p)
	}
	sort.Slice(summary.Positions, func(i, j int) bool {
		return summary.Positions[i].MarketValue.GreaterThan(summary.Positions[j].MarketValue)
	})

	for _, b := range breakdown {
		summary.Custodians = append(summary.Custodians, *b)
	}
	sort.Slice(summary.Custodians, func(i, j int) bool {
		return summary.Custodians[i].TotalValue.GreaterThan(summary.Custodians[j].TotalValue)
	})

	summary.CashValue = summary.TotalValue.Sub(summary.InvestedValue)
	summary.DayChange = s.dayChange(ctx, userID, summary.TotalValue)

	return summary, nil
}

// Accounts lists the user's active accounts with custodian names resolved.
func (s *ViewService) Accounts(ctx context.Context, userID string) ([]AccountView, error) {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	custodianNames, err := s.custodianNames(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]AccountView, 0, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		name := "Manual"
		if !a.IsManual && a.CustodianID != "" {
			if n, ok := custodianNames[a.CustodianID]; ok {
				name = n
			}
		}
		views = append(views, AccountView{
			ID:               a.ID,
			Name:             a.Name,
			Kind:             a.Kind,
			Custodian:        name,
			Currency:         a.Currency,
			CurrentBalance:   a.CurrentBalance,
			AvailableBalance: a.AvailableBalance,
			SyncStatus:       a.SyncStatus,
			IsManual:         a.IsManual,
			LastSyncedAt:     a.LastSyncedAt,
		})
	}
	return views, nil
}

func (s *ViewService) custodianNames(ctx context.Context) (map[string]string, error) {
	custodians, err := s.custodians.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(custodians))
	for i := range custodians {
		names[custodians[i].ID] = custodians[i].Name
	}
	return names, nil
}

// toBase converts an amount into the base currency. When no rate is
// available the original amount is kept and the summary is marked
// degraded rather than failing the whole view.
func (s *ViewService) toBase(ctx context.Context, summary *Summary, amount decimal.Decimal, from, base domain.Currency) decimal.Decimal {
	if from == "" || from == base || amount.IsZero() {
		return amount
	}
	converted, err := s.fx.Convert(ctx, amount, from, base)
	if err != nil {
		summary.FXDegraded = true
		s.log.Warn().Err(err).
			Str("from", string(from)).
			Str("to", string(base)).
			Msg("FX conversion unavailable, using unconverted amount")
		return amount
	}
	return converted
}

func (s *ViewService) dayChange(ctx context.Context, userID string, current decimal.Decimal) *DayChange {
	if s.history == nil {
		return nil
	}
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	previous, ok, err := s.history.ValueAt(ctx, userID, startOfDay)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Day-change lookup failed")
		return nil
	}
	if !ok || !previous.IsPositive() {
		return nil
	}
	amount := current.Sub(previous)
	return &DayChange{
		Amount:  amount,
		Percent: amount.Div(previous).Mul(decimal.NewFromInt(100)).Round(2),
	}
}
