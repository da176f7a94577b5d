package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
)

const (
	// resyncOverlap is re-fetched on every incremental sync so entries the
	// custodian posts late are still picked up; the dedup keys absorb the
	// duplicates.
	resyncOverlap = 7 * 24 * time.Hour

	// initialSyncWindow bounds the transaction backfill for a freshly
	// linked account.
	initialSyncWindow = 90 * 24 * time.Hour

	// syncConcurrency bounds parallel account syncs within one user.
	syncConcurrency = 4
)

// AccountSyncResult reports the outcome of syncing one account.
type AccountSyncResult struct {
	AccountID         string            `json:"account_id"`
	AccountName       string            `json:"account_name"`
	Custodian         string            `json:"custodian,omitempty"`
	Status            domain.SyncStatus `json:"status"`
	HoldingsUpserted  int               `json:"holdings_upserted"`
	HoldingsRemoved   int               `json:"holdings_removed"`
	TransactionsAdded int               `json:"transactions_added"`
	Error             string            `json:"error,omitempty"`
}

// UserSyncReport aggregates per-account results for one user's sync pass.
type UserSyncReport struct {
	UserID   string              `json:"user_id"`
	Total    int                 `json:"total"`
	Synced   int                 `json:"synced"`
	Partial  int                 `json:"partial"`
	Failed   int                 `json:"failed"`
	Results  []AccountSyncResult `json:"results"`
	Duration time.Duration       `json:"duration"`
}

// Status summarizes the report: ok, partial, or failed.
func (r *UserSyncReport) Status() domain.SyncStatus {
	switch {
	case r.Total == 0 || (r.Failed == 0 && r.Partial == 0):
		return domain.SyncStatusOK
	case r.Synced == 0 && r.Partial == 0:
		return domain.SyncStatusFailed
	default:
		return domain.SyncStatusPartial
	}
}

// TokenOpener recovers a custodian access handle from its sealed form.
type TokenOpener interface {
	Open(sealed string) (string, error)
}

// SyncService pulls balances, holdings, and transactions from custodians
// and reconciles them into local state. At most one sync per account runs
// at a time; concurrent requests for the same account coalesce onto the
// in-flight one.
type SyncService struct {
	accounts     *AccountRepository
	holdings     *HoldingRepository
	transactions *TransactionRepository
	custodians   *CustodianRepository
	adapters     map[string]domain.CustodianAdapter
	box          TokenOpener
	events       *events.Manager
	group        singleflight.Group
	log          zerolog.Logger

	mu        sync.Mutex
	afterSync func(ctx context.Context, userID string)
}

// NewSyncService creates the sync engine. Adapters are keyed by custodian
// slug.
func NewSyncService(
	accounts *AccountRepository,
	holdings *HoldingRepository,
	transactions *TransactionRepository,
	custodians *CustodianRepository,
	adapters []domain.CustodianAdapter,
	box TokenOpener,
	eventManager *events.Manager,
	log zerolog.Logger,
) *SyncService {
	bySlug := make(map[string]domain.CustodianAdapter, len(adapters))
	for _, a := range adapters {
		bySlug[a.Slug()] = a
	}
	return &SyncService{
		accounts:     accounts,
		holdings:     holdings,
		transactions: transactions,
		custodians:   custodians,
		adapters:     bySlug,
		box:          box,
		events:       eventManager,
		log:          log.With().Str("component", "sync_engine").Logger(),
	}
}

// SetAfterSync installs a hook invoked after each user sync that changed
// anything. Used for portfolio history snapshots and drift evaluation.
func (s *SyncService) SetAfterSync(hook func(ctx context.Context, userID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterSync = hook
}

func (s *SyncService) runAfterSync(ctx context.Context, userID string) {
	s.mu.Lock()
	hook := s.afterSync
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, userID)
	}
}

// SyncAccount refreshes one account from its custodian. Concurrent calls
// for the same account share a single underlying sync.
func (s *SyncService) SyncAccount(ctx context.Context, accountID string) (*AccountSyncResult, error) {
	v, err, shared := s.group.Do(accountID, func() (interface{}, error) {
		return s.syncAccount(ctx, accountID)
	})
	if shared {
		s.log.Debug().Str("account_id", accountID).Msg("Sync request coalesced onto in-flight sync")
	}
	result, _ := v.(*AccountSyncResult)
	return result, err
}

// SyncExternalAccount resolves a custodian webhook hint (custodian slug
// plus the custodian's own account id) onto a local account and syncs it.
func (s *SyncService) SyncExternalAccount(ctx context.Context, custodianSlug, externalID string) (*AccountSyncResult, error) {
	custodian, err := s.custodians.GetBySlug(ctx, custodianSlug)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.GetByExternalID(ctx, custodian.ID, externalID)
	if err != nil {
		return nil, err
	}
	return s.SyncAccount(ctx, account.ID)
}

// syncAccount performs the actual sync. It always returns a result; the
// error is non-nil only when nothing could be refreshed.
func (s *SyncService) syncAccount(ctx context.Context, accountID string) (*AccountSyncResult, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.NewNotFoundError("account not found")
	}
	result := &AccountSyncResult{AccountID: account.ID, AccountName: account.Name}

	if account.IsManual || account.CustodianID == "" {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "manual accounts are not synced")
	}
	if !account.IsActive {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "account is inactive")
	}

	custodian, err := s.custodians.GetByID(ctx, account.CustodianID)
	if err != nil {
		return nil, err
	}
	if custodian == nil {
		return nil, domain.NewNotFoundError("custodian not found")
	}
	result.Custodian = custodian.Slug

	adapter, ok := s.adapters[custodian.Slug]
	if !ok {
		return s.fail(ctx, account, result,
			domain.NewBusinessError(domain.CodeCustodianUnavailable,
				fmt.Sprintf("no adapter registered for custodian %q", custodian.Slug)))
	}

	token, err := s.box.Open(account.AccessToken)
	if err != nil {
		return s.fail(ctx, account, result,
			domain.WrapError(err, domain.CodeInternal, "failed to unseal access token",
				domain.CategoryDatabase, domain.SeverityCritical))
	}
	handle := domain.AccessHandle{Token: token, ItemID: account.ExternalID}

	// Balances first: if these cannot be fetched the sync failed outright
	// and the previous snapshot stays visible.
	remote, err := s.fetchRemoteAccount(ctx, adapter, handle, account.ExternalID)
	if err != nil {
		return s.fail(ctx, account, result,
			domain.WrapError(err, domain.CodeCustodianUnavailable,
				"failed to fetch account balances", domain.CategoryExternalAPI, domain.SeverityHigh))
	}

	status := domain.SyncStatusOK

	if account.Kind.HoldsSecurities() && custodian.HasCapability(domain.CapabilityReadHoldings) {
		if err := s.syncHoldings(ctx, adapter, handle, account, result); err != nil {
			status = domain.SyncStatusPartial
			result.Error = err.Error()
			s.log.Warn().Err(err).
				Str("account_id", account.ID).
				Str("custodian", custodian.Slug).
				Msg("Holdings refresh failed, keeping last snapshot")
		}
	}

	if custodian.HasCapability(domain.CapabilityReadTransactions) {
		if err := s.syncTransactions(ctx, adapter, handle, account, result); err != nil {
			status = domain.SyncStatusPartial
			result.Error = err.Error()
			s.log.Warn().Err(err).
				Str("account_id", account.ID).
				Str("custodian", custodian.Slug).
				Msg("Transaction refresh failed, keeping ledger as is")
		}
	}

	now := time.Now().UTC()
	if err := s.accounts.UpdateBalances(ctx, account.ID,
		remote.CurrentBalance, remote.AvailableBalance, status, now); err != nil {
		return nil, err
	}
	result.Status = status

	s.events.EmitTyped(events.AccountUpdated, "portfolio", &events.AccountUpdateData{
		AccountID:        account.ID,
		UserID:           account.UserID,
		Name:             account.Name,
		CustodianSlug:    custodian.Slug,
		SyncStatus:       string(status),
		CurrentBalance:   remote.CurrentBalance,
		AvailableBalance: remote.AvailableBalance,
		Currency:         string(account.Currency),
	})

	s.log.Info().
		Str("account_id", account.ID).
		Str("custodian", custodian.Slug).
		Str("status", string(status)).
		Int("holdings_upserted", result.HoldingsUpserted).
		Int("holdings_removed", result.HoldingsRemoved).
		Int("transactions_added", result.TransactionsAdded).
		Msg("Account synced")
	return result, nil
}

// fail records a failed sync, preserving the account's last good snapshot.
func (s *SyncService) fail(ctx context.Context, account *domain.Account, result *AccountSyncResult, cause *domain.Error) (*AccountSyncResult, error) {
	result.Status = domain.SyncStatusFailed
	result.Error = cause.Message
	if err := s.accounts.UpdateSyncStatus(ctx, account.ID, domain.SyncStatusFailed); err != nil {
		s.log.Error().Err(err).Str("account_id", account.ID).Msg("Failed to record sync failure")
	}
	s.log.Warn().Err(cause).
		Str("account_id", account.ID).
		Msg("Account sync failed, last snapshot preserved")
	return result, cause
}

func (s *SyncService) fetchRemoteAccount(ctx context.Context, adapter domain.CustodianAdapter, handle domain.AccessHandle, externalID string) (*domain.CustodianAccount, error) {
	remotes, err := adapter.ListAccounts(ctx, handle)
	if err != nil {
		return nil, err
	}
	for i := range remotes {
		if remotes[i].ExternalID == externalID {
			return &remotes[i], nil
		}
	}
	return nil, fmt.Errorf("custodian no longer reports account %s", externalID)
}

func (s *SyncService) syncHoldings(ctx context.Context, adapter domain.CustodianAdapter, handle domain.AccessHandle, account *domain.Account, result *AccountSyncResult) error {
	remote, err := adapter.ListHoldings(ctx, handle)
	if err != nil {
		return err
	}

	snapshot := make([]domain.Holding, 0, len(remote))
	for _, rh := range remote {
		if rh.AccountExternalID != account.ExternalID {
			continue
		}
		marketValue := rh.Quantity.Mul(rh.UnitPrice)
		snapshot = append(snapshot, domain.Holding{
			Symbol:       rh.Symbol,
			Quantity:     rh.Quantity,
			UnitPrice:    rh.UnitPrice,
			MarketValue:  marketValue,
			CostBasis:    rh.CostBasis,
			UnrealizedPL: marketValue.Sub(rh.CostBasis),
			Currency:     rh.Currency,
		})
	}

	applied, err := s.holdings.SyncSnapshot(ctx, account.ID, snapshot)
	if err != nil {
		return err
	}
	result.HoldingsUpserted = len(applied.Upserted)
	result.HoldingsRemoved = len(applied.Removed)

	for i := range applied.Upserted {
		h := &applied.Upserted[i]
		s.events.EmitTyped(events.HoldingUpdated, "portfolio", &events.HoldingUpdateData{
			AccountID:   account.ID,
			Symbol:      h.Symbol,
			Quantity:    h.Quantity,
			UnitPrice:   h.UnitPrice,
			MarketValue: h.MarketValue,
			Currency:    string(h.Currency),
		})
	}
	for _, symbol := range applied.Removed {
		s.events.EmitTyped(events.HoldingUpdated, "portfolio", &events.HoldingUpdateData{
			AccountID: account.ID,
			Symbol:    symbol,
			Removed:   true,
		})
	}
	return nil
}

func (s *SyncService) syncTransactions(ctx context.Context, adapter domain.CustodianAdapter, handle domain.AccessHandle, account *domain.Account, result *AccountSyncResult) error {
	since := time.Now().UTC().Add(-initialSyncWindow)
	if account.LastSyncedAt != nil {
		since = account.LastSyncedAt.Add(-resyncOverlap)
	}

	remote, err := adapter.ListTransactions(ctx, handle, since)
	if err != nil {
		return err
	}

	batch := make([]domain.Transaction, 0, len(remote))
	for _, rt := range remote {
		if rt.AccountExternalID != account.ExternalID {
			continue
		}
		batch = append(batch, domain.Transaction{
			AccountID:   account.ID,
			Kind:        rt.Kind,
			Amount:      rt.Amount,
			Currency:    rt.Currency,
			Description: rt.Description,
			Symbol:      rt.Symbol,
			Quantity:    rt.Quantity,
			UnitPrice:   rt.UnitPrice,
			Fee:         rt.Fee,
			ExternalID:  rt.ExternalID,
			IsPending:   rt.IsPending,
			Date:        rt.Date,
		})
	}

	added, err := s.transactions.UpsertBatch(ctx, account.UserID, batch)
	if err != nil {
		return err
	}
	result.TransactionsAdded = added
	return nil
}

// SyncUser refreshes every syncable account the user has, a few at a time,
// and reports per-account detail. Individual failures never abort the pass.
func (s *SyncService) SyncUser(ctx context.Context, userID string) (*UserSyncReport, error) {
	started := time.Now()
	accounts, err := s.accounts.ListSyncableByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &UserSyncReport{UserID: userID, Total: len(accounts)}
	if len(accounts) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)

	for i := range accounts {
		account := accounts[i]
		g.Go(func() error {
			result, err := s.SyncAccount(gctx, account.ID)
			mu.Lock()
			defer mu.Unlock()
			if result == nil {
				result = &AccountSyncResult{
					AccountID:   account.ID,
					AccountName: account.Name,
					Status:      domain.SyncStatusFailed,
				}
			}
			if err != nil && result.Error == "" {
				result.Error = err.Error()
				result.Status = domain.SyncStatusFailed
			}
			report.Results = append(report.Results, *result)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].AccountName < report.Results[j].AccountName
	})
	for i := range report.Results {
		switch report.Results[i].Status {
		case domain.SyncStatusOK:
			report.Synced++
		case domain.SyncStatusPartial:
			report.Partial++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(started)

	s.events.EmitTyped(events.SyncCompleted, "portfolio", &events.SyncCompletedData{
		UserID:   userID,
		Total:    report.Total,
		Synced:   report.Synced,
		Failed:   report.Failed,
		Status:   string(report.Status()),
		Duration: report.Duration.Seconds(),
	})

	if report.Synced > 0 || report.Partial > 0 {
		s.runAfterSync(ctx, userID)
	}

	s.log.Info().
		Str("user_id", userID).
		Int("total", report.Total).
		Int("synced", report.Synced).
		Int("partial", report.Partial).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("User sync pass finished")
	return report, nil
}

// SyncAll refreshes every syncable account in the system, one user at a
// time. Runs from the daily reconcile job.
func (s *SyncService) SyncAll(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListSyncable(ctx)
	if err != nil {
		return 0, err
	}

	users := make(map[string]bool)
	var order []string
	for i := range accounts {
		if !users[accounts[i].UserID] {
			users[accounts[i].UserID] = true
			order = append(order, accounts[i].UserID)
		}
	}

	synced := 0
	for _, userID := range order {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		report, err := s.SyncUser(ctx, userID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("User sync pass failed")
			continue
		}
		synced += report.Synced + report.Partial
	}
	return synced, nil
}
