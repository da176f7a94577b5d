// Package plaid provides the custodian adapter for account aggregation.
// It speaks the aggregator's JSON-over-POST API and translates accounts,
// holdings, and transactions into the custodian contract types.
package plaid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/reliability"
)

// BreakerTarget is the name of the circuit breaker guarding custodian calls.
const BreakerTarget = "plaid"

// Slug is the adapter identifier persisted on custodian rows.
const Slug = "plaid"

const (
	linkSessionTTL = 30 * time.Minute

	// transactionPageSize is the per-request page cap; the API maxes at 500.
	transactionPageSize = 500
	// maxTransactionPages bounds the pagination loop against a runaway
	// total count from the API.
	maxTransactionPages = 40
)

// Doer abstracts the HTTP transport so tests can script responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements domain.CustodianAdapter against a Plaid-style API.
// Every call runs through the shared retry policy and the custodian
// circuit breaker.
type Client struct {
	httpClient Doer
	pipeline   failsafe.Executor[*http.Response]
	baseURL    string
	clientID   string
	secret     string
	clientName string
	log        zerolog.Logger
}

// NewClient creates a custodian adapter backed by a real HTTP transport.
func NewClient(baseURL, clientID, secret string, timeout time.Duration, breakers *reliability.BreakerRegistry, log zerolog.Logger) *Client {
	return NewClientWithHTTP(baseURL, clientID, secret, &http.Client{Timeout: timeout}, breakers, log)
}

// NewClientWithHTTP creates a custodian adapter with a provided HTTP
// transport (for testing).
func NewClientWithHTTP(baseURL, clientID, secret string, httpClient Doer, breakers *reliability.BreakerRegistry, log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "plaid").Logger()

	return &Client{
		httpClient: httpClient,
		pipeline: failsafe.With[*http.Response](
			reliability.NewHTTPRetryPolicy(BreakerTarget, clientLog),
			breakers.For(BreakerTarget).Policy(),
		),
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		secret:     secret,
		clientName: "Moneta",
		log:        clientLog,
	}
}

// Slug identifies this adapter.
func (c *Client) Slug() string {
	return Slug
}

// apiError is the aggregator's error envelope for non-2xx responses.
type apiError struct {
	StatusCode     int
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	DisplayMessage string `json:"display_message"`
	Message        string `json:"error_message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("custodian API error: status=%d type=%s code=%s message=%s", e.StatusCode, e.ErrorType, e.ErrorCode, e.Message)
}

// do executes one POST through the retry/breaker pipeline. The client id
// and secret ride in the body per the aggregator's auth model.
func (c *Client) do(ctx context.Context, path string, payload map[string]interface{}) ([]byte, error) {
	body := map[string]interface{}{
		"client_id": c.clientID,
		"secret":    c.secret,
	}
	for k, v := range payload {
		body[k] = v
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, classify(apiErr)
	}

	return data, nil
}

// classify maps the aggregator's error taxonomy onto the domain taxonomy.
// ITEM_* errors mean the stored credential needs user re-auth; those must
// not be retried against a healthy target.
func classify(err *apiError) error {
	switch err.ErrorType {
	case "ITEM_ERROR":
		return domain.WrapError(err, domain.CodeUnauthorized, "custodian link requires re-authentication", domain.CategoryAuthentication, domain.SeverityHigh)
	case "INVALID_REQUEST", "INVALID_INPUT":
		return domain.WrapError(err, domain.CodeInvalidRequest, "custodian rejected request", domain.CategoryValidation, domain.SeverityMedium)
	case "RATE_LIMIT_EXCEEDED":
		return domain.WrapError(err, domain.CodeCustodianUnavailable, "custodian rate limit exceeded", domain.CategoryExternalAPI, domain.SeverityMedium)
	default:
		if err.StatusCode >= 500 {
			return domain.WrapError(err, domain.CodeCustodianUnavailable, "custodian unavailable", domain.CategoryExternalAPI, domain.SeverityHigh)
		}
		return domain.WrapError(err, domain.CodeCustodianUnavailable, "custodian call failed", domain.CategoryExternalAPI, domain.SeverityMedium)
	}
}

// LinkFlow starts a link session for the user. The returned token is
// consumed by the client UI; it never grants data access by itself.
func (c *Client) LinkFlow(ctx context.Context, userID string) (*domain.LinkSession, error) {
	data, err := c.do(ctx, "/link/token/create", map[string]interface{}{
		"client_name":   c.clientName,
		"language":      "en",
		"country_codes": []string{"US", "CA", "GB"},
		"user":          map[string]string{"client_user_id": userID},
		"products":      []string{"transactions", "investments"},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		LinkToken  string `json:"link_token"`
		Expiration string `json:"expiration"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeCustodianUnavailable, "custodian returned malformed link token payload")
	}

	expiresAt, err := time.Parse(time.RFC3339, payload.Expiration)
	if err != nil {
		expiresAt = time.Now().UTC().Add(linkSessionTTL)
	}

	return &domain.LinkSession{
		Token:     payload.LinkToken,
		Custodian: Slug,
		ExpiresAt: expiresAt,
	}, nil
}

// ExchangePublicCredential trades the client's public token for the
// durable access handle.
func (c *Client) ExchangePublicCredential(ctx context.Context, publicToken string) (*domain.AccessHandle, error) {
	data, err := c.do(ctx, "/item/public_token/exchange", map[string]interface{}{
		"public_token": publicToken,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ItemID      string `json:"item_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeCustodianUnavailable, "custodian returned malformed exchange payload")
	}
	if payload.AccessToken == "" {
		return nil, domain.NewError(domain.CodeCustodianUnavailable, "custodian exchange returned empty access token", domain.CategoryExternalAPI, domain.SeverityHigh)
	}

	return &domain.AccessHandle{Token: payload.AccessToken, ItemID: payload.ItemID}, nil
}

// accountPayload is one account on the wire.
type accountPayload struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Balances  struct {
		Current         *decimal.Decimal `json:"current"`
		Available       *decimal.Decimal `json:"available"`
		ISOCurrencyCode string           `json:"iso_currency_code"`
	} `json:"balances"`
}

// ListAccounts returns every account visible through the handle.
func (c *Client) ListAccounts(ctx context.Context, handle domain.AccessHandle) ([]domain.CustodianAccount, error) {
	data, err := c.do(ctx, "/accounts/balance/get", map[string]interface{}{
		"access_token": handle.Token,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Accounts []accountPayload `json:"accounts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeCustodianUnavailable, "custodian returned malformed accounts payload")
	}

	accounts := make([]domain.CustodianAccount, 0, len(payload.Accounts))
	for _, a := range payload.Accounts {
		acct := domain.CustodianAccount{
			ExternalID: a.AccountID,
			Name:       a.Name,
			Kind:       mapAccountKind(a.Type, a.Subtype),
			Currency:   currencyOrDefault(a.Balances.ISOCurrencyCode),
		}
		if a.Balances.Current != nil {
			acct.CurrentBalance = *a.Balances.Current
		}
		if a.Balances.Available != nil {
			acct.AvailableBalance = *a.Balances.Available
		} else {
			acct.AvailableBalance = acct.CurrentBalance
		}
		accounts = append(accounts, acct)
	}

	return accounts, nil
}

// holdingPayload and securityPayload carry the two halves of a holdings
// response; positions reference securities by id.
type holdingPayload struct {
	AccountID        string          `json:"account_id"`
	SecurityID       string          `json:"security_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	InstitutionPrice decimal.Decimal `json:"institution_price"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
	ISOCurrencyCode  string          `json:"iso_currency_code"`
}

type securityPayload struct {
	SecurityID   string `json:"security_id"`
	TickerSymbol string `json:"ticker_symbol"`
	Name         string `json:"name"`
}

// ListHoldings returns the full holdings snapshot for the handle.
// Positions without a resolvable ticker are skipped; the aggregator
// reports some instruments (e.g. institution-internal funds) without one.
func (c *Client) ListHoldings(ctx context.Context, handle domain.AccessHandle) ([]domain.CustodianHolding, error) {
	data, err := c.do(ctx, "/investments/holdings/get", map[string]interface{}{
		"access_token": handle.Token,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Holdings   []holdingPayload  `json:"holdings"`
		Securities []securityPayload `json:"securities"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeCustodianUnavailable, "custodian returned malformed holdings payload")
	}

	tickers := make(map[string]string, len(payload.Securities))
	for _, s := range payload.Securities {
		if s.TickerSymbol != "" {
			tickers[s.SecurityID] = domain.NormalizeSymbol(s.TickerSymbol)
		}
	}

	holdings := make([]domain.CustodianHolding, 0, len(payload.Holdings))
	for _, h := range payload.Holdings {
		symbol, ok := tickers[h.SecurityID]
		if !ok {
			c.log.Debug().Str("security_id", h.SecurityID).Msg("Skipping holding without ticker symbol")
			continue
		}
		holdings = append(holdings, domain.CustodianHolding{
			AccountExternalID: h.AccountID,
			Symbol:            symbol,
			Quantity:          h.Quantity,
			UnitPrice:         h.InstitutionPrice,
			CostBasis:         h.CostBasis,
			Currency:          currencyOrDefault(h.ISOCurrencyCode),
		})
	}

	return holdings, nil
}

// transactionPayload is one bank-side ledger entry. Amounts are debit
// positive on the wire and flipped to credit positive locally.
type transactionPayload struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Date            string          `json:"date"`
	Name            string          `json:"name"`
	Pending         bool            `json:"pending"`
	ISOCurrencyCode string          `json:"iso_currency_code"`
}

// investmentTransactionPayload is one investment-side ledger entry.
type investmentTransactionPayload struct {
	InvestmentTransactionID string           `json:"investment_transaction_id"`
	AccountID               string           `json:"account_id"`
	SecurityID              string           `json:"security_id"`
	Date                    string           `json:"date"`
	Name                    string           `json:"name"`
	Amount                  decimal.Decimal  `json:"amount"`
	Quantity                *decimal.Decimal `json:"quantity"`
	Price                   *decimal.Decimal `json:"price"`
	Fees                    *decimal.Decimal `json:"fees"`
	Type                    string           `json:"type"`
	Subtype                 string           `json:"subtype"`
	ISOCurrencyCode         string           `json:"iso_currency_code"`
}

// ListTransactions returns transactions since the given time, bank and
// investment sides combined. Items without the investments product only
// yield bank transactions.
func (c *Client) ListTransactions(ctx context.Context, handle domain.AccessHandle, since time.Time) ([]domain.CustodianTransaction, error) {
	startDate := since.UTC().Format("2006-01-02")
	endDate := time.Now().UTC().Format("2006-01-02")

	bank, err := c.listBankTransactions(ctx, handle, startDate, endDate)
	if err != nil {
		return nil, err
	}

	invest, err := c.listInvestmentTransactions(ctx, handle, startDate, endDate)
	if err != nil {
		if isProductUnsupported(err) {
			c.log.Debug().Msg("Item has no investments product, returning bank transactions only")
			return bank, nil
		}
		return nil, err
	}

	return append(bank, invest...), nil
}

func (c *Client) listBankTransactions(ctx context.Context, handle domain.AccessHandle, startDate, endDate string) ([]domain.CustodianTransaction, error) {
	var out []domain.CustodianTransaction

	offset := 0
	for page := 0; page < maxTransactionPages; page++ {
		data, err := c.do(ctx, "/transactions/get", map[string]interface{}{
			"access_token": handle.Token,
			"start_date":   startDate,
			"end_date":     endDate,
			"options":      map[string]interface{}{"count": transactionPageSize, "offset": offset},
		})
		if err != nil {
			return nil, err
		}

		var payload struct {
			Transactions []transactionPayload `json:"transactions"`
			Total        int                  `json:"total_transactions"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, domain.NewExternalError(err, domain.CodeCustodianUnavailable, "custodian returned malformed transactions payload")
		}

		for i := range payload.Transactions {
			tx, err := c.mapBankTransaction(&payload.Transactions[i])
			if err != nil {
				c.log.Warn().Err(err).Str("transaction_id", payload.Transactions[i].TransactionID).Msg("Skipping unmappable transaction")
				continue
			}
			out = append(out, *tx)
		}

		offset += len(payload.Transactions)
		if offset >= payload.Total || len(payload.Transactions) == 0 {
			break
		}
	}

	return out, nil
}

func (c *Client) mapBankTransaction(p *transactionPayload) (*domain.CustodianTransaction, error) {
	date, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction date %q: %w", p.Date, err)
	}

	// Wire amounts are debit positive; local convention is credit positive.
	amount := p.Amount.Neg()

	kind := domain.TransactionDeposit
	if amount.IsNegative() {
		kind = domain.TransactionWithdrawal
	}

	return &domain.CustodianTransaction{
		Date:              date,
		AccountExternalID: p.AccountID,
		ExternalID:        p.TransactionID,
		Kind:              kind,
		Amount:            amount,
		Currency:          currencyOrDefault(p.ISOCurrencyCode),
		Description:       p.Name,
		IsPending:         p.Pending,
	}, nil
}

func (c *Client) listInvestmentTransactions(ctx context.Context, handle domain.AccessHandle, startDate, endDate string) ([]domain.CustodianTransaction, error) {
	var out []domain.CustodianTransaction

	offset := 0
	for page := 0; page < maxTransactionPages; page++ {
		data, err := c.do(ctx, "/investments/transactions/get", map[string]interface{}{
			"access_token": handle.Token,
			"start_date":   startDate,
			"end_date":     endDate,
			"options":      map[string]interface{}{"count": transactionPageSize, "offset": offset},
		})
		if err != nil {
			return nil, err
		}

		var payload struct {
			Transactions []investmentTransactionPayload `json:"investment_transactions"`
			Securities   []securityPayload              `json:"securities"`
			Total        int                            `json:"total_investment_transactions"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, domain.NewExternalError(err, domain.CodeCustodianUnavailable, "custodian returned malformed investment transactions payload")
		}

		tickers := make(map[string]string, len(payload.Securities))
		for _, s := range payload.Securities {
			if s.TickerSymbol != "" {
				tickers[s.SecurityID] = domain.NormalizeSymbol(s.TickerSymbol)
			}
		}

		for i := range payload.Transactions {
			tx, err := c.mapInvestmentTransaction(&payload.Transactions[i], tickers)
			if err != nil {
				c.log.Warn().Err(err).Str("transaction_id", payload.Transactions[i].InvestmentTransactionID).Msg("Skipping unmappable investment transaction")
				continue
			}
			out = append(out, *tx)
		}

		offset += len(payload.Transactions)
		if offset >= payload.Total || len(payload.Transactions) == 0 {
			break
		}
	}

	return out, nil
}

func (c *Client) mapInvestmentTransaction(p *investmentTransactionPayload, tickers map[string]string) (*domain.CustodianTransaction, error) {
	date, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction date %q: %w", p.Date, err)
	}

	return &domain.CustodianTransaction{
		Date:              date,
		AccountExternalID: p.AccountID,
		ExternalID:        p.InvestmentTransactionID,
		Kind:              mapInvestmentKind(p.Type, p.Subtype),
		Amount:            p.Amount.Neg(),
		Currency:          currencyOrDefault(p.ISOCurrencyCode),
		Description:       p.Name,
		Symbol:            tickers[p.SecurityID],
		Quantity:          p.Quantity,
		UnitPrice:         p.Price,
		Fee:               p.Fees,
	}, nil
}

// mapAccountKind translates the aggregator's type/subtype pair.
func mapAccountKind(typ, subtype string) domain.AccountKind {
	switch typ {
	case "depository":
		if subtype == "savings" {
			return domain.AccountKindSavings
		}
		return domain.AccountKindChecking
	case "credit":
		return domain.AccountKindCredit
	case "loan":
		if subtype == "mortgage" {
			return domain.AccountKindMortgage
		}
		return domain.AccountKindLoan
	case "investment", "brokerage":
		switch subtype {
		case "ira", "roth", "roth 401k", "401k", "403b", "457b", "pension", "retirement", "sep ira", "simple ira":
			return domain.AccountKindRetirement
		}
		return domain.AccountKindInvestment
	default:
		return domain.AccountKindChecking
	}
}

// mapInvestmentKind translates investment transaction type/subtype.
func mapInvestmentKind(typ, subtype string) domain.TransactionKind {
	switch typ {
	case "buy":
		return domain.TransactionPurchase
	case "sell":
		return domain.TransactionSale
	case "fee":
		return domain.TransactionFee
	case "transfer":
		return domain.TransactionTransfer
	case "cash":
		switch subtype {
		case "dividend", "qualified dividend", "non-qualified dividend":
			return domain.TransactionDividend
		case "interest", "interest receivable":
			return domain.TransactionInterest
		case "withdrawal":
			return domain.TransactionWithdrawal
		default:
			return domain.TransactionDeposit
		}
	default:
		switch subtype {
		case "dividend":
			return domain.TransactionDividend
		case "interest":
			return domain.TransactionInterest
		}
		return domain.TransactionTransfer
	}
}

func currencyOrDefault(code string) domain.Currency {
	if code == "" {
		return domain.CurrencyUSD
	}
	return domain.Currency(strings.ToUpper(code))
}

// isProductUnsupported detects items linked without the investments
// product, which is a normal configuration rather than a failure.
func isProductUnsupported(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode {
	case "PRODUCTS_NOT_SUPPORTED", "PRODUCT_NOT_READY", "NO_INVESTMENT_ACCOUNTS":
		return true
	}
	return false
}
