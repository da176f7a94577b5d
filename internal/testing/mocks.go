package testing

import (
	"context"
	"sync"
	"time"

	"github.com/monetahq/moneta/internal/domain"
)

// MockBrokerClient is a scripted implementation of domain.BrokerClient
// for order engine tests. Responses are set up front; every call is
// recorded for assertions.
type MockBrokerClient struct {
	mu sync.Mutex

	submitAck  *domain.BrokerOrderAck
	submitErr  error
	cancelErr  error
	getErr     error
	findErr    error
	quotesErr  error
	snapshots  map[string]*domain.BrokerOrderSnapshot
	byClientID map[string]*domain.BrokerOrderSnapshot
	quotes     []domain.BrokerQuote

	submitted []domain.BrokerOrderRequest
	cancelled []string
}

// NewMockBrokerClient creates a mock broker with empty scripts.
func NewMockBrokerClient() *MockBrokerClient {
	return &MockBrokerClient{
		snapshots:  make(map[string]*domain.BrokerOrderSnapshot),
		byClientID: make(map[string]*domain.BrokerOrderSnapshot),
	}
}

// SetSubmitResponse scripts the next SubmitOrder results.
func (m *MockBrokerClient) SetSubmitResponse(ack *domain.BrokerOrderAck, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitAck = ack
	m.submitErr = err
}

// SetCancelError scripts the CancelOrder error.
func (m *MockBrokerClient) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// SetSnapshot scripts GetOrder for one broker order id.
func (m *MockBrokerClient) SetSnapshot(brokerOrderID string, snap *domain.BrokerOrderSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[brokerOrderID] = snap
}

// SetGetError scripts the GetOrder error.
func (m *MockBrokerClient) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// SetFindByClientID scripts FindOrderByClientID for one client order id.
func (m *MockBrokerClient) SetFindByClientID(clientOrderID string, snap *domain.BrokerOrderSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byClientID[clientOrderID] = snap
}

// SetFindError scripts the FindOrderByClientID error.
func (m *MockBrokerClient) SetFindError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findErr = err
}

// SetQuotes scripts GetQuotes.
func (m *MockBrokerClient) SetQuotes(quotes []domain.BrokerQuote, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = quotes
	m.quotesErr = err
}

// Submitted returns the recorded submission requests.
func (m *MockBrokerClient) Submitted() []domain.BrokerOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BrokerOrderRequest, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Cancelled returns the recorded cancellation requests.
func (m *MockBrokerClient) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// SubmitOrder implements domain.BrokerClient.
func (m *MockBrokerClient) SubmitOrder(ctx context.Context, req domain.BrokerOrderRequest) (*domain.BrokerOrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if m.submitAck != nil {
		ack := *m.submitAck
		return &ack, nil
	}
	return &domain.BrokerOrderAck{
		BrokerOrderID: "broker-" + req.ClientOrderID,
		State:         domain.OrderStateSubmitted,
		AcceptedAt:    time.Now(),
	}, nil
}

// CancelOrder implements domain.BrokerClient.
func (m *MockBrokerClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, brokerOrderID)
	return m.cancelErr
}

// GetOrder implements domain.BrokerClient.
func (m *MockBrokerClient) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if snap, ok := m.snapshots[brokerOrderID]; ok {
		copied := *snap
		return &copied, nil
	}
	return nil, domain.NewNotFoundError("order not found at broker")
}

// FindOrderByClientID implements domain.BrokerClient.
func (m *MockBrokerClient) FindOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if snap, ok := m.byClientID[clientOrderID]; ok {
		copied := *snap
		return &copied, nil
	}
	return nil, nil
}

// GetQuotes implements domain.BrokerClient.
func (m *MockBrokerClient) GetQuotes(ctx context.Context, symbols []string) ([]domain.BrokerQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotesErr != nil {
		return nil, m.quotesErr
	}
	return m.quotes, nil
}

// MockCustodianAdapter is a scripted implementation of
// domain.CustodianAdapter for sync engine tests.
type MockCustodianAdapter struct {
	mu sync.Mutex

	slug         string
	linkSession  *domain.LinkSession
	linkErr      error
	handle       *domain.AccessHandle
	exchangeErr  error
	accounts     []domain.CustodianAccount
	accountsErr  error
	holdings     []domain.CustodianHolding
	holdingsErr  error
	transactions []domain.CustodianTransaction
	txErr        error

	listAccountsCalls int
}

// NewMockCustodianAdapter creates a mock adapter with the given slug.
func NewMockCustodianAdapter(slug string) *MockCustodianAdapter {
	return &MockCustodianAdapter{slug: slug}
}

// SetLinkSession scripts LinkFlow.
func (m *MockCustodianAdapter) SetLinkSession(session *domain.LinkSession, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkSession = session
	m.linkErr = err
}

// SetExchangeResult scripts ExchangePublicCredential.
func (m *MockCustodianAdapter) SetExchangeResult(handle *domain.AccessHandle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = handle
	m.exchangeErr = err
}

// SetAccounts scripts ListAccounts.
func (m *MockCustodianAdapter) SetAccounts(accounts []domain.CustodianAccount, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = accounts
	m.accountsErr = err
}

// SetHoldings scripts ListHoldings.
func (m *MockCustodianAdapter) SetHoldings(holdings []domain.CustodianHolding, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings = holdings
	m.holdingsErr = err
}

// SetTransactions scripts ListTransactions.
func (m *MockCustodianAdapter) SetTransactions(transactions []domain.CustodianTransaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = transactions
	m.txErr = err
}

// ListAccountsCalls returns how many times ListAccounts ran.
func (m *MockCustodianAdapter) ListAccountsCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccountsCalls
}

// Slug implements domain.CustodianAdapter.
func (m *MockCustodianAdapter) Slug() string {
	return m.slug
}

// LinkFlow implements domain.CustodianAdapter.
func (m *MockCustodianAdapter) LinkFlow(ctx context.Context, userID string) (*domain.LinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkErr != nil {
		return nil, m.linkErr
	}
	if m.linkSession != nil {
		session := *m.linkSession
		return &session, nil
	}
	return &domain.LinkSession{
		Token:     "link-" + userID,
		Custodian: m.slug,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}, nil
}

// ExchangePublicCredential implements domain.CustodianAdapter.
func (m *MockCustodianAdapter) ExchangePublicCredential(ctx context.Context, publicToken string) (*domain.AccessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exchangeErr != nil {
		return nil, m.exchangeErr
	}
	if m.handle != nil {
		handle := *m.handle
		return &handle, nil
	}
	return &domain.AccessHandle{Token: "access-" + publicToken, ItemID: "item-1"}, nil
}

// ListAccounts implements domain.CustodianAdapter.
func (m *MockCustodianAdapter) ListAccounts(ctx context.Context, handle domain.AccessHandle) ([]domain.CustodianAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listAccountsCalls++
	if m.accountsErr != nil {
		return nil, m.accountsErr
	}
	out := make([]domain.CustodianAccount, len(m.accounts))
	copy(out, m.accounts)
	return out, nil
}

// ListHoldings implements domain.CustodianAdapter.
func (m *MockCustodianAdapter) ListHoldings(ctx context.Context, handle domain.AccessHandle) ([]domain.CustodianHolding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdingsErr != nil {
		return nil, m.holdingsErr
	}
	out := make([]domain.CustodianHolding, len(m.holdings))
	copy(out, m.holdings)
	return out, nil
}

// ListTransactions implements domain.CustodianAdapter.
func (m *MockCustodianAdapter) ListTransactions(ctx context.Context, handle domain.AccessHandle, since time.Time) ([]domain.CustodianTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErr != nil {
		return nil, m.txErr
	}
	out := make([]domain.CustodianTransaction, len(m.transactions))
	copy(out, m.transactions)
	return out, nil
}
