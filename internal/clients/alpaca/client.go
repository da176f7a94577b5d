// Package alpaca provides the broker client for order execution and
// market quotes. It translates the broker's wire format into the
// broker-agnostic domain types consumed by the order engine.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/reliability"
)

// BreakerTarget is the name of the circuit breaker guarding broker calls.
const BreakerTarget = "alpaca"

const (
	headerAPIKey    = "APCA-API-KEY-ID"
	headerAPISecret = "APCA-API-SECRET-KEY"
)

// Doer abstracts the HTTP transport so tests can script responses
// without a network listener.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client for the broker REST API. Every call runs through the shared
// retry policy and the broker circuit breaker.
type Client struct {
	httpClient Doer
	pipeline   failsafe.Executor[*http.Response]
	baseURL    string
	apiKey     string
	apiSecret  string
	log        zerolog.Logger
}

// NewClient creates a broker client backed by a real HTTP transport.
func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration, breakers *reliability.BreakerRegistry, log zerolog.Logger) *Client {
	return NewClientWithHTTP(baseURL, apiKey, apiSecret, &http.Client{Timeout: timeout}, breakers, log)
}

// NewClientWithHTTP creates a broker client with a provided HTTP
// transport (for testing).
func NewClientWithHTTP(baseURL, apiKey, apiSecret string, httpClient Doer, breakers *reliability.BreakerRegistry, log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "alpaca").Logger()

	return &Client{
		httpClient: httpClient,
		pipeline: failsafe.With[*http.Response](
			reliability.NewHTTPRetryPolicy(BreakerTarget, clientLog),
			breakers.For(BreakerTarget).Policy(),
		),
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		log:       clientLog,
	}
}

// apiError is a non-2xx response that survived the retry policy.
type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("broker API error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// errorBody is the broker's error envelope, e.g.
// {"code": 40310000, "message": "insufficient buying power"}.
type errorBody struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

// do executes one request through the retry/breaker pipeline and
// returns the response body. Non-2xx statuses come back as *apiError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %s request: %w", method, path, err)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		// Build a fresh request per attempt; a retried attempt must not
		// reuse an already-consumed body reader.
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if reqErr != nil {
			return nil, reqErr
		}

		req.Header.Set(headerAPIKey, c.apiKey)
		req.Header.Set(headerAPISecret, c.apiSecret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		var envelope errorBody
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil {
			apiErr.Code = envelope.Code.String()
			apiErr.Message = envelope.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}

	return data, nil
}

// orderPayload is the broker's order representation. Numeric fields
// arrive as JSON strings and decode into exact decimals.
type orderPayload struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	TimeInForce    string           `json:"time_in_force"`
	Status         string           `json:"status"`
	Qty            decimal.Decimal  `json:"qty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	LimitPrice     *decimal.Decimal `json:"limit_price"`
	StopPrice      *decimal.Decimal `json:"stop_price"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// createOrderRequest is the outbound order submission body.
type createOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

// Broker order statuses that map onto the local lifecycle. Transient
// broker-side states (pending_new, pending_cancel, ...) stay SUBMITTED
// until the broker reports a real outcome.
var orderStates = map[string]domain.OrderState{
	"new":              domain.OrderStateSubmitted,
	"accepted":         domain.OrderStateSubmitted,
	"pending_new":      domain.OrderStateSubmitted,
	"pending_cancel":   domain.OrderStateSubmitted,
	"pending_replace":  domain.OrderStateSubmitted,
	"partially_filled": domain.OrderStatePartiallyFilled,
	"filled":           domain.OrderStateFilled,
	"canceled":         domain.OrderStateCancelled,
	"expired":          domain.OrderStateExpired,
	"done_for_day":     domain.OrderStateExpired,
	"rejected":         domain.OrderStateRejected,
}

// mapOrderState is shared by the REST client and the fill stream.
func mapOrderState(log zerolog.Logger, status string, filled decimal.Decimal) domain.OrderState {
	state, ok := orderStates[status]
	if !ok {
		log.Warn().Str("status", status).Msg("Unknown broker order status, treating as submitted")
		state = domain.OrderStateSubmitted
	}

	// A working order with executions is partially filled regardless of
	// the broker's transient status label.
	if state == domain.OrderStateSubmitted && filled.IsPositive() {
		return domain.OrderStatePartiallyFilled
	}
	return state
}

func snapshotFrom(log zerolog.Logger, p *orderPayload) *domain.BrokerOrderSnapshot {
	asOf := p.UpdatedAt
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	return &domain.BrokerOrderSnapshot{
		AsOf:           asOf,
		BrokerOrderID:  p.ID,
		ClientOrderID:  p.ClientOrderID,
		Symbol:         domain.NormalizeSymbol(p.Symbol),
		State:          mapOrderState(log, p.Status, p.FilledQty),
		FilledQuantity: p.FilledQty,
		AvgFillPrice:   p.FilledAvgPrice,
	}
}

// SubmitOrder places an order with the broker. A 4xx refusal comes back
// as *domain.BrokerRejection so the engine can mark the order REJECTED
// without retrying; transport faults surface as-is for retry/adopt
// handling.
func (c *Client) SubmitOrder(ctx context.Context, req domain.BrokerOrderRequest) (*domain.BrokerOrderAck, error) {
	body := createOrderRequest{
		Symbol:        req.Symbol,
		Qty:           req.Quantity.String(),
		Side:          strings.ToLower(string(req.Side)),
		Type:          strings.ToLower(string(req.Type)),
		TimeInForce:   strings.ToLower(string(req.TimeInForce)),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		body.LimitPrice = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		body.StopPrice = req.StopPrice.String()
	}

	c.log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("client_order_id", req.ClientOrderID).
		Msg("Submitting order to broker")

	data, err := c.do(ctx, http.MethodPost, "/v2/orders", nil, body)
	if err != nil {
		if rejection := rejectionFrom(err); rejection != nil {
			return nil, rejection
		}
		return nil, err
	}

	var payload orderPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeBrokerUnavailable, "broker returned malformed order payload")
	}

	acceptedAt := payload.CreatedAt
	if acceptedAt.IsZero() {
		acceptedAt = time.Now().UTC()
	}

	return &domain.BrokerOrderAck{
		AcceptedAt:    acceptedAt,
		BrokerOrderID: payload.ID,
		State:         mapOrderState(c.log, payload.Status, payload.FilledQty),
	}, nil
}

// CancelOrder requests cancellation of a working order. The broker
// refuses with 422 when the order is already terminal on its side; that
// surfaces as *domain.BrokerRejection so the caller can reconcile.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(brokerOrderID), nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.NewNotFoundError("broker order " + brokerOrderID + " not found")
		}
		if rejection := rejectionFrom(err); rejection != nil {
			return rejection
		}
		return err
	}
	return nil
}

// GetOrder polls the broker for the current snapshot of one order.
func (c *Client) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrderSnapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(brokerOrderID), nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, domain.NewNotFoundError("broker order " + brokerOrderID + " not found")
		}
		return nil, err
	}

	var payload orderPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeBrokerUnavailable, "broker returned malformed order payload")
	}

	return snapshotFrom(c.log, &payload), nil
}

// FindOrderByClientID locates an order by its client idempotency key.
// Returns nil, nil when the broker has no order under that key, which
// tells the caller a lost submission never reached the broker.
func (c *Client) FindOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrderSnapshot, error) {
	query := url.Values{"client_order_id": {clientOrderID}}

	data, err := c.do(ctx, http.MethodGet, "/v2/orders:by_client_order_id", query, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var payload orderPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeBrokerUnavailable, "broker returned malformed order payload")
	}

	return snapshotFrom(c.log, &payload), nil
}

// latestTradesResponse is the market data envelope for last-trade quotes.
type latestTradesResponse struct {
	Trades map[string]latestTrade `json:"trades"`
}

type latestTrade struct {
	Timestamp time.Time       `json:"t"`
	Price     decimal.Decimal `json:"p"`
}

// GetQuotes returns last-trade quotes for the given symbols. Symbols the
// broker does not recognize are silently absent from the result.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]domain.BrokerQuote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, domain.NormalizeSymbol(s))
	}
	query := url.Values{"symbols": {strings.Join(normalized, ",")}}

	data, err := c.do(ctx, http.MethodGet, "/v2/stocks/trades/latest", query, nil)
	if err != nil {
		return nil, err
	}

	var payload latestTradesResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewExternalError(err, domain.CodeBrokerUnavailable, "broker returned malformed quotes payload")
	}

	quotes := make([]domain.BrokerQuote, 0, len(payload.Trades))
	for symbol, trade := range payload.Trades {
		quotes = append(quotes, domain.BrokerQuote{
			AsOf:   trade.Timestamp,
			Symbol: domain.NormalizeSymbol(symbol),
			Price:  trade.Price,
		})
	}

	return quotes, nil
}

// rejectionFrom converts a 4xx apiError into a broker rejection. 5xx and
// 429 responses are transport-level and return nil so callers keep their
// retry semantics. 401/403 mean bad credentials, not a refused order.
func rejectionFrom(err error) *domain.BrokerRejection {
	var ae *apiError
	if !errors.As(err, &ae) {
		return nil
	}
	if ae.StatusCode >= 500 || ae.StatusCode == http.StatusTooManyRequests {
		return nil
	}
	if ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden {
		return nil
	}
	if ae.StatusCode < 400 {
		return nil
	}

	code := ae.Code
	if code == "" || code == "0" {
		code = fmt.Sprintf("http_%d", ae.StatusCode)
	}
	return &domain.BrokerRejection{Code: code, Message: ae.Message}
}

func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.StatusCode == status
}
