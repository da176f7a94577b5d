package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/reliability"
)

// scriptedDoer plays back canned HTTP responses and records requests.
type scriptedDoer struct {
	responses []*http.Response
	errs      []error
	requests  []*http.Request
	bodies    []string
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		d.bodies = append(d.bodies, string(data))
	} else {
		d.bodies = append(d.bodies, "")
	}

	i := len(d.requests) - 1
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.responses) {
		return d.responses[i], nil
	}
	// Default: repeat the last scripted response.
	return d.responses[len(d.responses)-1], nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestClient(t *testing.T, doer *scriptedDoer) *Client {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	breakers := reliability.NewBreakerRegistry(log)
	return NewClientWithHTTP("https://broker.test", "key", "secret", doer, breakers, log)
}

func TestSubmitOrderSuccess(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(200, `{
			"id": "broker-123",
			"client_order_id": "idem-1",
			"symbol": "AAPL",
			"status": "new",
			"qty": "10",
			"filled_qty": "0",
			"created_at": "2025-06-02T14:30:00Z"
		}`)},
	}
	client := newTestClient(t, doer)

	ack, err := client.SubmitOrder(context.Background(), domain.BrokerOrderRequest{
		ClientOrderID: "idem-1",
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeLimit,
		TimeInForce:   domain.TimeInForceDay,
		Quantity:      decimal.NewFromInt(10),
		LimitPrice:    decimalPtr("150.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, "broker-123", ack.BrokerOrderID)
	assert.Equal(t, domain.OrderStateSubmitted, ack.State)

	// Request shape: lower-cased enums, string quantities, auth headers.
	require.Len(t, doer.requests, 1)
	req := doer.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v2/orders", req.URL.Path)
	assert.Equal(t, "key", req.Header.Get(headerAPIKey))
	assert.Equal(t, "secret", req.Header.Get(headerAPISecret))

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doer.bodies[0]), &sent))
	assert.Equal(t, "buy", sent["side"])
	assert.Equal(t, "limit", sent["type"])
	assert.Equal(t, "day", sent["time_in_force"])
	assert.Equal(t, "10", sent["qty"])
	assert.Equal(t, "150.25", sent["limit_price"])
	assert.Equal(t, "idem-1", sent["client_order_id"])
}

func TestSubmitOrderRejection(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(422, `{"code": 42210000, "message": "invalid qty"}`)},
	}
	client := newTestClient(t, doer)

	_, err := client.SubmitOrder(context.Background(), domain.BrokerOrderRequest{
		ClientOrderID: "idem-2",
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		Quantity:      decimal.NewFromInt(-1),
	})
	require.Error(t, err)

	var rejection *domain.BrokerRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "42210000", rejection.Code)
	assert.Equal(t, "invalid qty", rejection.Message)

	// A 4xx refusal must not be retried.
	assert.Len(t, doer.requests, 1)
}

func TestSubmitOrderRetriesServerErrors(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{
			jsonResponse(502, `{"message": "bad gateway"}`),
			jsonResponse(200, `{"id": "broker-9", "status": "accepted", "qty": "5", "filled_qty": "0"}`),
		},
	}
	client := newTestClient(t, doer)

	ack, err := client.SubmitOrder(context.Background(), domain.BrokerOrderRequest{
		ClientOrderID: "idem-3",
		Symbol:        "MSFT",
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		Quantity:      decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "broker-9", ack.BrokerOrderID)
	assert.Len(t, doer.requests, 2)

	// Each attempt carries a fresh body.
	assert.Equal(t, doer.bodies[0], doer.bodies[1])
}

func TestGetOrderMapsStates(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(200, `{
			"id": "broker-123",
			"client_order_id": "idem-1",
			"symbol": "aapl",
			"status": "partially_filled",
			"qty": "10",
			"filled_qty": "4",
			"filled_avg_price": "150.10",
			"updated_at": "2025-06-02T14:31:00Z"
		}`)},
	}
	client := newTestClient(t, doer)

	snap, err := client.GetOrder(context.Background(), "broker-123")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", snap.Symbol)
	assert.Equal(t, domain.OrderStatePartiallyFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(4)))
	require.NotNil(t, snap.AvgFillPrice)
	assert.True(t, snap.AvgFillPrice.Equal(decimal.RequireFromString("150.10")))
}

func TestGetOrderNotFound(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(404, `{"message": "order not found"}`)},
	}
	client := newTestClient(t, doer)

	_, err := client.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestFindOrderByClientIDAbsent(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(404, `{"message": "order not found"}`)},
	}
	client := newTestClient(t, doer)

	snap, err := client.FindOrderByClientID(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestCancelOrderTerminalRejection(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(422, `{"code": 42210001, "message": "order is not cancelable"}`)},
	}
	client := newTestClient(t, doer)

	err := client.CancelOrder(context.Background(), "broker-123")
	require.Error(t, err)

	var rejection *domain.BrokerRejection
	assert.ErrorAs(t, err, &rejection)
}

func TestGetQuotes(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(200, `{
			"trades": {
				"AAPL": {"t": "2025-06-02T14:30:00Z", "p": 150.25},
				"MSFT": {"t": "2025-06-02T14:30:01Z", "p": 420.1}
			}
		}`)},
	}
	client := newTestClient(t, doer)

	quotes, err := client.GetQuotes(context.Background(), []string{"aapl", "msft"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	bySymbol := map[string]domain.BrokerQuote{}
	for _, q := range quotes {
		bySymbol[q.Symbol] = q
	}
	assert.True(t, bySymbol["AAPL"].Price.Equal(decimal.RequireFromString("150.25")))
	assert.True(t, bySymbol["MSFT"].Price.Equal(decimal.RequireFromString("420.1")))

	// Symbols are normalized on the wire.
	assert.Contains(t, doer.requests[0].URL.RawQuery, "AAPL")
}

func TestGetQuotesEmptyInput(t *testing.T) {
	client := newTestClient(t, &scriptedDoer{responses: []*http.Response{jsonResponse(200, `{}`)}})
	quotes, err := client.GetQuotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, quotes)
}

func TestMapOrderStateUpgradesToPartial(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	assert.Equal(t, domain.OrderStateSubmitted, mapOrderState(log, "new", decimal.Zero))
	assert.Equal(t, domain.OrderStatePartiallyFilled, mapOrderState(log, "accepted", decimal.NewFromInt(1)))
	assert.Equal(t, domain.OrderStateFilled, mapOrderState(log, "filled", decimal.NewFromInt(10)))
	assert.Equal(t, domain.OrderStateCancelled, mapOrderState(log, "canceled", decimal.Zero))
	assert.Equal(t, domain.OrderStateExpired, mapOrderState(log, "done_for_day", decimal.Zero))
	assert.Equal(t, domain.OrderStateRejected, mapOrderState(log, "rejected", decimal.Zero))
	// Unknown statuses degrade to SUBMITTED rather than erroring.
	assert.Equal(t, domain.OrderStateSubmitted, mapOrderState(log, "calculating", decimal.Zero))
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
