package alpaca

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
)

type capturingSink struct {
	snapshots []*domain.BrokerOrderSnapshot
	err       error
}

func (s *capturingSink) IngestSnapshot(ctx context.Context, snap *domain.BrokerOrderSnapshot) error {
	s.snapshots = append(s.snapshots, snap)
	return s.err
}

func newTestStream(sink SnapshotSink) *FillStream {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewFillStream("wss://broker.test/stream", "key", "secret", sink, nil, log)
}

func TestHandleTradeUpdateFill(t *testing.T) {
	sink := &capturingSink{}
	stream := newTestStream(sink)

	message := []byte(`{
		"stream": "trade_updates",
		"data": {
			"event": "partial_fill",
			"timestamp": "2025-06-02T14:30:05Z",
			"order": {
				"id": "broker-1",
				"client_order_id": "idem-1",
				"symbol": "aapl",
				"status": "partially_filled",
				"qty": "10",
				"filled_qty": "3",
				"filled_avg_price": "150.00"
			}
		}
	}`)

	require.NoError(t, stream.handleMessage(message))
	require.Len(t, sink.snapshots, 1)

	snap := sink.snapshots[0]
	assert.Equal(t, "broker-1", snap.BrokerOrderID)
	assert.Equal(t, "idem-1", snap.ClientOrderID)
	assert.Equal(t, "AAPL", snap.Symbol)
	assert.Equal(t, domain.OrderStatePartiallyFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, time.Date(2025, 6, 2, 14, 30, 5, 0, time.UTC), snap.AsOf)
}

func TestHandleMessageIgnoresOtherStreams(t *testing.T) {
	sink := &capturingSink{}
	stream := newTestStream(sink)

	assert.NoError(t, stream.handleMessage([]byte(`{"stream": "listening", "data": {"streams": ["trade_updates"]}}`)))
	assert.NoError(t, stream.handleMessage([]byte(`{"stream": "account_updates", "data": {}}`)))
	assert.Empty(t, sink.snapshots)
}

func TestHandleMessageMalformed(t *testing.T) {
	stream := newTestStream(&capturingSink{})

	assert.Error(t, stream.handleMessage([]byte(`not json`)))
	assert.Error(t, stream.handleMessage([]byte(`{"stream": "trade_updates", "data": "nope"}`)))
}

func TestHandleTradeUpdateSinkErrorDoesNotPanic(t *testing.T) {
	sink := &capturingSink{err: assert.AnError}
	stream := newTestStream(sink)

	message := []byte(`{
		"stream": "trade_updates",
		"data": {
			"event": "fill",
			"order": {"id": "broker-2", "status": "filled", "qty": "1", "filled_qty": "1"}
		}
	}`)
	assert.NoError(t, stream.handleMessage(message))
	assert.Len(t, sink.snapshots, 1)
}

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, reconnectBackoff(1))
	assert.Equal(t, 4*time.Second, reconnectBackoff(2))
	assert.Equal(t, 8*time.Second, reconnectBackoff(3))
	assert.Equal(t, maxReconnectDelay, reconnectBackoff(10))
	assert.Equal(t, maxReconnectDelay, reconnectBackoff(30))
}
