package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBus_PublishDelivers tests that a subscriber receives published events
func TestBus_PublishDelivers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	received := make(chan *Event, 1)
	_ = bus.Subscribe(OrderUpdated, func(event *Event) {
		received <- event
	})

	bus.Publish(&Event{
		Type:   OrderUpdated,
		Module: "orders",
		Data:   map[string]interface{}{"order_id": "ord_1"},
	})

	select {
	case event := <-received:
		assert.Equal(t, OrderUpdated, event.Type)
		assert.Equal(t, "orders", event.Module)
		assert.Equal(t, "ord_1", event.Data["order_id"])
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("Expected event not received")
	}
}

// TestBus_TypeIsolation tests that subscribers only see their own type
func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	received := make(chan *Event, 2)
	_ = bus.Subscribe(PriceUpdated, func(event *Event) {
		received <- event
	})

	bus.Publish(&Event{Type: OrderUpdated, Module: "orders"})
	bus.Publish(&Event{Type: PriceUpdated, Module: "marketdata"})

	select {
	case event := <-received:
		assert.Equal(t, PriceUpdated, event.Type)
	case <-time.After(time.Second):
		t.Fatal("Expected PriceUpdated event not received")
	}

	select {
	case event := <-received:
		t.Fatalf("Unexpected second event: %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestBus_FIFOPerSubscriber tests per-subscriber delivery order
func TestBus_FIFOPerSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	const count = 50
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_ = bus.Subscribe(OrderFilled, func(event *Event) {
		mu.Lock()
		got = append(got, event.Data["order_id"].(string))
		if len(got) == count {
			close(done)
		}
		mu.Unlock()
	})

	want := make([]string, count)
	for i := 0; i < count; i++ {
		id := "ord_" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		want[i] = id
		bus.Publish(&Event{
			Type: OrderFilled,
			Data: map[string]interface{}{"order_id": id},
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Did not receive all events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

// TestBus_Unsubscribe tests that an unsubscribed handler stops receiving
func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	received := make(chan *Event, 2)
	unsubscribe := bus.Subscribe(AlertRaised, func(event *Event) {
		received <- event
	})

	assert.Equal(t, 1, bus.SubscriberCount(AlertRaised))

	bus.Publish(&Event{Type: AlertRaised})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("Expected event before unsubscribe")
	}

	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount(AlertRaised))

	bus.Publish(&Event{Type: AlertRaised})
	select {
	case <-received:
		t.Fatal("Received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestBus_PublishAfterClose tests that a closed bus drops events quietly
func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	received := make(chan *Event, 1)
	_ = bus.Subscribe(SyncCompleted, func(event *Event) {
		received <- event
	})

	bus.Close()
	bus.Publish(&Event{Type: SyncCompleted})

	select {
	case <-received:
		t.Fatal("Received event after close")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestManager_EmitTyped tests that typed payloads reach subscribers with
// both the typed struct and the flattened generic map
func TestManager_EmitTyped(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()
	manager := NewManager(bus, zerolog.Nop())

	received := make(chan Event, 1)
	_ = bus.Subscribe(OrderFilled, func(event *Event) {
		received <- *event
	})

	manager.EmitTyped(OrderFilled, "orders", &FillData{
		OrderID:        "ord_9",
		UserID:         "usr_1",
		AccountID:      "acc_1",
		Symbol:         "AAPL",
		Side:           "BUY",
		Quantity:       decimal.RequireFromString("2.5"),
		FilledQuantity: decimal.RequireFromString("7.5"),
		State:          "PARTIALLY_FILLED",
	})

	select {
	case event := <-received:
		typed := event.GetTypedData()
		require.NotNil(t, typed)
		fill, ok := typed.(*FillData)
		require.True(t, ok)
		assert.Equal(t, "ord_9", fill.OrderID)
		assert.True(t, fill.Quantity.Equal(decimal.RequireFromString("2.5")))

		// Generic map mirrors the typed payload.
		require.NotNil(t, event.Data)
		assert.Equal(t, "AAPL", event.Data["symbol"])
		assert.Equal(t, "2.5", event.Data["quantity"])
	case <-time.After(time.Second):
		t.Fatal("Expected fill event not received")
	}
}

// TestManager_Emit tests generic emission
func TestManager_Emit(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()
	manager := NewManager(bus, zerolog.Nop())

	received := make(chan *Event, 1)
	_ = bus.Subscribe(MarketStatusChanged, func(event *Event) {
		received <- event
	})

	manager.Emit(MarketStatusChanged, "market", map[string]interface{}{"status": "open"})

	select {
	case event := <-received:
		assert.Equal(t, "open", event.Data["status"])
		assert.Nil(t, event.GetTypedData())
	case <-time.After(time.Second):
		t.Fatal("Expected market status event not received")
	}
}

// TestTaskStatusData_EventType tests EventType() returns correct type based on Status
func TestTaskStatusData_EventType(t *testing.T) {
	testCases := []struct {
		status       string
		expectedType EventType
	}{
		{"started", TaskStarted},
		{"completed", TaskCompleted},
		{"failed", TaskFailed},
		{"unknown", TaskStarted}, // Fallback to TaskStarted
	}

	for _, tc := range testCases {
		t.Run(tc.status, func(t *testing.T) {
			data := &TaskStatusData{Status: tc.status}
			assert.Equal(t, tc.expectedType, data.EventType())
		})
	}
}

// TestEventWithData_RoundTrip tests the type-switched deserialization
func TestEventWithData_RoundTrip(t *testing.T) {
	price := decimal.RequireFromString("184.20")
	original := &EventWithData{
		Type:      OrderUpdated,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Module:    "orders",
		Data: &OrderUpdateData{
			OrderID:           "ord_42",
			UserID:            "usr_1",
			AccountID:         "acc_1",
			Symbol:            "MSFT",
			Side:              "SELL",
			State:             "FILLED",
			PreviousState:     "PARTIALLY_FILLED",
			Quantity:          decimal.RequireFromString("10"),
			FilledQuantity:    decimal.RequireFromString("10"),
			RemainingQuantity: decimal.Zero,
			AvgFillPrice:      &price,
		},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, OrderUpdated, decoded.Type)
	update, ok := decoded.Data.(*OrderUpdateData)
	require.True(t, ok, "Data should decode to OrderUpdateData")
	assert.Equal(t, "ord_42", update.OrderID)
	assert.Equal(t, "FILLED", update.State)
	require.NotNil(t, update.AvgFillPrice)
	assert.True(t, update.AvgFillPrice.Equal(price))
}

// TestEventWithData_UnknownType tests the generic fallback path
func TestEventWithData_UnknownType(t *testing.T) {
	raw := []byte(`{"type":"custom_probe","timestamp":"2026-01-05T10:00:00Z","module":"ops","data":{"probe":"ok"}}`)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("custom_probe"), generic.EventType())
	assert.Equal(t, "ok", generic.Data["probe"])
}
