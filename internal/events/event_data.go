package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// OrderUpdateData contains data for OrderUpdated events
type OrderUpdateData struct {
	OrderID           string           `json:"order_id"`
	UserID            string           `json:"user_id"`
	AccountID         string           `json:"account_id"`
	Symbol            string           `json:"symbol"`
	Side              string           `json:"side"`
	State             string           `json:"state"`
	PreviousState     string           `json:"previous_state,omitempty"`
	Quantity          decimal.Decimal  `json:"quantity"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	AvgFillPrice      *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Reason            string           `json:"reason,omitempty"`
}

// EventType returns the event type for OrderUpdateData
func (d *OrderUpdateData) EventType() EventType {
	return OrderUpdated
}

// FillData contains data for OrderFilled events. Quantity is the delta
// applied by this fill, not the cumulative total.
type FillData struct {
	OrderID        string           `json:"order_id"`
	UserID         string           `json:"user_id"`
	AccountID      string           `json:"account_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	State          string           `json:"state"`
}

// EventType returns the event type for FillData
func (d *FillData) EventType() EventType {
	return OrderFilled
}

// AccountUpdateData contains data for AccountUpdated events
type AccountUpdateData struct {
	AccountID        string          `json:"account_id"`
	UserID           string          `json:"user_id"`
	Name             string          `json:"name"`
	CustodianSlug    string          `json:"custodian_slug,omitempty"`
	SyncStatus       string          `json:"sync_status,omitempty"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Currency         string          `json:"currency"`
}

// EventType returns the event type for AccountUpdateData
func (d *AccountUpdateData) EventType() EventType {
	return AccountUpdated
}

// HoldingUpdateData contains data for HoldingUpdated events
type HoldingUpdateData struct {
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	MarketValue decimal.Decimal `json:"market_value"`
	Currency    string          `json:"currency"`
	Removed     bool            `json:"removed,omitempty"`
}

// EventType returns the event type for HoldingUpdateData
func (d *HoldingUpdateData) EventType() EventType {
	return HoldingUpdated
}

// PriceUpdateData contains data for PriceUpdated events
type PriceUpdateData struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	AsOf     time.Time       `json:"as_of"`
}

// EventType returns the event type for PriceUpdateData
func (d *PriceUpdateData) EventType() EventType {
	return PriceUpdated
}

// SyncCompletedData contains data for SyncCompleted events
type SyncCompletedData struct {
	UserID   string  `json:"user_id"`
	Total    int     `json:"total"`
	Synced   int     `json:"synced"`
	Failed   int     `json:"failed"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration,omitempty"`
}

// EventType returns the event type for SyncCompletedData
func (d *SyncCompletedData) EventType() EventType {
	return SyncCompleted
}

// AlertData contains data for AlertRaised events
type AlertData struct {
	RuleID   string                 `json:"rule_id"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	UserID   string                 `json:"user_id,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// EventType returns the event type for AlertData
func (d *AlertData) EventType() EventType {
	return AlertRaised
}

// BrokerStreamStatusData contains data for BrokerStreamStatusChanged events
type BrokerStreamStatusData struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for BrokerStreamStatusData
func (d *BrokerStreamStatusData) EventType() EventType {
	return BrokerStreamStatusChanged
}

// MarketStatusData contains data for MarketStatusChanged events
type MarketStatusData struct {
	Status    string    `json:"status"` // "open" or "closed"
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	Timezone  string    `json:"timezone"`
}

// EventType returns the event type for MarketStatusData
func (d *MarketStatusData) EventType() EventType {
	return MarketStatusChanged
}

// TaskStatusData contains data for task lifecycle events
type TaskStatusData struct {
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	Status    string    `json:"status"` // "started", "completed", "failed"
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the event type for TaskStatusData
// Note: The actual event type is determined by the Status field
func (d *TaskStatusData) EventType() EventType {
	switch d.Status {
	case "started":
		return TaskStarted
	case "completed":
		return TaskCompleted
	case "failed":
		return TaskFailed
	default:
		return TaskStarted
	}
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	// Marshal the data separately
	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Unmarshal data based on event type
	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case OrderUpdated:
			eventData = &OrderUpdateData{}
		case OrderFilled:
			eventData = &FillData{}
		case AccountUpdated:
			eventData = &AccountUpdateData{}
		case HoldingUpdated:
			eventData = &HoldingUpdateData{}
		case PriceUpdated:
			eventData = &PriceUpdateData{}
		case SyncCompleted:
			eventData = &SyncCompletedData{}
		case AlertRaised:
			eventData = &AlertData{}
		case BrokerStreamStatusChanged:
			eventData = &BrokerStreamStatusData{}
		case MarketStatusChanged:
			eventData = &MarketStatusData{}
		case TaskStarted, TaskCompleted, TaskFailed:
			eventData = &TaskStatusData{}
		default:
			// For unknown types, use raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			// Convert to generic data type
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if _, ok := eventData.(*GenericEventData); !ok {
			if err := json.Unmarshal(aux.Data, eventData); err != nil {
				return err
			}
		}
		e.Data = eventData
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
