package stream

import (
	"strings"
	"time"

	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/modules/portfolio"
)

// Frame types on the wire.
const (
	FramePortfolioUpdate = "portfolio_update"
	FramePriceUpdate     = "price_update"
	FrameChartData       = "chart_data"
	FrameAlert           = "alert"
	FrameOrderUpdate     = "order_update"
	FrameFill            = "fill"
	FramePong            = "pong"
	FrameError           = "error"
)

// Topics a client can subscribe to. An empty topic set means everything.
const (
	TopicPortfolio = "portfolio"
	TopicPrices    = "prices"
	TopicCharts    = "charts"
	TopicAlerts    = "alerts"
	TopicOrders    = "orders"
)

// Frame is one outbound message. Control frames (pong, error) carry an
// empty topic and bypass the subscription filter.
type Frame struct {
	Type    string      `json:"type"`
	Ts      time.Time   `json:"ts"`
	Payload interface{} `json:"payload,omitempty"`

	topic    string
	critical bool
}

func newFrame(frameType, topic string, payload interface{}) *Frame {
	return &Frame{
		Type:    frameType,
		Ts:      time.Now().UTC(),
		Payload: payload,
		topic:   topic,
	}
}

// PortfolioPayload wraps the aggregate valuation with the session
// clock's view of the market.
type PortfolioPayload struct {
	*portfolio.Summary
	MarketStatus string `json:"market_status,omitempty"`
}

func portfolioFrame(summary *portfolio.Summary, marketStatus string) *Frame {
	return newFrame(FramePortfolioUpdate, TopicPortfolio, PortfolioPayload{
		Summary:      summary,
		MarketStatus: marketStatus,
	})
}

// AlertPayload is the wire form of a raised alert. Severity is always
// lower-case on the wire: low, medium, high or critical.
type AlertPayload struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func alertFrame(data *events.AlertData, raisedAt time.Time) *Frame {
	severity := normalizeSeverity(data.Severity)
	payload := AlertPayload{
		ID:        data.RuleID,
		Severity:  severity,
		Title:     titleFor(data.RuleID),
		Body:      data.Message,
		Timestamp: raisedAt,
	}
	if symbol, ok := data.Details["symbol"].(string); ok {
		payload.Symbol = symbol
	}
	f := newFrame(FrameAlert, TopicAlerts, payload)
	f.critical = severity == "critical"
	return f
}

func errorFrame(message string) *Frame {
	return newFrame(FrameError, "", map[string]string{"message": message})
}

// normalizeSeverity lower-cases the internal severity constants for the
// wire contract.
func normalizeSeverity(severity string) string {
	s := strings.ToLower(strings.TrimSpace(severity))
	switch s {
	case "low", "medium", "high", "critical":
		return s
	default:
		return "low"
	}
}

// titleFor turns a rule id like "strategy_drift_abc" into a short
// human-readable headline.
func titleFor(ruleID string) string {
	title := strings.TrimSpace(strings.ReplaceAll(ruleID, "_", " "))
	if title == "" {
		return "Alert"
	}
	return strings.ToUpper(title[:1]) + title[1:]
}
