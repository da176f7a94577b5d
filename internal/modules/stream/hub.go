// Package stream fans portfolio, price, order and alert events out to
// connected websocket clients. Each client opens a session scoped to
// one user; the hub routes bus events to that user's sessions with a
// bounded per-session queue.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/market"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/modules/charts"
	"github.com/monetahq/moneta/internal/modules/portfolio"
)

// snapshotTimeout bounds the valuation work done for one snapshot push.
const snapshotTimeout = 10 * time.Second

// SummarySource values a user's portfolio. Satisfied by the portfolio
// view service.
type SummarySource interface {
	Summary(ctx context.Context, userID string) (*portfolio.Summary, error)
}

// ChartSource produces the time-series frame for a timeframe. Satisfied
// by the charts service.
type ChartSource interface {
	Frame(ctx context.Context, userID string, timeframe charts.Timeframe) (*charts.Series, error)
}

// SessionClock reports where the exchange is in its trading day.
type SessionClock interface {
	SnapshotAt(t time.Time) market.Snapshot
}

// Stats summarizes hub state for health reporting.
type Stats struct {
	Users    int   `json:"users"`
	Sessions int   `json:"sessions"`
	Lag      int64 `json:"lagged_frames"`
}

// Hub keeps the per-user session registry and routes bus events to it.
type Hub struct {
	log       zerolog.Logger
	summaries SummarySource
	chartData ChartSource
	clock     SessionClock
	mirror    *metrics.Mirror

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	closed   bool

	unsubscribe []func()
}

// NewHub wires the hub into the event bus. A nil bus skips the
// subscriptions, which is only useful in tests that drive sessions
// directly.
func NewHub(
	bus *events.Bus,
	summaries SummarySource,
	chartData ChartSource,
	clock SessionClock,
	mirror *metrics.Mirror,
	log zerolog.Logger,
) *Hub {
	h := &Hub{
		log:       log.With().Str("component", "stream_hub").Logger(),
		summaries: summaries,
		chartData: chartData,
		clock:     clock,
		mirror:    mirror,
		sessions:  make(map[string]map[*Session]struct{}),
	}
	if bus != nil {
		h.unsubscribe = append(h.unsubscribe,
			bus.Subscribe(events.OrderUpdated, h.relayOrderUpdate),
			bus.Subscribe(events.OrderFilled, h.relayFill),
			bus.Subscribe(events.PriceUpdated, h.relayPriceUpdate),
			bus.Subscribe(events.AlertRaised, h.relayAlert),
			bus.Subscribe(events.SyncCompleted, h.relaySyncCompleted),
			bus.Subscribe(events.MarketStatusChanged, h.relayMarketStatus),
		)
	}
	return h
}

// ServeSession runs one client session until the connection drops. The
// caller owns the upgraded connection; the hub closes it on the way
// out.
func (h *Hub) ServeSession(ctx context.Context, conn *websocket.Conn, userID string) {
	s := newSession(h, conn, userID)
	if !h.attach(s) {
		_ = conn.Close()
		return
	}
	go s.writePump()
	s.readPump(ctx)
}

// Close detaches every session and stops routing bus events.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, fn := range h.unsubscribe {
		fn()
	}
	for _, s := range all {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	h.log.Info().Int("sessions", len(all)).Msg("stream hub closed")
}

// Stats reports connected users, sessions and cumulative dropped
// frames.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := Stats{Users: len(h.sessions)}
	for _, set := range h.sessions {
		stats.Sessions += len(set)
		for s := range set {
			stats.Lag += s.Lag()
		}
	}
	return stats
}

func (h *Hub) attach(s *Session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	set, ok := h.sessions[s.userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.mirror.SessionOpened()
	h.log.Info().Str("user_id", s.userID).Msg("stream session attached")
	return true
}

// detach removes the session from the registry. Idempotent, so the
// read pump and Close can race without double-counting.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	set, ok := h.sessions[s.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := set[s]; !present {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
	}
	h.mu.Unlock()

	s.close(websocket.CloseNormalClosure, "")
	h.mirror.SessionClosed()
	h.log.Info().Str("user_id", s.userID).Int64("lag", s.Lag()).Msg("stream session detached")
}

// sendSnapshot pushes the immediate state a subscriber expects before
// deltas start flowing: a portfolio_update then a chart_data frame.
func (h *Hub) sendSnapshot(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	summary, err := h.summaries.Summary(ctx, s.userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", s.userID).Msg("snapshot valuation failed")
		s.enqueue(errorFrame("portfolio snapshot unavailable"))
	} else {
		s.enqueue(portfolioFrame(summary, h.marketStatus()))
	}

	series, err := h.chartData.Frame(ctx, s.userID, s.currentTimeframe())
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", s.userID).Msg("snapshot chart failed")
		s.enqueue(errorFrame("chart data unavailable"))
		return
	}
	s.enqueue(newFrame(FrameChartData, TopicCharts, series))
}

func (h *Hub) relayOrderUpdate(ev *events.Event) {
	data, ok := ev.GetTypedData().(*events.OrderUpdateData)
	if !ok || data.UserID == "" {
		return
	}
	h.sendToUser(data.UserID, newFrame(FrameOrderUpdate, TopicOrders, data))
}

func (h *Hub) relayFill(ev *events.Event) {
	data, ok := ev.GetTypedData().(*events.FillData)
	if !ok || data.UserID == "" {
		return
	}
	h.sendToUser(data.UserID, newFrame(FrameFill, TopicOrders, data))
}

func (h *Hub) relayPriceUpdate(ev *events.Event) {
	data, ok := ev.GetTypedData().(*events.PriceUpdateData)
	if !ok || data.Symbol == "" {
		return
	}
	payload := map[string]decimal.Decimal{data.Symbol: data.Price}
	h.broadcast(newFrame(FramePriceUpdate, TopicPrices, payload))
}

// relayAlert routes a user alert to that user's sessions; alerts with
// no user are system-wide and go to everyone.
func (h *Hub) relayAlert(ev *events.Event) {
	data, ok := ev.GetTypedData().(*events.AlertData)
	if !ok {
		return
	}
	f := alertFrame(data, ev.Timestamp)
	if data.UserID == "" {
		h.broadcast(f)
		return
	}
	h.sendToUser(data.UserID, f)
}

// relaySyncCompleted revalues the synced user's portfolio and pushes a
// fresh portfolio_update, so clients see post-sync balances without
// polling.
func (h *Hub) relaySyncCompleted(ev *events.Event) {
	data, ok := ev.GetTypedData().(*events.SyncCompletedData)
	if !ok || data.UserID == "" || !h.hasSessions(data.UserID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	summary, err := h.summaries.Summary(ctx, data.UserID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", data.UserID).Msg("post-sync valuation failed")
		return
	}
	h.sendToUser(data.UserID, portfolioFrame(summary, h.marketStatus()))
}

// relayMarketStatus refreshes every connected user's portfolio_update
// when the exchange opens or closes.
func (h *Hub) relayMarketStatus(ev *events.Event) {
	data, ok := ev.GetTypedData().(*events.MarketStatusData)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	for _, userID := range h.connectedUsers() {
		summary, err := h.summaries.Summary(ctx, userID)
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("market-status valuation failed")
			continue
		}
		h.sendToUser(userID, portfolioFrame(summary, data.Status))
	}
}

func (h *Hub) sendToUser(userID string, f *Frame) {
	h.mu.RLock()
	set := h.sessions[userID]
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(f)
	}
}

func (h *Hub) broadcast(f *Frame) {
	h.mu.RLock()
	var targets []*Session
	for _, set := range h.sessions {
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(f)
	}
}

func (h *Hub) hasSessions(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

func (h *Hub) connectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.sessions))
	for userID := range h.sessions {
		users = append(users, userID)
	}
	return users
}

func (h *Hub) marketStatus() string {
	if h.clock == nil {
		return ""
	}
	return string(h.clock.SnapshotAt(time.Now()).Status)
}

func (h *Hub) frameDropped() {
	h.mirror.FrameDropped()
}
