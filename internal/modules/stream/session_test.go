package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/modules/charts"
)

// connPair upgrades one websocket connection and returns the server
// side. The client side stays open so control writes do not fail.
func connPair(t *testing.T) *websocket.Conn {
	t.Helper()

	upgraded := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-upgraded:
		t.Cleanup(func() { server.Close() })
		return server
	case <-time.After(2 * time.Second):
		t.Fatal("websocket upgrade did not complete")
		return nil
	}
}

// newQueueSession builds a session without starting its pumps, so the
// queue can be inspected deterministically.
func newQueueSession(t *testing.T) *Session {
	t.Helper()
	hub := NewHub(nil, nil, nil, nil, metrics.NewMirror(), zerolog.Nop())
	return newSession(hub, connPair(t), "user-1")
}

func criticalAlert(rule string) *Frame {
	return alertFrame(&events.AlertData{
		RuleID:   rule,
		Severity: "CRITICAL",
		Message:  "unavailable",
	}, time.Now())
}

func TestEnqueueEvictsOldestNonCriticalWhenFull(t *testing.T) {
	s := newQueueSession(t)

	for i := 0; i < queueCapacity; i++ {
		require.True(t, s.enqueue(newFrame(FramePriceUpdate, TopicPrices, i)))
	}
	require.Equal(t, queueCapacity, s.queueLen())

	require.True(t, s.enqueue(newFrame(FramePriceUpdate, TopicPrices, "latest")))

	assert.Equal(t, queueCapacity, s.queueLen())
	assert.EqualValues(t, 1, s.Lag())

	head := s.next()
	require.NotNil(t, head)
	assert.Equal(t, 1, head.Payload, "frame 0 should have been evicted")

	var last *Frame
	for f := s.next(); f != nil; f = s.next() {
		last = f
	}
	require.NotNil(t, last)
	assert.Equal(t, "latest", last.Payload)
}

func TestEnqueueNeverEvictsCriticalFrames(t *testing.T) {
	s := newQueueSession(t)

	require.True(t, s.enqueue(criticalAlert("database_down")))
	for i := 0; i < queueCapacity-1; i++ {
		require.True(t, s.enqueue(newFrame(FramePriceUpdate, TopicPrices, i)))
	}

	// Full queue with the critical alert at the head: the eviction must
	// pick the oldest price frame, not the alert.
	require.True(t, s.enqueue(newFrame(FramePriceUpdate, TopicPrices, "fresh")))

	head := s.next()
	require.NotNil(t, head)
	assert.Equal(t, FrameAlert, head.Type)

	second := s.next()
	require.NotNil(t, second)
	assert.Equal(t, 1, second.Payload, "price frame 0 should have been evicted")
}

func TestEnqueueDropsNonCriticalWhenQueueIsAllCritical(t *testing.T) {
	s := newQueueSession(t)

	for i := 0; i < queueCapacity; i++ {
		require.True(t, s.enqueue(criticalAlert("meltdown")))
	}

	require.True(t, s.enqueue(newFrame(FramePriceUpdate, TopicPrices, nil)))

	assert.Equal(t, queueCapacity, s.queueLen())
	assert.EqualValues(t, 1, s.Lag())
	assert.Equal(t, FrameAlert, s.next().Type)
}

func TestEnqueueTerminatesWhenCriticalCannotBeAdmitted(t *testing.T) {
	s := newQueueSession(t)

	for i := 0; i < queueCapacity; i++ {
		require.True(t, s.enqueue(criticalAlert("meltdown")))
	}

	admitted := s.enqueue(criticalAlert("meltdown"))

	assert.False(t, admitted)
	select {
	case <-s.done:
	default:
		t.Fatal("session should have been terminated")
	}
}

func TestEnqueueFiltersUnsubscribedTopics(t *testing.T) {
	s := newQueueSession(t)
	require.NoError(t, s.applySubscription(clientMessage{
		Action:    "subscribe",
		Topics:    []string{" Alerts "},
		Timeframe: "1W",
	}))
	assert.Equal(t, charts.Timeframe1W, s.currentTimeframe())

	s.enqueue(newFrame(FramePriceUpdate, TopicPrices, nil))
	assert.Equal(t, 0, s.queueLen(), "unsubscribed topic should be skipped")

	s.enqueue(alertFrame(&events.AlertData{RuleID: "r", Severity: "LOW", Message: "m"}, time.Now()))
	assert.Equal(t, 1, s.queueLen())

	// Control frames bypass the topic filter.
	s.enqueue(newFrame(FramePong, "", nil))
	assert.Equal(t, 2, s.queueLen())
}

func TestApplySubscriptionRejectsBadTimeframe(t *testing.T) {
	s := newQueueSession(t)

	err := s.applySubscription(clientMessage{Action: "subscribe", Timeframe: "2W"})

	require.Error(t, err)
	assert.Equal(t, charts.Timeframe1M, s.currentTimeframe(), "default timeframe should survive a bad subscribe")
}

func TestNextPreservesFIFO(t *testing.T) {
	s := newQueueSession(t)
	for i := 1; i <= 3; i++ {
		s.enqueue(newFrame(FramePriceUpdate, TopicPrices, i))
	}

	assert.Equal(t, 1, s.next().Payload)
	assert.Equal(t, 2, s.next().Payload)
	assert.Equal(t, 3, s.next().Payload)
	assert.Nil(t, s.next())
}

func TestAlertFramePayload(t *testing.T) {
	raised := time.Now().UTC()
	f := alertFrame(&events.AlertData{
		RuleID:   "high_error_rate",
		Severity: "CRITICAL",
		Message:  "5xx rate above threshold",
		Details:  map[string]interface{}{"symbol": "AAPL"},
	}, raised)

	require.True(t, f.critical)
	payload, ok := f.Payload.(AlertPayload)
	require.True(t, ok)
	assert.Equal(t, "high_error_rate", payload.ID)
	assert.Equal(t, "critical", payload.Severity)
	assert.Equal(t, "High error rate", payload.Title)
	assert.Equal(t, "5xx rate above threshold", payload.Body)
	assert.Equal(t, "AAPL", payload.Symbol)
	assert.Equal(t, raised, payload.Timestamp)
}

func TestAlertFrameUnknownSeverityDefaultsToLow(t *testing.T) {
	f := alertFrame(&events.AlertData{RuleID: "odd", Severity: "SHRUG", Message: "m"}, time.Now())

	assert.False(t, f.critical)
	assert.Equal(t, "low", f.Payload.(AlertPayload).Severity)
}
