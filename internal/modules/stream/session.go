package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/modules/charts"
)

const (
	// Heartbeat contract: the server pings every pingPeriod and drops
	// sessions that do not answer within pongWait.
	pingPeriod = 20 * time.Second
	pongWait   = 45 * time.Second
	writeWait  = 10 * time.Second

	// queueCapacity bounds each session's outbound queue. When the
	// queue is full the oldest non-critical frame is evicted.
	queueCapacity = 256

	maxInboundBytes = 4 * 1024
)

// Session is one connected client stream bound to a single user. Frames
// are delivered in the order they were admitted.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	log    zerolog.Logger

	mu        sync.Mutex
	queue     []*Frame
	lag       int64
	topics    map[string]struct{}
	timeframe charts.Timeframe

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, userID string) *Session {
	return &Session{
		hub:       hub,
		conn:      conn,
		userID:    userID,
		log:       hub.log.With().Str("user_id", userID).Logger(),
		timeframe: charts.Timeframe1M,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// enqueue admits a frame to the outbound queue. When the queue is full
// the oldest non-critical frame is evicted and the lag counter bumped.
// A critical frame that cannot be admitted terminates the session; the
// client is expected to reconnect and resubscribe. Returns false only
// in that termination case.
func (s *Session) enqueue(f *Frame) bool {
	s.mu.Lock()
	if !s.wantsLocked(f.topic) {
		s.mu.Unlock()
		return true
	}
	dropped := false
	if len(s.queue) >= queueCapacity {
		switch {
		case s.evictOldestLocked():
			s.lag++
			dropped = true
		case f.critical:
			// Every queued frame is critical and so is this one.
			s.mu.Unlock()
			s.log.Warn().Msg("queue cannot admit critical alert, terminating session")
			s.close(websocket.ClosePolicyViolation, "stream lagging, reconnect")
			return false
		default:
			s.lag++
			s.mu.Unlock()
			s.hub.frameDropped()
			return true
		}
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	if dropped {
		s.hub.frameDropped()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) evictOldestLocked() bool {
	for i, queued := range s.queue {
		if !queued.critical {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// wantsLocked reports whether the session's subscription covers the
// topic. Control frames with an empty topic always pass.
func (s *Session) wantsLocked(topic string) bool {
	if topic == "" || len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *Session) next() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f
}

// Lag reports how many frames this session has dropped so far.
func (s *Session) Lag() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

func (s *Session) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) currentTimeframe() charts.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeframe
}

// close tears the connection down at most once. Safe to call from any
// goroutine; the read pump unwinds via the closed connection.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// writePump drains the queue onto the connection and keeps the
// heartbeat going.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		if f := s.next(); f != nil {
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
			continue
		}
		select {
		case <-s.wake:
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump consumes client messages until the connection drops, then
// detaches the session from the hub.
func (s *Session) readPump(ctx context.Context) {
	defer s.hub.detach(s)

	s.conn.SetReadLimit(maxInboundBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("stream read ended")
			}
			return
		}
		s.handleInbound(ctx, data)
	}
}

// clientMessage is the inbound envelope: subscribe, refresh or ping.
type clientMessage struct {
	Action    string   `json:"action"`
	Topics    []string `json:"topics,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

func (s *Session) handleInbound(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.enqueue(errorFrame("malformed message"))
		return
	}

	switch msg.Action {
	case "subscribe":
		if err := s.applySubscription(msg); err != nil {
			s.enqueue(errorFrame(err.Error()))
			return
		}
		s.hub.sendSnapshot(ctx, s)
	case "refresh":
		s.hub.sendSnapshot(ctx, s)
	case "ping":
		s.enqueue(newFrame(FramePong, "", nil))
	default:
		s.enqueue(errorFrame("unknown action: " + msg.Action))
	}
}

// applySubscription replaces the session's topic set and timeframe.
// Each subscribe is a fresh subscription; nothing sticks across
// reconnects.
func (s *Session) applySubscription(msg clientMessage) error {
	timeframe := s.currentTimeframe()
	if msg.Timeframe != "" {
		parsed, err := charts.ParseTimeframe(msg.Timeframe)
		if err != nil {
			return err
		}
		timeframe = parsed
	}

	topics := make(map[string]struct{}, len(msg.Topics))
	for _, topic := range msg.Topics {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic != "" {
			topics[topic] = struct{}{}
		}
	}

	s.mu.Lock()
	s.topics = topics
	s.timeframe = timeframe
	s.mu.Unlock()
	return nil
}
