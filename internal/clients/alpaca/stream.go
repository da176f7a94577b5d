package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/reliability"
)

const (
	streamWriteWait   = 10 * time.Second
	streamDialTimeout = 30 * time.Second
	ingestTimeout     = 30 * time.Second

	baseReconnectDelay   = 2 * time.Second
	maxReconnectDelay    = 2 * time.Minute
	maxReconnectAttempts = 10
)

// SnapshotSink consumes order snapshots pushed by the broker stream.
// The order engine implements this; ingest must be idempotent because
// the broker replays updates after reconnects.
type SnapshotSink interface {
	IngestSnapshot(ctx context.Context, snap *domain.BrokerOrderSnapshot) error
}

// FillStream maintains the outbound WebSocket to the broker's order
// update channel. Fills arrive here seconds before polling would see
// them; the REST reconcile path remains the source of truth when the
// stream is down.
type FillStream struct {
	url       string
	apiKey    string
	apiSecret string

	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	sink         SnapshotSink
	eventManager *events.Manager
	log          zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// NewFillStream creates a broker fill-stream client.
func NewFillStream(url, apiKey, apiSecret string, sink SnapshotSink, eventManager *events.Manager, log zerolog.Logger) *FillStream {
	return &FillStream{
		url:          url,
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		httpClient:   &http.Client{Timeout: streamDialTimeout},
		sink:         sink,
		eventManager: eventManager,
		log:          log.With().Str("component", "broker_fill_stream").Logger(),
		stopChan:     make(chan struct{}),
	}
}

// Start connects and begins the read loop. A failed initial connection
// is not fatal; reconnection continues in the background.
func (s *FillStream) Start() error {
	s.log.Info().Str("url", s.url).Msg("Starting broker fill stream")

	if err := s.Connect(); err != nil {
		s.log.Warn().Err(err).Msg("Initial fill stream connection failed, will retry in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readMessages(ctx)

	return nil
}

// Stop shuts the stream down and prevents reconnection.
func (s *FillStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info().Msg("Stopping broker fill stream")
	close(s.stopChan)
	return s.disconnect("shutdown")
}

// IsConnected reports the current connection state.
func (s *FillStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// authRequest is the broker's stream authentication frame.
type authRequest struct {
	Action string   `json:"action"`
	Data   authData `json:"data"`
}

type authData struct {
	KeyID     string `json:"key_id"`
	SecretKey string `json:"secret_key"`
}

// listenRequest subscribes to the trade_updates channel.
type listenRequest struct {
	Action string     `json:"action"`
	Data   listenData `json:"data"`
}

type listenData struct {
	Streams []string `json:"streams"`
}

// streamEnvelope is the broker's {"stream": ..., "data": ...} framing.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authorizationData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

// tradeUpdate is one order lifecycle event from the broker. The embedded
// order carries cumulative fill state, so each update is a full snapshot.
type tradeUpdate struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Order     orderPayload `json:"order"`
}

// ParseTradeUpdate decodes a trade-update payload into a broker order
// snapshot. Webhook deliveries and stream frames carry the same shape,
// so the webhook endpoint parses through here too.
func ParseTradeUpdate(log zerolog.Logger, raw []byte) (*domain.BrokerOrderSnapshot, error) {
	var update tradeUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("failed to parse trade update: %w", err)
	}
	if update.Order.ID == "" && update.Order.ClientOrderID == "" {
		return nil, fmt.Errorf("trade update carries no order identifiers")
	}

	snap := snapshotFrom(log, &update.Order)
	if !update.Timestamp.IsZero() {
		snap.AsOf = update.Timestamp
	}
	return snap, nil
}

// Connect dials the stream and completes the auth + listen handshake.
func (s *FillStream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), streamDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial broker stream: %w", err)
	}
	// Raise the read limit; bursts of trade updates can exceed the
	// library's 32 KiB default.
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())

	if err := s.handshake(connCtx, conn); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return err
	}

	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	s.log.Info().Msg("Broker fill stream connected")
	s.emitStatus(true, "")
	return nil
}

// handshake authenticates and subscribes to trade updates.
func (s *FillStream) handshake(ctx context.Context, conn *websocket.Conn) error {
	if err := s.write(ctx, conn, authRequest{
		Action: "authenticate",
		Data:   authData{KeyID: s.apiKey, SecretKey: s.apiSecret},
	}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
	defer cancel()

	_, message, err := conn.Read(readCtx)
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("failed to parse auth response: %w", err)
	}
	if envelope.Stream != "authorization" {
		return fmt.Errorf("unexpected handshake frame %q", envelope.Stream)
	}

	var auth authorizationData
	if err := json.Unmarshal(envelope.Data, &auth); err != nil {
		return fmt.Errorf("failed to parse authorization data: %w", err)
	}
	if auth.Status != "authorized" {
		return fmt.Errorf("broker stream authorization failed: status=%s", auth.Status)
	}

	if err := s.write(ctx, conn, listenRequest{
		Action: "listen",
		Data:   listenData{Streams: []string{"trade_updates"}},
	}); err != nil {
		return fmt.Errorf("failed to subscribe to trade updates: %w", err)
	}

	return nil
}

func (s *FillStream) write(ctx context.Context, conn *websocket.Conn, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *FillStream) disconnect(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}

	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil

	if s.connected {
		s.connected = false
		s.emitStatus(false, reason)
	}

	if err != nil {
		return fmt.Errorf("error closing broker stream: %w", err)
	}
	return nil
}

// readMessages consumes trade updates until the connection drops.
func (s *FillStream) readMessages(ctx context.Context) {
	defer func() {
		s.markDisconnected("read loop ended")
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("Broker stream closed normally")
			} else if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("Broker stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := s.handleMessage(message); err != nil {
			s.log.Error().Err(err).Msg("Failed to handle broker stream message")
		}
	}
}

func (s *FillStream) handleMessage(message []byte) error {
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("failed to parse stream envelope: %w", err)
	}

	switch envelope.Stream {
	case "trade_updates":
		var update tradeUpdate
		if err := json.Unmarshal(envelope.Data, &update); err != nil {
			return fmt.Errorf("failed to parse trade update: %w", err)
		}
		s.handleTradeUpdate(&update)
		return nil
	case "listening":
		s.log.Debug().Msg("Broker stream listening confirmation received")
		return nil
	default:
		s.log.Debug().Str("stream", envelope.Stream).Msg("Ignoring unknown stream frame")
		return nil
	}
}

// handleTradeUpdate maps the update to a snapshot and hands it to the
// order engine. Ingest errors are logged, never fatal to the stream;
// reconcile will repair anything a failed ingest missed.
func (s *FillStream) handleTradeUpdate(update *tradeUpdate) {
	snap := snapshotFrom(s.log, &update.Order)
	if !update.Timestamp.IsZero() {
		snap.AsOf = update.Timestamp
	}

	s.log.Debug().
		Str("event", update.Event).
		Str("broker_order_id", snap.BrokerOrderID).
		Str("state", string(snap.State)).
		Str("filled_quantity", snap.FilledQuantity.String()).
		Msg("Trade update received")

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	ctx = reliability.WithCorrelationID(ctx, "stream-"+snap.BrokerOrderID)

	if err := s.sink.IngestSnapshot(ctx, snap); err != nil {
		s.log.Error().Err(err).
			Str("broker_order_id", snap.BrokerOrderID).
			Msg("Failed to ingest streamed order snapshot")
	}
}

func (s *FillStream) markDisconnected(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		s.emitStatus(false, reason)
	}
}

// emitStatus publishes connection state changes. Callers hold s.mu.
func (s *FillStream) emitStatus(connected bool, reason string) {
	if s.eventManager == nil {
		return
	}
	s.eventManager.EmitTyped(events.BrokerStreamStatusChanged, "alpaca", &events.BrokerStreamStatusData{
		Connected: connected,
		Reason:    reason,
	})
}

// reconnectLoop retries the connection with exponential backoff.
func (s *FillStream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := reconnectBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting broker fill stream")
		} else {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Broker fill stream still down, continuing to retry")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.Connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Broker fill stream reconnection failed")
			continue
		}

		s.log.Info().Int("attempt", attempt).Msg("Broker fill stream reconnected")

		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(ctx)
		return
	}
}

func reconnectBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
