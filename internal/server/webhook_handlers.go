package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/clients/alpaca"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/modules/portfolio"
	"github.com/monetahq/moneta/internal/reliability"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body,
// optionally prefixed with "sha256=".
const SignatureHeader = "X-Webhook-Signature"

const (
	maxWebhookBody  = 1 << 20 // 1 MiB
	webhookEventTTL = 24 * time.Hour
	dispatchTimeout = 30 * time.Second
)

// OrderSnapshotSink ingests broker order snapshots. Satisfied by the
// order service.
type OrderSnapshotSink interface {
	IngestSnapshot(ctx context.Context, snap *domain.BrokerOrderSnapshot) error
}

// AccountSyncTrigger resolves a custodian sync hint onto a local account
// and refreshes it. Satisfied by the portfolio sync service.
type AccountSyncTrigger interface {
	SyncExternalAccount(ctx context.Context, custodianSlug, externalID string) (*portfolio.AccountSyncResult, error)
}

// WebhookHandlers receives inbound custodian events: broker fills and
// sync hints. Requests are HMAC-verified against the per-custodian
// secret, deduplicated by event id, acknowledged immediately, and
// processed on a worker pool so slow engines never back up the sender's
// delivery queue.
type WebhookHandlers struct {
	secrets  map[string]string
	cache    *clientcache.Repository
	orders   OrderSnapshotSink
	syncs    AccountSyncTrigger
	dispatch *pond.WorkerPool
	log      zerolog.Logger
}

// NewWebhookHandlers creates the webhook endpoint. secrets is keyed by
// lower-case custodian slug; a custodian without a secret is treated as
// unknown. Call Close on shutdown to drain in-flight dispatches.
func NewWebhookHandlers(
	secrets map[string]string,
	cache *clientcache.Repository,
	orders OrderSnapshotSink,
	syncs AccountSyncTrigger,
	log zerolog.Logger,
) *WebhookHandlers {
	handlerLog := log.With().Str("handler", "webhooks").Logger()

	normalized := make(map[string]string, len(secrets))
	for slug, secret := range secrets {
		normalized[strings.ToLower(slug)] = secret
	}

	pool := pond.New(
		4, 256,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.PanicHandler(func(p interface{}) {
			handlerLog.Error().Interface("panic", p).Msg("Webhook dispatch panic recovered")
		}),
	)

	return &WebhookHandlers{
		secrets:  normalized,
		cache:    cache,
		orders:   orders,
		syncs:    syncs,
		dispatch: pool,
		log:      handlerLog,
	}
}

// Close drains the dispatch pool. Events already acknowledged finish
// processing; the sender has no reason to redeliver them.
func (h *WebhookHandlers) Close() {
	h.dispatch.StopAndWait()
}

// webhookEnvelope is the common wrapper custodians post. Data stays raw
// until the type-specific branch decodes it.
type webhookEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// syncHint names the custodian-side account that changed.
type syncHint struct {
	AccountID string `json:"account_id"`
}

// HandleWebhook verifies, deduplicates, and dispatches one inbound event.
// POST /webhooks/{custodian}
//
// 202 accepted, 200 duplicate, 401 bad signature or unknown custodian,
// 400 malformed payload, 503 dispatch queue full (sender retries).
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	custodian := strings.ToLower(chi.URLParam(r, "custodian"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httpx.WriteError(w, r, h.log, domain.NewValidationError(domain.CodeInvalidRequest, "failed to read request body"))
		return
	}

	// Unknown custodians get the same answer as bad signatures so the
	// endpoint never confirms which integrations exist.
	secret, ok := h.secrets[custodian]
	if !ok || !verifySignature(secret, r.Header.Get(SignatureHeader), body) {
		httpx.WriteError(w, r, h.log, domain.NewError(
			domain.CodeInvalidSignature, "signature verification failed",
			domain.CategoryAuthentication, domain.SeverityMedium))
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(w, r, h.log, domain.NewValidationError(domain.CodeInvalidRequest, "invalid webhook payload"))
		return
	}

	task, err := h.buildDispatch(custodian, &envelope)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if task == nil {
		// Verified but irrelevant event type. Acknowledge so the sender
		// stops redelivering it.
		h.log.Debug().Str("custodian", custodian).Str("type", envelope.Type).Msg("Ignoring webhook event type")
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	eventKey := dedupKey(custodian, &envelope, body)
	if h.seen(eventKey) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if !h.dispatch.TrySubmit(task) {
		// Not marked seen, so the sender's retry will be processed.
		h.log.Warn().Str("custodian", custodian).Msg("Webhook dispatch queue full, asking sender to retry")
		httpx.WriteError(w, r, h.log, domain.NewError(
			domain.CodeBrokerUnavailable, "event queue full, retry later",
			domain.CategorySystem, domain.SeverityHigh))
		return
	}
	h.markSeen(eventKey)

	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// buildDispatch parses the type-specific payload eagerly (so senders get
// a 400 for garbage, not a silent drop) and returns the engine call to
// run on the pool. A nil task with nil error means "verified, ignored".
func (h *WebhookHandlers) buildDispatch(custodian string, envelope *webhookEnvelope) (func(), error) {
	correlationID := "webhook-" + custodian
	if envelope.ID != "" {
		correlationID += "-" + envelope.ID
	}

	switch envelope.Type {
	case "trade_update", "fill", "order_update":
		if h.orders == nil {
			return nil, nil
		}
		snap, err := alpaca.ParseTradeUpdate(h.log, envelope.Data)
		if err != nil {
			return nil, domain.NewValidationError(domain.CodeInvalidRequest, "invalid trade update payload")
		}
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			ctx = reliability.WithCorrelationID(ctx, correlationID)

			if err := h.orders.IngestSnapshot(ctx, snap); err != nil {
				h.log.Error().Err(err).
					Str("broker_order_id", snap.BrokerOrderID).
					Msg("Failed to ingest webhook order snapshot")
			}
		}, nil

	case "sync", "sync_available", "transactions_ready", "holdings_updated":
		if h.syncs == nil {
			return nil, nil
		}
		var hint syncHint
		if err := json.Unmarshal(envelope.Data, &hint); err != nil || hint.AccountID == "" {
			return nil, domain.NewValidationError(domain.CodeInvalidRequest, "sync hint requires account_id")
		}
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			ctx = reliability.WithCorrelationID(ctx, correlationID)

			if _, err := h.syncs.SyncExternalAccount(ctx, custodian, hint.AccountID); err != nil {
				h.log.Error().Err(err).
					Str("custodian", custodian).
					Str("external_account_id", hint.AccountID).
					Msg("Failed to sync account from webhook hint")
			}
		}, nil
	}

	return nil, nil
}

// seen reports whether the event id was already accepted. Cache failures
// degrade to "not seen": reprocessing is safe because ingest and sync
// are idempotent, dropping a first delivery is not.
func (h *WebhookHandlers) seen(key string) bool {
	if h.cache == nil {
		return false
	}
	data, err := h.cache.GetIfFresh(clientcache.TableWebhookEvents, key)
	if err != nil {
		h.log.Warn().Err(err).Msg("Webhook dedup lookup failed")
		return false
	}
	return data != nil
}

func (h *WebhookHandlers) markSeen(key string) {
	if h.cache == nil {
		return
	}
	record := map[string]interface{}{"received_at": time.Now().UTC()}
	if err := h.cache.Store(clientcache.TableWebhookEvents, key, record, webhookEventTTL); err != nil {
		h.log.Warn().Err(err).Msg("Failed to record webhook event id")
	}
}

// dedupKey prefers the sender's event id; senders that omit one are
// deduplicated on the body hash instead.
func dedupKey(custodian string, envelope *webhookEnvelope, body []byte) string {
	if envelope.ID != "" {
		return custodian + ":" + envelope.ID
	}
	sum := sha256.Sum256(body)
	return custodian + ":sha256:" + hex.EncodeToString(sum[:])
}

// verifySignature checks the hex HMAC-SHA256 of the raw body. The
// comparison is constant-time; a "sha256=" prefix is tolerated.
func verifySignature(secret, header string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
