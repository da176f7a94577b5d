package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/reliability"
)

// limitDriftWarnThreshold flags limit prices more than 5% away from the
// current market price.
var limitDriftWarnThreshold = decimal.NewFromFloat(0.05)

// largeOrderWarnThreshold flags single orders whose notional exceeds half
// the account's current value.
var largeOrderWarnThreshold = decimal.NewFromFloat(0.5)

// AccountStore is the slice of the account layer the order engine needs:
// lookups for validation and balance adjustment on fills.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	AdjustAvailableBalance(ctx context.Context, accountID string, delta decimal.Decimal) error
}

// PositionSource reports the currently held quantity of a symbol in an
// account. Used by the sell-side share check.
type PositionSource interface {
	Quantity(ctx context.Context, accountID, symbol string) (decimal.Decimal, error)
}

// QuoteCache provides reference prices for validation. Put lets the
// engine backfill quotes it had to fetch from the broker directly.
type QuoteCache interface {
	Price(symbol string) (decimal.Decimal, bool)
	Put(quotes []domain.BrokerQuote)
}

// SubmitRequest carries one order submission. The idempotency key is
// client-supplied; when empty the engine generates one.
type SubmitRequest struct {
	UserID         string             `json:"user_id"`
	AccountID      string             `json:"account_id"`
	Symbol         string             `json:"symbol"`
	Side           domain.OrderSide   `json:"side"`
	Type           domain.OrderType   `json:"type"`
	TimeInForce    domain.TimeInForce `json:"time_in_force"`
	Quantity       decimal.Decimal    `json:"quantity"`
	LimitPrice     *decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal   `json:"stop_price,omitempty"`
	IdempotencyKey string             `json:"client_idempotency_key,omitempty"`
}

// SubmitResult is the outcome of SubmitOrder. Replayed is true when the
// idempotency key matched an existing order and no new order was created.
type SubmitResult struct {
	Order    *domain.Order         `json:"order"`
	Warnings []domain.OrderWarning `json:"warnings,omitempty"`
	Replayed bool                  `json:"replayed,omitempty"`
}

// ReconcileSummary reports the outcome of a reconcile sweep.
type ReconcileSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Adopted int `json:"adopted"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Service is the order lifecycle engine. It owns every transition of an
// order from submission to a terminal state and is the only writer of the
// orders table. Work on a single order is serialized through a per-order
// lock; broker round-trips happen outside any database transaction.
type Service struct {
	repo      *Repository
	accounts  AccountStore
	positions PositionSource
	quotes    QuoteCache
	broker    domain.BrokerClient
	events    *events.Manager
	mirror    *metrics.Mirror
	locks     *keyLocks
	log       zerolog.Logger
}

// NewService creates the order engine. mirror may be nil in tests.
func NewService(
	repo *Repository,
	accounts AccountStore,
	positions PositionSource,
	quotes QuoteCache,
	broker domain.BrokerClient,
	eventManager *events.Manager,
	mirror *metrics.Mirror,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		accounts:  accounts,
		positions: positions,
		quotes:    quotes,
		broker:    broker,
		events:    eventManager,
		mirror:    mirror,
		locks:     newKeyLocks(),
		log:       log.With().Str("component", "order_engine").Logger(),
	}
}

// SubmitOrder validates the request, persists the order in PENDING, and
// attempts broker submission. The idempotency key is persisted before the
// broker call; submitting the same key twice returns the original order.
//
// A broker refusal is not an error of this operation: the order comes
// back in REJECTED with the broker's reason recorded. An open circuit or
// exhausted retries leave the order PENDING for the reconcile sweep and
// surface BROKER_UNAVAILABLE.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	req.Symbol = domain.NormalizeSymbol(req.Symbol)

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	} else if existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		// Keys are unique across the table; a replay only counts for the
		// user who owns the original order.
		if existing.UserID != req.UserID {
			return nil, domain.NewError(domain.CodeDuplicate,
				"an order with this idempotency key already exists", domain.CategoryBusinessLogic, domain.SeverityLow)
		}
		s.log.Debug().
			Str("order_id", existing.ID).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Submission replayed by idempotency key")
		return &SubmitResult{Order: existing, Replayed: true}, nil
	}

	account, err := s.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != req.UserID {
		return nil, domain.NewNotFoundError("account " + req.AccountID + " not found")
	}
	if !account.IsActive {
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, "account is inactive")
	}

	warnings, err := s.validate(ctx, &req, account)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		UserID:         req.UserID,
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		TimeInForce:    req.TimeInForce,
		State:          domain.OrderStatePending,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		FilledQuantity: decimal.Zero,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := s.repo.Create(ctx, order); err != nil {
		// Lost a race against a concurrent submit with the same key.
		if domain.CodeOf(err) == domain.CodeDuplicate {
			existing, getErr := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil && existing != nil && existing.UserID == req.UserID {
				return &SubmitResult{Order: existing, Replayed: true, Warnings: warnings}, nil
			}
		}
		return nil, err
	}

	unlock := s.locks.Lock(order.ID)
	defer unlock()

	s.publishOrderUpdate(order, "", "")

	if err := s.submitToBroker(ctx, order); err != nil {
		return nil, err
	}

	return &SubmitResult{Order: order, Warnings: warnings}, nil
}

// validate applies the submission rules in order and collects the
// non-fatal warnings. The account row is already loaded by the caller.
func (s *Service) validate(ctx context.Context, req *SubmitRequest, account *domain.Account) ([]domain.OrderWarning, error) {
	if !req.Quantity.IsPositive() {
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, "quantity must be positive")
	}
	if req.Symbol == "" {
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, "symbol is required")
	}
	switch req.Side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, fmt.Sprintf("unknown side %q", req.Side))
	}
	switch req.Type {
	case domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop, domain.OrderTypeStopLimit:
	default:
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, fmt.Sprintf("unknown order type %q", req.Type))
	}
	if req.Type.RequiresLimitPrice() && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, string(req.Type)+" orders require a positive limit price")
	}
	if req.Type.RequiresStopPrice() && (req.StopPrice == nil || !req.StopPrice.IsPositive()) {
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, string(req.Type)+" orders require a positive stop price")
	}

	marketPrice, haveMarket := s.referencePrice(ctx, req.Symbol)

	if req.Type == domain.OrderTypeStopLimit && haveMarket {
		if err := checkStopLimitReachable(req, marketPrice); err != nil {
			return nil, err
		}
	}

	if req.Side == domain.OrderSideBuy {
		// Estimated notional uses the limit price when present, else the
		// current market price. A buy that cannot be priced at all cannot
		// pass the funds check and is refused.
		refPrice := marketPrice
		if req.LimitPrice != nil {
			refPrice = *req.LimitPrice
		} else if !haveMarket {
			return nil, domain.NewValidationError(domain.CodeInvalidOrder, "no reference price available for "+req.Symbol)
		}
		notional := req.Quantity.Mul(refPrice)
		if notional.GreaterThan(account.AvailableBalance) {
			return nil, domain.NewBusinessError(domain.CodeInsufficientFunds,
				fmt.Sprintf("order notional %s exceeds available balance %s", notional.StringFixed(2), account.AvailableBalance.StringFixed(2)))
		}
	} else {
		held, err := s.positions.Quantity(ctx, req.AccountID, req.Symbol)
		if err != nil {
			return nil, err
		}
		reserved, err := s.repo.ReservedSellQuantity(ctx, req.AccountID, req.Symbol)
		if err != nil {
			return nil, err
		}
		available := held.Sub(reserved)
		if req.Quantity.GreaterThan(available) {
			return nil, domain.NewBusinessError(domain.CodeInsufficientShares,
				fmt.Sprintf("sell of %s exceeds available position %s (%s held, %s reserved)",
					req.Quantity.String(), available.String(), held.String(), reserved.String()))
		}
	}

	if !req.Type.AllowsTimeInForce(req.TimeInForce) {
		return nil, domain.NewValidationError(domain.CodeInvalidOrder,
			string(req.TimeInForce)+" is only valid for MARKET and LIMIT orders")
	}
	switch req.TimeInForce {
	case domain.TimeInForceDay, domain.TimeInForceGTC, domain.TimeInForceIOC, domain.TimeInForceFOK:
	default:
		return nil, domain.NewValidationError(domain.CodeInvalidOrder, fmt.Sprintf("unknown time in force %q", req.TimeInForce))
	}

	var warnings []domain.OrderWarning
	if req.LimitPrice != nil && haveMarket && marketPrice.IsPositive() {
		drift := req.LimitPrice.Sub(marketPrice).Abs().Div(marketPrice)
		if drift.GreaterThan(limitDriftWarnThreshold) {
			warnings = append(warnings, domain.OrderWarning{
				Code:    "LIMIT_FAR_FROM_MARKET",
				Message: fmt.Sprintf("limit price %s is %s%% away from market price %s", req.LimitPrice.String(), drift.Mul(decimal.NewFromInt(100)).StringFixed(1), marketPrice.String()),
			})
		}
	}
	if account.CurrentBalance.IsPositive() {
		refPrice := marketPrice
		if req.LimitPrice != nil {
			refPrice = *req.LimitPrice
		}
		if refPrice.IsPositive() {
			notional := req.Quantity.Mul(refPrice)
			if notional.GreaterThan(account.CurrentBalance.Mul(largeOrderWarnThreshold)) {
				warnings = append(warnings, domain.OrderWarning{
					Code:    "LARGE_ORDER",
					Message: fmt.Sprintf("order notional %s exceeds half the account value %s", notional.StringFixed(2), account.CurrentBalance.StringFixed(2)),
				})
			}
		}
	}

	return warnings, nil
}

// checkStopLimitReachable refuses stop-limit orders whose stop has
// already crossed while the limit cannot currently fill. Such an order
// would trigger immediately and then rest unfillable, which is almost
// never what the caller meant.
func checkStopLimitReachable(req *SubmitRequest, market decimal.Decimal) error {
	stopCrossed := false
	limitUnreachable := false
	if req.Side == domain.OrderSideBuy {
		stopCrossed = market.GreaterThanOrEqual(*req.StopPrice)
		limitUnreachable = req.LimitPrice.LessThan(market)
	} else {
		stopCrossed = market.LessThanOrEqual(*req.StopPrice)
		limitUnreachable = req.LimitPrice.GreaterThan(market)
	}
	if stopCrossed && limitUnreachable {
		return domain.NewBusinessError(domain.CodeStopLimitUnreachable,
			fmt.Sprintf("stop %s already crossed at market %s but limit %s cannot fill",
				req.StopPrice.String(), market.String(), req.LimitPrice.String()))
	}
	return nil
}

// referencePrice resolves the current market price for a symbol: the
// quote cache first, then one direct broker fetch that backfills the
// cache. Best effort; ok is false when no price source has the symbol.
func (s *Service) referencePrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if price, ok := s.quotes.Price(symbol); ok {
		return price, true
	}
	quotes, err := s.broker.GetQuotes(ctx, []string{symbol})
	if err != nil || len(quotes) == 0 {
		if err != nil {
			s.log.Debug().Err(err).Str("symbol", symbol).Msg("Reference price fetch failed")
		}
		return decimal.Zero, false
	}
	s.quotes.Put(quotes)
	return quotes[0].Price, true
}

// submitToBroker performs the broker round-trip for a PENDING order and
// applies the outcome. The caller holds the order lock.
func (s *Service) submitToBroker(ctx context.Context, order *domain.Order) error {
	ack, err := s.broker.SubmitOrder(ctx, domain.BrokerOrderRequest{
		ClientOrderID: order.IdempotencyKey,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		TimeInForce:   order.TimeInForce,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
	})
	if err != nil {
		return s.handleSubmitFailure(ctx, order, err)
	}

	order.BrokerOrderID = ack.BrokerOrderID
	submittedAt := ack.AcceptedAt
	order.SubmittedAt = &submittedAt

	next := ack.State
	if next == domain.OrderStatePending || !domain.CanTransition(order.State, next) {
		next = domain.OrderStateSubmitted
	}
	if err := s.transition(ctx, order, next, ""); err != nil {
		return err
	}

	if order.TimeInForce == domain.TimeInForceIOC || order.TimeInForce == domain.TimeInForceFOK {
		return s.settleImmediateOrder(ctx, order)
	}
	return nil
}

// handleSubmitFailure maps a failed broker submission onto the order.
// Refusals are terminal; transport failures leave the order PENDING for
// the reconcile sweep, except IOC/FOK which must settle in one
// round-trip and are rejected outright.
func (s *Service) handleSubmitFailure(ctx context.Context, order *domain.Order, err error) error {
	var rejection *domain.BrokerRejection
	if errors.As(err, &rejection) {
		order.LastError = rejection.Code + ": " + rejection.Message
		if terr := s.transition(ctx, order, domain.OrderStateRejected, order.LastError); terr != nil {
			return terr
		}
		s.log.Info().
			Str("order_id", order.ID).
			Str("reason", rejection.Code).
			Msg("Broker refused order")
		return nil
	}

	if order.TimeInForce == domain.TimeInForceIOC || order.TimeInForce == domain.TimeInForceFOK {
		order.LastError = "order did not settle within one broker round-trip: " + err.Error()
		if terr := s.transition(ctx, order, domain.OrderStateRejected, order.LastError); terr != nil {
			return terr
		}
		return nil
	}

	order.RetryCount++
	order.LastError = err.Error()
	if uerr := s.repo.Update(ctx, order); uerr != nil {
		return uerr
	}

	if reliability.IsCircuitOpen(err) {
		s.log.Warn().
			Str("order_id", order.ID).
			Msg("Broker circuit open; order left pending for reconciliation")
		return domain.WrapError(err, domain.CodeBrokerUnavailable,
			"broker temporarily unavailable; order queued for reconciliation",
			domain.CategoryExternalAPI, domain.SeverityHigh)
	}

	s.log.Warn().
		Str("order_id", order.ID).
		Err(err).
		Msg("Broker submission failed; order left pending for reconciliation")
	return domain.WrapError(err, domain.CodeBrokerUnavailable,
		"broker submission failed; order queued for reconciliation",
		domain.CategoryExternalAPI, domain.SeverityHigh)
}

// settleImmediateOrder forces IOC/FOK semantics: one status poll after
// the ack, then a best-effort cancel and local rejection if the broker
// still reports the order as working. The caller holds the order lock.
func (s *Service) settleImmediateOrder(ctx context.Context, order *domain.Order) error {
	if order.State.IsTerminal() || order.BrokerOrderID == "" {
		return nil
	}

	snap, err := s.broker.GetOrder(ctx, order.BrokerOrderID)
	if err == nil && snap != nil {
		if err := s.applySnapshot(ctx, order, snap); err != nil {
			return err
		}
	}
	if order.State.IsTerminal() {
		return nil
	}

	if err := s.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		s.log.Warn().
			Str("order_id", order.ID).
			Err(err).
			Msg("Cancel of unsettled immediate order failed")
	}
	order.LastError = string(order.TimeInForce) + " order did not settle within one broker round-trip"
	return s.transition(ctx, order, domain.OrderStateRejected, order.LastError)
}

// CancelOrder requests cancellation. Legal only from PENDING, SUBMITTED,
// and PARTIALLY_FILLED; anything else is an ILLEGAL_TRANSITION. An order
// the broker never acknowledged cancels locally.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.NewNotFoundError("order " + orderID + " not found")
	}
	if !order.State.Cancellable() {
		return nil, domain.NewBusinessError(domain.CodeIllegalTransition,
			"cannot cancel order in state "+string(order.State))
	}

	if order.BrokerOrderID == "" {
		if err := s.transition(ctx, order, domain.OrderStateCancelled, "cancelled before broker submission"); err != nil {
			return nil, err
		}
		return order, nil
	}

	if err := s.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		var rejection *domain.BrokerRejection
		if errors.As(err, &rejection) {
			// The broker thinks the order is already done. Poll for the
			// terminal snapshot so the local record catches up.
			if snap, perr := s.broker.GetOrder(ctx, order.BrokerOrderID); perr == nil && snap != nil {
				if aerr := s.applySnapshot(ctx, order, snap); aerr != nil {
					return nil, aerr
				}
			}
			return nil, domain.NewBusinessError(domain.CodeIllegalTransition,
				"broker refused cancel: "+rejection.Message)
		}
		if reliability.IsCircuitOpen(err) {
			return nil, domain.WrapError(err, domain.CodeBrokerUnavailable,
				"broker temporarily unavailable", domain.CategoryExternalAPI, domain.SeverityHigh)
		}
		return nil, domain.WrapError(err, domain.CodeBrokerUnavailable,
			"broker cancel failed", domain.CategoryExternalAPI, domain.SeverityHigh)
	}

	// Pick up any fill that raced the cancel before going terminal.
	if snap, perr := s.broker.GetOrder(ctx, order.BrokerOrderID); perr == nil && snap != nil {
		if aerr := s.applySnapshot(ctx, order, snap); aerr != nil {
			return nil, aerr
		}
	}
	if !order.State.IsTerminal() {
		if err := s.transition(ctx, order, domain.OrderStateCancelled, ""); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// GetOrder returns one order by id.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.NewNotFoundError("order " + orderID + " not found")
	}
	return order, nil
}

// ListOrders returns orders matching the filter, most recent first.
func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return s.repo.List(ctx, filter)
}

// IngestSnapshot applies one broker status snapshot, from the fill
// stream, a webhook, or a poll. Ingest is idempotent: replaying the same
// snapshot is a no-op, and a snapshot reporting less progress than the
// local record is logged and discarded.
func (s *Service) IngestSnapshot(ctx context.Context, snap *domain.BrokerOrderSnapshot) error {
	order, err := s.resolveSnapshotOrder(ctx, snap)
	if err != nil {
		return err
	}
	if order == nil {
		s.log.Warn().
			Str("broker_order_id", snap.BrokerOrderID).
			Str("client_order_id", snap.ClientOrderID).
			Str("symbol", snap.Symbol).
			Msg("Snapshot for unknown order discarded")
		return nil
	}

	unlock := s.locks.Lock(order.ID)
	defer unlock()

	// Reload under the lock; the row may have moved since resolution.
	order, err = s.repo.GetByID(ctx, order.ID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	return s.applySnapshot(ctx, order, snap)
}

func (s *Service) resolveSnapshotOrder(ctx context.Context, snap *domain.BrokerOrderSnapshot) (*domain.Order, error) {
	if snap.BrokerOrderID != "" {
		order, err := s.repo.GetByBrokerOrderID(ctx, snap.BrokerOrderID)
		if err != nil || order != nil {
			return order, err
		}
	}
	if snap.ClientOrderID != "" {
		return s.repo.GetByIdempotencyKey(ctx, snap.ClientOrderID)
	}
	return nil, nil
}

// applySnapshot reconciles one order against a broker snapshot. The
// caller holds the order lock. Fill progress is monotonic: the delta
// between the snapshot and the local record drives the account balance
// adjustment and the fill event.
func (s *Service) applySnapshot(ctx context.Context, order *domain.Order, snap *domain.BrokerOrderSnapshot) error {
	if order.State.IsTerminal() {
		if snap.State != order.State {
			s.log.Warn().
				Str("order_id", order.ID).
				Str("state", string(order.State)).
				Str("snapshot_state", string(snap.State)).
				Msg("Snapshot for terminal order discarded")
		}
		return nil
	}

	previous := order.State

	if order.BrokerOrderID == "" && snap.BrokerOrderID != "" {
		order.BrokerOrderID = snap.BrokerOrderID
	}

	// A PENDING order named in a broker snapshot was accepted even though
	// the submit acknowledgment never landed locally. Promote it through
	// SUBMITTED so the broker-reported state is reachable.
	if order.State == domain.OrderStatePending && snap.State != domain.OrderStatePending {
		order.State = domain.OrderStateSubmitted
		if order.SubmittedAt == nil {
			submittedAt := snap.AsOf
			if submittedAt.IsZero() {
				submittedAt = time.Now().UTC()
			}
			order.SubmittedAt = &submittedAt
		}
	}

	deltaFilled := snap.FilledQuantity.Sub(order.FilledQuantity)
	if deltaFilled.IsNegative() {
		s.log.Warn().
			Str("order_id", order.ID).
			Str("recorded_filled", order.FilledQuantity.String()).
			Str("snapshot_filled", snap.FilledQuantity.String()).
			Msg("Snapshot reports less fill progress than recorded; discarded")
		return nil
	}
	if snap.FilledQuantity.GreaterThan(order.Quantity) {
		s.log.Warn().
			Str("order_id", order.ID).
			Str("snapshot_filled", snap.FilledQuantity.String()).
			Str("quantity", order.Quantity.String()).
			Msg("Snapshot overfills order; discarded")
		return nil
	}

	stateChanged := snap.State != order.State && domain.CanTransition(order.State, snap.State)
	if snap.State != order.State && !stateChanged {
		s.log.Warn().
			Str("order_id", order.ID).
			Str("state", string(order.State)).
			Str("snapshot_state", string(snap.State)).
			Msg("Snapshot state not reachable from current state")
	}
	if deltaFilled.IsZero() && !stateChanged && order.State == previous {
		return nil
	}

	order.FilledQuantity = snap.FilledQuantity
	if snap.AvgFillPrice != nil {
		order.AvgFillPrice = snap.AvgFillPrice
	}
	if stateChanged {
		order.State = snap.State
		if snap.State == domain.OrderStateRejected && snap.Reason != "" {
			order.LastError = snap.Reason
		}
	}

	if err := s.repo.Update(ctx, order); err != nil {
		return err
	}

	if deltaFilled.IsPositive() {
		s.settleFill(ctx, order, deltaFilled)
	}
	if order.State != previous && s.mirror != nil {
		s.mirror.OrderTransition(string(order.State))
	}
	s.publishOrderUpdate(order, previous, snap.Reason)

	s.log.Info().
		Str("order_id", order.ID).
		Str("state", string(order.State)).
		Str("filled", order.FilledQuantity.String()).
		Str("delta", deltaFilled.String()).
		Msg("Snapshot applied")
	return nil
}

// settleFill adjusts the account's available balance for newly filled
// quantity and emits the fill event. Buys consume balance, sells free it.
func (s *Service) settleFill(ctx context.Context, order *domain.Order, deltaFilled decimal.Decimal) {
	if order.AvgFillPrice == nil {
		s.log.Warn().
			Str("order_id", order.ID).
			Msg("Fill without average price; balance not adjusted")
	} else {
		amount := deltaFilled.Mul(*order.AvgFillPrice)
		if order.Side == domain.OrderSideBuy {
			amount = amount.Neg()
		}
		if err := s.accounts.AdjustAvailableBalance(ctx, order.AccountID, amount); err != nil {
			s.log.Error().
				Str("order_id", order.ID).
				Str("account_id", order.AccountID).
				Err(err).
				Msg("Balance adjustment for fill failed")
		}
	}

	s.events.EmitTyped(events.OrderFilled, "orders", &events.FillData{
		OrderID:        order.ID,
		UserID:         order.UserID,
		AccountID:      order.AccountID,
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Quantity:       deltaFilled,
		FilledQuantity: order.FilledQuantity,
		AvgFillPrice:   order.AvgFillPrice,
		State:          string(order.State),
	})
}

// Reconcile forces a broker poll for one order. Orders the broker never
// acknowledged are adopted by client order id when the broker turns out
// to have them, or re-submitted under the same idempotency key when it
// does not.
func (s *Service) Reconcile(ctx context.Context, orderID string) (*domain.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.NewNotFoundError("order " + orderID + " not found")
	}
	if order.State.IsTerminal() {
		return order, nil
	}

	if order.BrokerOrderID != "" {
		snap, err := s.broker.GetOrder(ctx, order.BrokerOrderID)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			if err := s.applySnapshot(ctx, order, snap); err != nil {
				return nil, err
			}
		}
		return order, nil
	}

	// Never acknowledged locally. The broker may still have accepted the
	// original submission before the response was lost.
	snap, err := s.broker.FindOrderByClientID(ctx, order.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.log.Info().
			Str("order_id", order.ID).
			Str("broker_order_id", snap.BrokerOrderID).
			Msg("Adopted order found at broker by client order id")
		if order.SubmittedAt == nil {
			asOf := snap.AsOf
			order.SubmittedAt = &asOf
		}
		if err := s.applySnapshot(ctx, order, snap); err != nil {
			return nil, err
		}
		return order, nil
	}

	// The broker has no trace of it: the submission never landed.
	// Re-submitting under the same client order id cannot duplicate.
	if err := s.submitToBroker(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// ReconcileStale polls every non-terminal order whose last update is
// older than the freshness window. Used by the scheduled sweep.
func (s *Service) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (*ReconcileSummary, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.repo.ListNonTerminalUpdatedBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{}
	for i := range stale {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		before := stale[i].UpdatedAt
		adopted := stale[i].BrokerOrderID == ""

		order, err := s.Reconcile(ctx, stale[i].ID)
		if err != nil {
			summary.Failed++
			s.log.Warn().
				Str("order_id", stale[i].ID).
				Err(err).
				Msg("Reconcile sweep entry failed")
			continue
		}
		if order.UpdatedAt.After(before) {
			summary.Updated++
			if adopted && order.BrokerOrderID != "" {
				summary.Adopted++
			}
		}
	}
	return summary, nil
}

// ExpireDayOrders moves every open DAY order to EXPIRED, attempting a
// broker cancel first so nothing keeps working after the session close.
func (s *Service) ExpireDayOrders(ctx context.Context) (*ReconcileSummary, error) {
	open, err := s.repo.ListOpenDayOrders(ctx)
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{}
	for i := range open {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		if err := s.expireOrder(ctx, open[i].ID); err != nil {
			summary.Failed++
			s.log.Warn().
				Str("order_id", open[i].ID).
				Err(err).
				Msg("Day order expiry failed")
			continue
		}
		summary.Expired++
	}
	return summary, nil
}

func (s *Service) expireOrder(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil || order.State.IsTerminal() {
		return nil
	}

	if order.BrokerOrderID != "" {
		if err := s.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			var rejection *domain.BrokerRejection
			if !errors.As(err, &rejection) {
				return err
			}
			// Already terminal at the broker; catch up instead of expiring.
			if snap, perr := s.broker.GetOrder(ctx, order.BrokerOrderID); perr == nil && snap != nil {
				if aerr := s.applySnapshot(ctx, order, snap); aerr != nil {
					return aerr
				}
				if order.State.IsTerminal() {
					return nil
				}
			}
		}
	}

	return s.transition(ctx, order, domain.OrderStateExpired, "day order expired at session close")
}

// CountByState exposes order counts for the detailed health endpoint.
func (s *Service) CountByState(ctx context.Context) (map[domain.OrderState]int, error) {
	return s.repo.CountByState(ctx)
}

// ActiveSymbols lists symbols referenced by open orders, for the market
// data refresher.
func (s *Service) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.repo.ActiveSymbols(ctx)
}

// transition moves an order to the next state, persists it, and emits
// the update event. The caller holds the order lock.
func (s *Service) transition(ctx context.Context, order *domain.Order, next domain.OrderState, reason string) error {
	if !domain.CanTransition(order.State, next) {
		return domain.NewBusinessError(domain.CodeIllegalTransition,
			fmt.Sprintf("cannot move order from %s to %s", order.State, next))
	}

	previous := order.State
	order.State = next
	if reason != "" && next != domain.OrderStateSubmitted {
		order.LastError = reason
	}

	if err := s.repo.Update(ctx, order); err != nil {
		order.State = previous
		return err
	}

	if s.mirror != nil {
		s.mirror.OrderTransition(string(next))
	}
	s.publishOrderUpdate(order, previous, reason)

	s.log.Info().
		Str("order_id", order.ID).
		Str("from", string(previous)).
		Str("to", string(next)).
		Msg("Order transitioned")
	return nil
}

func (s *Service) publishOrderUpdate(order *domain.Order, previous domain.OrderState, reason string) {
	s.events.EmitTyped(events.OrderUpdated, "orders", &events.OrderUpdateData{
		OrderID:           order.ID,
		UserID:            order.UserID,
		AccountID:         order.AccountID,
		Symbol:            order.Symbol,
		Side:              string(order.Side),
		State:             string(order.State),
		PreviousState:     string(previous),
		Quantity:          order.Quantity,
		FilledQuantity:    order.FilledQuantity,
		RemainingQuantity: order.RemainingQuantity(),
		AvgFillPrice:      order.AvgFillPrice,
		Reason:            reason,
	})
}
