package strategies

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/modules/portfolio"
)

// SummarySource produces the user's aggregated positions in base
// currency. Satisfied by the portfolio view service.
type SummarySource interface {
	Summary(ctx context.Context, userID string) (*portfolio.Summary, error)
}

// SymbolDrift compares one symbol's actual weight against its target.
// Weights and drift are percentage points of invested value.
type SymbolDrift struct {
	Symbol        string          `json:"symbol"`
	TargetWeight  decimal.Decimal `json:"target_weight"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	Drift         decimal.Decimal `json:"drift"`
	Severity      string          `json:"severity,omitempty"`
}

// DriftReport is one strategy's evaluation.
type DriftReport struct {
	EvaluatedAt  time.Time       `json:"evaluated_at"`
	StrategyID   string          `json:"strategy_id"`
	StrategyName string          `json:"strategy_name"`
	Threshold    decimal.Decimal `json:"threshold"`
	Symbols      []SymbolDrift   `json:"symbols"`
	Drifted      int             `json:"drifted"`
	MaxDrift     decimal.Decimal `json:"max_drift"`
}

// Breached reports whether any symbol drifted past the threshold.
func (r *DriftReport) Breached() bool {
	return r.Drifted > 0
}

// DriftService evaluates strategies against the live portfolio after
// every sync and raises rebalance alerts when targets slip.
type DriftService struct {
	strategies *Repository
	summaries  SummarySource
	events     *events.Manager
	log        zerolog.Logger
}

// NewDriftService creates the drift evaluator. eventManager may be nil
// when alerts are not wanted (one-off evaluations).
func NewDriftService(strategies *Repository, summaries SummarySource, eventManager *events.Manager, log zerolog.Logger) *DriftService {
	return &DriftService{
		strategies: strategies,
		summaries:  summaries,
		events:     eventManager,
		log:        log.With().Str("component", "drift_detector").Logger(),
	}
}

// EvaluateUser checks every strategy the user has. Alert events fire per
// breached strategy; the reports come back for API callers.
func (s *DriftService) EvaluateUser(ctx context.Context, userID string) ([]DriftReport, error) {
	strategies, err := s.strategies.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, nil
	}

	summary, err := s.summaries.Summary(ctx, userID)
	if err != nil {
		return nil, err
	}

	reports := make([]DriftReport, 0, len(strategies))
	for i := range strategies {
		report := s.evaluate(&strategies[i], summary)
		if report.Breached() {
			s.raiseAlert(userID, &strategies[i], &report)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// EvaluateStrategy checks one strategy without raising alerts.
func (s *DriftService) EvaluateStrategy(ctx context.Context, strategyID string) (*DriftReport, error) {
	strategy, err := s.strategies.GetByID(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if strategy == nil {
		return nil, domain.NewNotFoundError("strategy not found")
	}

	summary, err := s.summaries.Summary(ctx, strategy.UserID)
	if err != nil {
		return nil, err
	}
	report := s.evaluate(strategy, summary)
	return &report, nil
}

// evaluate compares the strategy's targets with current weights. Only
// symbols the strategy names are scored; holdings outside the strategy
// are its cash/unmanaged remainder by construction (weights sum to <= 1).
func (s *DriftService) evaluate(strategy *domain.Strategy, summary *portfolio.Summary) DriftReport {
	report := DriftReport{
		EvaluatedAt:  time.Now().UTC(),
		StrategyID:   strategy.ID,
		StrategyName: strategy.Name,
		Threshold:    strategy.DriftThreshold,
	}

	hundred := decimal.NewFromInt(100)
	current := make(map[string]decimal.Decimal, len(summary.Positions))
	if summary.InvestedValue.IsPositive() {
		for i := range summary.Positions {
			p := &summary.Positions[i]
			current[p.Symbol] = p.MarketValue.Div(summary.InvestedValue).Mul(hundred)
		}
	}

	for _, target := range strategy.Holdings {
		sd := SymbolDrift{
			Symbol:        target.Symbol,
			TargetWeight:  target.TargetWeight.Mul(hundred),
			CurrentWeight: current[target.Symbol],
		}
		sd.Drift = sd.CurrentWeight.Sub(sd.TargetWeight).Abs()

		if sd.Drift.GreaterThan(strategy.DriftThreshold) {
			sd.Severity = string(domain.SeverityMedium)
			if sd.Drift.GreaterThan(strategy.DriftThreshold.Mul(decimal.NewFromInt(2))) {
				sd.Severity = string(domain.SeverityHigh)
			}
			report.Drifted++
		}
		if sd.Drift.GreaterThan(report.MaxDrift) {
			report.MaxDrift = sd.Drift
		}
		report.Symbols = append(report.Symbols, sd)
	}
	return report
}

func (s *DriftService) raiseAlert(userID string, strategy *domain.Strategy, report *DriftReport) {
	severity := domain.SeverityMedium
	var drifted []string
	for _, sd := range report.Symbols {
		if sd.Severity == "" {
			continue
		}
		drifted = append(drifted, sd.Symbol)
		if sd.Severity == string(domain.SeverityHigh) {
			severity = domain.SeverityHigh
		}
	}

	message := fmt.Sprintf("Strategy %q drifted %spp from target (threshold %spp): rebalance recommended for %s",
		strategy.Name, report.MaxDrift.Round(2), strategy.DriftThreshold, strings.Join(drifted, ", "))

	s.log.Warn().
		Str("strategy_id", strategy.ID).
		Str("user_id", userID).
		Str("max_drift", report.MaxDrift.Round(2).String()).
		Str("severity", string(severity)).
		Msg("Strategy drift detected")

	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.AlertRaised, "strategies", &events.AlertData{
		RuleID:   "strategy_drift_" + strategy.ID,
		Severity: string(severity),
		Message:  message,
		UserID:   userID,
		Details: map[string]interface{}{
			"strategy_id": strategy.ID,
			"max_drift":   report.MaxDrift.Round(2).String(),
			"threshold":   strategy.DriftThreshold.String(),
			"symbols":     drifted,
		},
	})
}
