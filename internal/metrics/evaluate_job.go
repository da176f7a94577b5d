package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/monetahq/moneta/internal/events"
	"github.com/rs/zerolog"
)

// EvaluationJob runs the alert rules every minute. A rule that trips
// opens one incident (deduplicated while open), raises an alert event,
// and notifies the optional webhook; a rule that recovers resolves its
// incident.
type EvaluationJob struct {
	rules      []Rule
	incidents  *IncidentRepository
	events     *events.Manager
	webhookURL string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewEvaluationJob creates the rule evaluation job. webhookURL may be
// empty to disable the webhook sink.
func NewEvaluationJob(
	rules []Rule,
	incidents *IncidentRepository,
	eventManager *events.Manager,
	webhookURL string,
	log zerolog.Logger,
) *EvaluationJob {
	return &EvaluationJob{
		rules:      rules,
		incidents:  incidents,
		events:     eventManager,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log.With().Str("task", "evaluate_alert_rules").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *EvaluationJob) Name() string {
	return "evaluate_alert_rules"
}

// Run evaluates every rule once.
func (j *EvaluationJob) Run(ctx context.Context) error {
	for _, rule := range j.rules {
		tripped, message := rule.Evaluate(ctx)
		if tripped {
			j.handleTrip(ctx, rule, message)
			continue
		}

		resolved, err := j.incidents.Resolve(rule.ID)
		if err != nil {
			j.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to resolve incident")
			continue
		}
		if resolved {
			j.log.Info().Str("rule_id", rule.ID).Msg("Incident resolved")
		}
	}
	return nil
}

func (j *EvaluationJob) handleTrip(ctx context.Context, rule Rule, message string) {
	opened, err := j.incidents.Open(rule.ID, string(rule.Severity), message)
	if err != nil {
		j.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to open incident")
		return
	}
	if !opened {
		// Already alerting for this rule.
		return
	}

	j.log.Error().
		Str("rule_id", rule.ID).
		Str("severity", string(rule.Severity)).
		Msg(message)

	j.events.EmitTyped(events.AlertRaised, "metrics", &events.AlertData{
		RuleID:   rule.ID,
		Severity: string(rule.Severity),
		Message:  message,
	})

	if j.webhookURL != "" {
		j.notifyWebhook(ctx, rule, message)
	}
}

// notifyWebhook posts the incident to the configured sink. Failures are
// logged and dropped; alerting must never take the service down.
func (j *EvaluationJob) notifyWebhook(ctx context.Context, rule Rule, message string) {
	payload, err := json.Marshal(map[string]interface{}{
		"rule_id":   rule.ID,
		"severity":  rule.Severity,
		"message":   message,
		"opened_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to encode alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.webhookURL, bytes.NewReader(payload))
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to build alert webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		j.log.Error().Err(err).Msg("Alert webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		j.log.Error().
			Int("status", resp.StatusCode).
			Msg(fmt.Sprintf("Alert webhook returned %s", resp.Status))
	}
}
