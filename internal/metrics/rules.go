package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Rule thresholds. A rule needs a minimum sample base before it can
// trip, so a single slow request on a quiet instance does not page.
const (
	ruleWindow      = 5 * time.Minute
	ruleMinSamples  = 20
	latencyP95MaxMs = 5000.0
	errorRateMax    = 0.05
	cpuPercentMax   = 80.0
	cpuSampleWindow = 100 * time.Millisecond
)

// Rule is one alert condition evaluated on a schedule.
type Rule struct {
	ID       string
	Severity domain.Severity
	Evaluate func(ctx context.Context) (tripped bool, message string)
}

// DefaultRules builds the standard rule set over a collector.
func DefaultRules(collector *Collector) []Rule {
	return []Rule{
		{
			ID:       "latency_p95",
			Severity: domain.SeverityHigh,
			Evaluate: func(ctx context.Context) (bool, string) {
				stats := collector.Window(ruleWindow)
				if stats.Count < ruleMinSamples {
					return false, ""
				}
				if stats.P95Ms > latencyP95MaxMs {
					return true, fmt.Sprintf("p95 latency %.0fms over the last %s (threshold %.0fms)",
						stats.P95Ms, ruleWindow, latencyP95MaxMs)
				}
				return false, ""
			},
		},
		{
			ID:       "error_rate",
			Severity: domain.SeverityHigh,
			Evaluate: func(ctx context.Context) (bool, string) {
				stats := collector.Window(ruleWindow)
				if stats.Count < ruleMinSamples {
					return false, ""
				}
				if stats.ErrorRate > errorRateMax {
					return true, fmt.Sprintf("error rate %.1f%% over the last %s (%d of %d requests)",
						stats.ErrorRate*100, ruleWindow, stats.ErrorCount, stats.Count)
				}
				return false, ""
			},
		},
		{
			ID:       "cpu_utilization",
			Severity: domain.SeverityMedium,
			Evaluate: func(ctx context.Context) (bool, string) {
				percents, err := cpu.Percent(cpuSampleWindow, false)
				if err != nil || len(percents) == 0 {
					return false, ""
				}
				if percents[0] > cpuPercentMax {
					return true, fmt.Sprintf("CPU utilization %.1f%% (threshold %.0f%%)",
						percents[0], cpuPercentMax)
				}
				return false, ""
			},
		},
	}
}
