package reliability

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"
)

// Retry tuning for outbound broker and custodian calls. Each retry
// sleeps a uniformly random duration up to an exponentially growing
// ceiling, so synchronized clients spread out instead of stampeding.
const (
	RetryBaseDelay   = 250 * time.Millisecond
	RetryMaxDelay    = 8 * time.Second
	RetryMaxAttempts = 5
)

// FullJitterDelay builds a DelayFunc implementing full-jitter backoff:
// delay = rand(0, min(max, base << attempt)).
func FullJitterDelay[R any](base, max time.Duration) failsafe.DelayFunc[R] {
	return func(exec failsafe.ExecutionAttempt[R]) time.Duration {
		attempts := exec.Attempts()
		if attempts < 1 {
			attempts = 1
		}

		ceiling := max
		if attempts <= 6 {
			ceiling = base << uint(attempts-1)
			if ceiling <= 0 || ceiling > max {
				ceiling = max
			}
		}

		return time.Duration(rand.Int63n(int64(ceiling) + 1))
	}
}

// NewHTTPRetryPolicy builds the standard retry policy for one outbound
// target. Network faults, 5xx responses, and 429s are retried; caller
// aborts and semantic refusals are not.
func NewHTTPRetryPolicy(target string, log zerolog.Logger) retrypolicy.RetryPolicy[*http.Response] {
	retryLog := log.With().Str("target", target).Logger()

	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return IsRetryable(err)
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		AbortOnErrors(context.Canceled).
		WithDelayFunc(FullJitterDelay[*http.Response](RetryBaseDelay, RetryMaxDelay)).
		WithMaxRetries(RetryMaxAttempts - 1).
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			retryLog.Warn().
				Int("attempt", e.Attempts()).
				Err(e.LastError()).
				Msg("Retrying outbound call")
		}).
		Build()
}
