package reliability

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/monetahq/moneta/internal/domain"
)

// IsRetryable reports whether a failed outbound call may be attempted
// again. Semantic refusals (rejections, validation failures) and caller
// aborts are final; transport faults and timeouts are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Caller gave up or the breaker is already open.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, retrypolicy.ErrExceeded) {
		return false
	}

	// The counterparty understood the request and said no.
	var rejection *domain.BrokerRejection
	if errors.As(err, &rejection) {
		return false
	}

	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return domainErr.Category == domain.CategoryNetwork
	}

	// Timeouts are worth another try; the request may never have arrived.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// IsCircuitOpen reports whether err is a fast-fail from an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen)
}

// Classify maps an arbitrary error onto the domain taxonomy for logging
// and incident routing. Errors already carrying a classification keep it.
func Classify(err error) (domain.Category, domain.Severity) {
	if err == nil {
		return domain.CategorySystem, domain.SeverityLow
	}

	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return domainErr.Category, domainErr.Severity
	}

	var rejection *domain.BrokerRejection
	if errors.As(err, &rejection) {
		return domain.CategoryBusinessLogic, domain.SeverityMedium
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return domain.CategoryExternalAPI, domain.SeverityHigh
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.CategoryNetwork, domain.SeverityMedium
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.CategoryNetwork, domain.SeverityMedium
	}

	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrTxDone) || errors.Is(err, sql.ErrConnDone) {
		return domain.CategoryDatabase, domain.SeverityHigh
	}

	return domain.CategorySystem, domain.SeverityMedium
}
