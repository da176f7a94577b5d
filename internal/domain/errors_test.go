package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrappingChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(cause, CodeBrokerUnavailable, "broker call failed", CategoryNetwork, SeverityHigh)

	assert.Contains(t, err.Error(), "BROKER_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)

	// Wrapping again with %w keeps the taxonomy reachable.
	outer := fmt.Errorf("submit order: %w", err)
	var domainErr *Error
	require.True(t, errors.As(outer, &domainErr))
	assert.Equal(t, CodeBrokerUnavailable, domainErr.Code)
	assert.Equal(t, CategoryNetwork, domainErr.Category)
	assert.Equal(t, SeverityHigh, domainErr.Severity)
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewValidationError(CodeInvalidOrder, "quantity must be positive")
	b := NewError(CodeInvalidOrder, "different message", CategoryValidation, SeverityLow)
	c := NewValidationError(CodeInvalidRequest, "bad payload")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)

	wrapped := fmt.Errorf("handler: %w", a)
	assert.ErrorIs(t, wrapped, b)
}

func TestErrorAccessors(t *testing.T) {
	err := NewBusinessError(CodeInsufficientFunds, "not enough cash")
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))
	assert.Equal(t, CategoryBusinessLogic, CategoryOf(err))
	assert.Equal(t, SeverityMedium, SeverityOf(err))

	// Untyped errors get safe defaults.
	plain := errors.New("boom")
	assert.Equal(t, CodeInternal, CodeOf(plain))
	assert.Equal(t, CategorySystem, CategoryOf(plain))
	assert.Equal(t, SeverityMedium, SeverityOf(plain))
	assert.Nil(t, AsError(plain))
}

func TestConvenienceConstructors(t *testing.T) {
	v := NewValidationError(CodeInvalidOrder, "bad")
	assert.Equal(t, CategoryValidation, v.Category)
	assert.Equal(t, SeverityLow, v.Severity)

	nf := NewNotFoundError("order not found")
	assert.Equal(t, CodeNotFound, nf.Code)

	db := NewDatabaseError(errors.New("locked"), "insert failed")
	assert.Equal(t, CategoryDatabase, db.Category)
	assert.Equal(t, SeverityHigh, db.Severity)
	assert.ErrorContains(t, db, "locked")

	ext := NewExternalError(errors.New("502"), CodeCustodianUnavailable, "custodian down")
	assert.Equal(t, CategoryExternalAPI, ext.Category)

	net := NewNetworkError(errors.New("timeout"), "dial failed")
	assert.Equal(t, CategoryNetwork, net.Category)
}
