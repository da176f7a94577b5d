package domain

import (
	"errors"
	"fmt"
)

// Category classifies an error by its origin. Categorization drives log
// level, alert routing, and retry decisions.
type Category string

const (
	CategoryNetwork        Category = "NETWORK"
	CategoryDatabase       Category = "DATABASE"
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryValidation     Category = "VALIDATION"
	CategoryBusinessLogic  Category = "BUSINESS_LOGIC"
	CategoryExternalAPI    Category = "EXTERNAL_API"
	CategorySystem         Category = "SYSTEM"
)

// Severity grades an error's operational impact
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Stable error codes surfaced to API callers.
const (
	CodeInvalidOrder          = "INVALID_ORDER"
	CodeInvalidStrategy       = "INVALID_STRATEGY"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeInsufficientShares    = "INSUFFICIENT_SHARES"
	CodeBrokerUnavailable     = "BROKER_UNAVAILABLE"
	CodeCustodianUnavailable  = "CUSTODIAN_UNAVAILABLE"
	CodeIllegalTransition     = "ILLEGAL_TRANSITION"
	CodeStopLimitUnreachable  = "STOP_LIMIT_UNREACHABLE"
	CodeNotFound              = "NOT_FOUND"
	CodeDuplicate             = "DUPLICATE"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeSyncInProgress        = "SYNC_IN_PROGRESS"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is the taxonomy-carrying error value used across the service.
// Every fallible operation returns one (possibly wrapping a cause).
type Error struct {
	cause    error
	Code     string
	Message  string
	Category Category
	Severity Severity
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError creates a taxonomy error.
func NewError(code, message string, category Category, severity Severity) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Category: category,
		Severity: severity,
	}
}

// WrapError creates a taxonomy error around a cause.
func WrapError(cause error, code, message string, category Category, severity Severity) *Error {
	return &Error{
		cause:    cause,
		Code:     code,
		Message:  message,
		Category: category,
		Severity: severity,
	}
}

// Convenience constructors for the common categories.

func NewValidationError(code, message string) *Error {
	return NewError(code, message, CategoryValidation, SeverityLow)
}

func NewBusinessError(code, message string) *Error {
	return NewError(code, message, CategoryBusinessLogic, SeverityMedium)
}

func NewNotFoundError(message string) *Error {
	return NewError(CodeNotFound, message, CategoryBusinessLogic, SeverityLow)
}

func NewDatabaseError(cause error, message string) *Error {
	return WrapError(cause, CodeInternal, message, CategoryDatabase, SeverityHigh)
}

func NewExternalError(cause error, code, message string) *Error {
	return WrapError(cause, code, message, CategoryExternalAPI, SeverityMedium)
}

func NewNetworkError(cause error, message string) *Error {
	return WrapError(cause, CodeInternal, message, CategoryNetwork, SeverityMedium)
}

// AsError extracts a *Error from an error chain, or nil.
func AsError(err error) *Error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// CodeOf returns the stable code of an error, defaulting to INTERNAL_ERROR
// for untyped errors.
func CodeOf(err error) string {
	if domainErr := AsError(err); domainErr != nil {
		return domainErr.Code
	}
	return CodeInternal
}

// CategoryOf returns the category of an error, defaulting to SYSTEM.
func CategoryOf(err error) Category {
	if domainErr := AsError(err); domainErr != nil {
		return domainErr.Category
	}
	return CategorySystem
}

// SeverityOf returns the severity of an error, defaulting to MEDIUM.
func SeverityOf(err error) Severity {
	if domainErr := AsError(err); domainErr != nil {
		return domainErr.Severity
	}
	return SeverityMedium
}
