// Package httpx carries the JSON response conventions shared by every
// handler: one envelope shape for errors, status codes derived from the
// error taxonomy, and the request id echoed in both.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/reliability"
)

// ErrorBody is the uniform error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the taxonomy fields of a failed request.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status. Encoding failures after the
// header is committed can only be logged by the caller's middleware.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto the envelope and a status code. Unclassified
// errors become INTERNAL_ERROR without leaking their message.
func WriteError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := StatusFor(err)
	detail := ErrorDetail{
		Code:      domain.CodeOf(err),
		Category:  string(domain.CategoryOf(err)),
		Severity:  string(domain.SeverityOf(err)),
		RequestID: middleware.GetReqID(r.Context()),
	}
	// Clients get the classified message only; cause chains stay in the
	// log line below.
	if domainErr := domain.AsError(err); domainErr != nil {
		detail.Message = domainErr.Message
	} else {
		category, severity := reliability.Classify(err)
		detail.Category = string(category)
		detail.Severity = string(severity)
		detail.Message = "internal error"
	}

	logEvent := log.Warn()
	if status >= http.StatusInternalServerError {
		logEvent = log.Error()
	}
	logEvent.
		Err(err).
		Str("code", detail.Code).
		Int("status", status).
		Str("path", r.URL.Path).
		Msg("Request failed")

	WriteJSON(w, status, ErrorBody{Error: detail})
}

// StatusFor maps an error onto its HTTP status code.
func StatusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeInvalidOrder, domain.CodeInvalidStrategy, domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeDuplicate, domain.CodeIllegalTransition, domain.CodeSyncInProgress:
		return http.StatusConflict
	case domain.CodeInsufficientFunds, domain.CodeInsufficientShares, domain.CodeStopLimitUnreachable:
		return http.StatusUnprocessableEntity
	case domain.CodeUnauthorized, domain.CodeInvalidSignature:
		return http.StatusUnauthorized
	case domain.CodeBrokerUnavailable, domain.CodeCustodianUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// DecodeJSON decodes a request body, refusing unknown fields so typos in
// client payloads fail loudly instead of silently validating.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError(domain.CodeInvalidRequest, "invalid JSON body: "+err.Error())
	}
	// A second document in the body is a malformed request too.
	if dec.More() {
		return domain.NewValidationError(domain.CodeInvalidRequest, "request body must contain a single JSON object")
	}
	return nil
}

// NotFoundHandler returns the envelope for unknown routes.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Code:      domain.CodeNotFound,
			Message:   "route not found",
			Category:  string(domain.CategoryBusinessLogic),
			Severity:  string(domain.SeverityLow),
			RequestID: middleware.GetReqID(r.Context()),
		}})
	}
}
