package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
)

func TestStatusForMapsTaxonomy(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{domain.CodeInvalidOrder, http.StatusBadRequest},
		{domain.CodeInvalidStrategy, http.StatusBadRequest},
		{domain.CodeInvalidRequest, http.StatusBadRequest},
		{domain.CodeNotFound, http.StatusNotFound},
		{domain.CodeDuplicate, http.StatusConflict},
		{domain.CodeIllegalTransition, http.StatusConflict},
		{domain.CodeSyncInProgress, http.StatusConflict},
		{domain.CodeInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.CodeInsufficientShares, http.StatusUnprocessableEntity},
		{domain.CodeStopLimitUnreachable, http.StatusUnprocessableEntity},
		{domain.CodeUnauthorized, http.StatusUnauthorized},
		{domain.CodeInvalidSignature, http.StatusUnauthorized},
		{domain.CodeBrokerUnavailable, http.StatusServiceUnavailable},
		{domain.CodeCustodianUnavailable, http.StatusServiceUnavailable},
		{domain.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := domain.NewError(tt.code, "boom", domain.CategorySystem, domain.SeverityLow)
			assert.Equal(t, tt.want, StatusFor(err))
		})
	}
}

func TestStatusForUnclassifiedErrorIs500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("disk on fire")))
}

func TestWriteErrorBuildsEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/abc", nil)

	WriteError(rec, req, zerolog.Nop(), domain.NewNotFoundError("order not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeNotFound, body.Error.Code)
	assert.Equal(t, "order not found", body.Error.Message)
	assert.Equal(t, string(domain.CategoryBusinessLogic), body.Error.Category)
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(rec, req, zerolog.Nop(), errors.New("pq: secret dsn leaked"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body.Error.Message, "raw error text must not reach clients")
	assert.Equal(t, domain.CodeInternal, body.Error.Code)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Symbol string `json:"symbol"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"symbol":"VTI","sneaky":1}`))

	err := DecodeJSON(req, &dst)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidRequest, domain.CodeOf(err))
}

func TestDecodeJSONRejectsTrailingDocument(t *testing.T) {
	var dst struct{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{} {"again":true}`))

	err := DecodeJSON(req, &dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single JSON object")
}

func TestDecodeJSONAcceptsValidBody(t *testing.T) {
	var dst struct {
		Symbol string `json:"symbol"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"symbol":"VTI"}`))

	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, "VTI", dst.Symbol)
}
