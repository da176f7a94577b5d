package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, line string) map[string]interface{} {
	t.Helper()

	var buf bytes.Buffer
	w := NewRedactWriter(&buf)
	n, err := w.Write([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, len(line), n, "writer must report the original length")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestRedactWriter_MasksSensitiveKeys(t *testing.T) {
	testCases := []struct {
		key  string
		name string
	}{
		{"password", "password"},
		{"access_token", "access token"},
		{"plaid_secret", "substring match"},
		{"Authorization", "case insensitive"},
		{"api_key", "api key"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			record := writeRecord(t, `{"`+tc.key+`":"hunter2","message":"login"}`)
			assert.Equal(t, Masked, record[tc.key])
			assert.Equal(t, "login", record["message"])
		})
	}
}

func TestRedactWriter_MasksNestedObjectsAndArrays(t *testing.T) {
	record := writeRecord(t, `{
		"custodian": {"client_id": "abc", "secret": "s3cr3t"},
		"accounts": [{"access_token": "tok-1", "name": "Brokerage"}]
	}`)

	custodian := record["custodian"].(map[string]interface{})
	assert.Equal(t, "abc", custodian["client_id"])
	assert.Equal(t, Masked, custodian["secret"])

	accounts := record["accounts"].([]interface{})
	first := accounts[0].(map[string]interface{})
	assert.Equal(t, Masked, first["access_token"])
	assert.Equal(t, "Brokerage", first["name"])
}

func TestRedactWriter_MasksPatternsInsideValues(t *testing.T) {
	testCases := []struct {
		value    string
		expected string
		name     string
	}{
		{"ssn 123-45-6789 on file", "ssn " + Masked + " on file", "ssn"},
		{"card 4111 1111 1111 1111 declined", "card " + Masked + "declined", "card with spaces"},
		{"order 42 filled", "order 42 filled", "short digits untouched"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			record := writeRecord(t, `{"note":`+mustJSON(t, tc.value)+`}`)
			assert.Equal(t, tc.expected, record["note"])
		})
	}
}

func TestRedactWriter_PassesThroughNonJSON(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactWriter(&buf)

	line := "plain text line\n"
	n, err := w.Write([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Equal(t, line, buf.String())
}

func TestRedactWriter_RedactsThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(NewRedactWriter(&buf))

	log.Info().
		Str("access_token", "access-sandbox-123").
		Str("user_id", "u-1").
		Msg("custodian linked")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, Masked, record["access_token"])
	assert.Equal(t, "u-1", record["user_id"])
	assert.Equal(t, "custodian linked", record["message"])
}

func mustJSON(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}
