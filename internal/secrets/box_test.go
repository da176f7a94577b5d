package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestBox_SealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testSecret)
	require.NoError(t, err)

	sealed, err := box.Seal("access-sandbox-12345")
	require.NoError(t, err)
	assert.NotEqual(t, "access-sandbox-12345", sealed)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-sandbox-12345", opened)
}

func TestBox_SealingIsNonDeterministic(t *testing.T) {
	box, err := NewBox(testSecret)
	require.NoError(t, err)

	first, err := box.Seal("same-token")
	require.NoError(t, err)
	second, err := box.Seal("same-token")
	require.NoError(t, err)

	// Fresh nonce per call: identical plaintexts must not produce
	// identical ciphertexts.
	assert.NotEqual(t, first, second)
}

func TestBox_OpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox(testSecret)
	require.NoError(t, err)

	sealed, err := box.Seal("access-sandbox-12345")
	require.NoError(t, err)

	// Flip one character of the base64 payload.
	tampered := []byte(sealed)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	_, err = box.Open(string(tampered))
	assert.Error(t, err)
}

func TestBox_OpenRejectsWrongKey(t *testing.T) {
	box, err := NewBox(testSecret)
	require.NoError(t, err)
	other, err := NewBox(strings.Repeat("z", 32))
	require.NoError(t, err)

	sealed, err := box.Seal("access-sandbox-12345")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestBox_OpenRejectsGarbage(t *testing.T) {
	box, err := NewBox(testSecret)
	require.NoError(t, err)

	_, err = box.Open("not base64!!!")
	assert.Error(t, err)

	_, err = box.Open("YWJj") // valid base64, shorter than a nonce
	assert.Error(t, err)
}

func TestNewBox_RejectsShortSecret(t *testing.T) {
	_, err := NewBox("too-short")
	assert.Error(t, err)
}
