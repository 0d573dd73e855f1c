package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTransactionIDDeterministic(t *testing.T) {
	secret := []byte("secret")
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	nonce := []byte("nonce")

	a := DeriveTransactionID(secret, "user-1", 7, at, nonce)
	b := DeriveTransactionID(secret, "user-1", 7, at, nonce)
	assert.Equal(t, a, b)
}

func TestDeriveTransactionIDSensitivity(t *testing.T) {
	secret := []byte("secret")
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	nonce := []byte("nonce")
	base := DeriveTransactionID(secret, "user-1", 7, at, nonce)

	assert.NotEqual(t, base, DeriveTransactionID([]byte("other"), "user-1", 7, at, nonce))
	assert.NotEqual(t, base, DeriveTransactionID(secret, "user-2", 7, at, nonce))
	assert.NotEqual(t, base, DeriveTransactionID(secret, "user-1", 8, at, nonce))
	assert.NotEqual(t, base, DeriveTransactionID(secret, "user-1", 7, at.Add(time.Nanosecond), nonce))
	assert.NotEqual(t, base, DeriveTransactionID(secret, "user-1", 7, at, []byte("other")))
}

func TestDeriveTransactionIDShape(t *testing.T) {
	id := DeriveTransactionID([]byte("secret"), "user-1", 7, time.Now(), []byte("nonce"))
	require.Len(t, id, transactionIDLen)
	for _, r := range id {
		urlSafe := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		assert.True(t, urlSafe, "unexpected character %q in token", r)
	}
}

func TestRandomNonce(t *testing.T) {
	a, err := randomNonce()
	require.NoError(t, err)
	b, err := randomNonce()
	require.NoError(t, err)
	require.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
