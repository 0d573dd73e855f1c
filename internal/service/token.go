package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// transactionIDLen is the length of the derived token in base64url
// characters.  32 characters of a SHA-256 MAC keep the token URL-safe,
// unguessable and collision-resistant; the ledger's unique index is
// the final arbiter of uniqueness.
const transactionIDLen = 32

// DeriveTransactionID computes the opaque transaction token from its
// explicit inputs.  It is a pure function: the same secret, user,
// event, timestamp and nonce always yield the same token, which makes
// the derivation testable with injected nonces.
func DeriveTransactionID(secret []byte, userID string, eventID uint64, at time.Time, nonce []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%d|", userID, eventID, at.UnixNano())
	mac.Write(nonce)
	sum := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)[:transactionIDLen]
}

// randomNonce returns 16 bytes from crypto/rand.
func randomNonce() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
