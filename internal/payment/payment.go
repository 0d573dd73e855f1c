// Package payment defines the contract with the external payment
// gateway.  The gateway is treated as an opaque, possibly slow,
// possibly failing dependency: the orchestrator never assumes
// idempotency on its side and passes a fresh idempotency key per
// authorization attempt.
package payment

import "context"

// MethodDetails carries the opaque payment method fields submitted by
// the client (card token, wallet reference, etc.).  The engine passes
// them through to the gateway without interpretation.
type MethodDetails map[string]string

// AuthorizeRequest is one authorization attempt.
type AuthorizeRequest struct {
	AmountCents    uint32        `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Method         MethodDetails `json:"method"`
	IdempotencyKey string        `json:"-"`
}

// Result is the gateway's answer to an authorization attempt.  When
// Success is false, ErrorCode and ErrorMessage carry the gateway's
// decline reason for the caller to surface.
type Result struct {
	Success      bool   `json:"success"`
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Authorizer is the collaborator interface the purchase orchestrator
// depends on.  An error return means the gateway could not be reached
// or answered garbage; a decline comes back as a Result with
// Success=false, not as an error.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error)
}
