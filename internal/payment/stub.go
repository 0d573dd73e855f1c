package payment

import (
	"context"

	"github.com/google/uuid"
)

// Stub is an in-process Authorizer for development and wiring tests.
// It approves every charge unless the method details carry a
// "decline" field, in which case it declines with that value as the
// error code.
type Stub struct{}

// Authorize implements Authorizer.
func (Stub) Authorize(_ context.Context, req AuthorizeRequest) (*Result, error) {
	if code, ok := req.Method["decline"]; ok && code != "" {
		return &Result{
			Success:      false,
			Status:       "DECLINED",
			ErrorCode:    code,
			ErrorMessage: "declined by stub gateway",
		}, nil
	}
	return &Result{
		Success:   true,
		PaymentID: uuid.NewString(),
		Status:    "APPROVED",
	}, nil
}
