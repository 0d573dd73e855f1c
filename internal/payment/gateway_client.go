package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayClient talks to the real payment gateway over HTTP.  The
// request timeout bounds the worst-case critical-section duration on
// the purchase path; the occurrence lock TTL must stay comfortably
// above it.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewGatewayClient returns a client for the gateway at baseURL with
// the given per-call timeout.
func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Authorize posts the authorization request to {base}/authorize.  The
// idempotency key travels in a header so the gateway can dedup retried
// attempts on its side.
func (g *GatewayClient) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("payment marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/authorize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payment build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment gateway call: %w", err)
	}
	defer resp.Body.Close()

	// The gateway answers 200 for both approvals and declines; any
	// other status is a transport-level failure.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment gateway status %d", resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("payment decode response: %w", err)
	}
	return &result, nil
}
