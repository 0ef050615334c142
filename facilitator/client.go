package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/retry"
)

// AuthorizationProvider is a function that returns an Authorization header
// value. This is useful for dynamic tokens (e.g., JWT refresh) where the
// value may change.
//
// Thread-safety: the provider is called on each HTTP request, including
// during retry attempts. If it accesses shared state or performs I/O, it
// must be safe for concurrent use; the Client does not serialize calls.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a callback invoked before a verify or settle operation.
// Return an error to abort the operation.
type OnBeforeFunc func(context.Context, paygate.PaymentPayload, paygate.PaymentRequirement) error

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes.
// Called with the result (success or failure) for logging, metrics, etc.
type OnAfterVerifyFunc func(context.Context, paygate.PaymentPayload, paygate.PaymentRequirement, *paygate.VerifyResponse, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
// Called with the result (success or failure) for logging, metrics, etc.
type OnAfterSettleFunc func(context.Context, paygate.PaymentPayload, paygate.PaymentRequirement, *paygate.SettleResponse, error)

// Client talks to a facilitator service over HTTP.
type Client struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.example.org").
	BaseURL string

	// HTTPClient is the HTTP client for requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts paygate.TimeoutConfig

	// MaxRetries is the number of transport-level retries for unreachable
	// facilitators (default 0: disabled). Rejections are never retried.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns an Authorization header value per request.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before the Verify operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after the Verify operation completes.
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before the Settle operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after the Settle operation completes.
	OnAfterSettle OnAfterSettleFunc
}

// Verify that Client implements Interface.
var _ Interface = (*Client)(nil)

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header on the request if
// configured. The provider, when set, wins over the static value.
func (c *Client) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// retryConfig returns the transport retry configuration from client settings.
func (c *Client) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// Verify verifies a payment authorization without executing the transaction.
func (c *Client) Verify(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirement); err != nil {
			return nil, err
		}
	}

	req := VerifyRequest{
		X402Version:         paygate.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.WithRetry(ctx, c.retryConfig(), isUnavailableError, func() (*paygate.VerifyResponse, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/verify", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, paygate.ErrVerificationFailed)
		}

		var verifyResp paygate.VerifyResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResp); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}

		// Fall back to the authorization's payer if the facilitator omits it
		if verifyResp.Payer == "" {
			verifyResp.Payer = payload.Authorization.From
		}

		return &verifyResp, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirement, resp, resultErr)
	}

	return resp, resultErr
}

// Settle executes a verified payment on the blockchain.
func (c *Client) Settle(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirement); err != nil {
			return nil, err
		}
	}

	req := SettleRequest{
		X402Version:         paygate.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.WithRetry(ctx, c.retryConfig(), isUnavailableError, func() (*paygate.SettleResponse, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.SettleTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.SettleTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/settle", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, paygate.ErrSettlementFailed)
		}

		var settleResp paygate.SettleResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResp); err != nil {
			return nil, fmt.Errorf("failed to decode settle response: %w", err)
		}

		return &settleResp, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirement, resp, resultErr)
	}

	return resp, resultErr
}

// Supported queries the facilitator for supported payment types.
func (c *Client) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, "GET", c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp paygate.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// EnrichRequirements fetches supported payment types from the facilitator and
// enriches the provided requirements with network-specific data such as the
// fee payer for SVM chains. Caller-specified Extra keys take precedence.
func (c *Client) EnrichRequirements(ctx context.Context, requirements []paygate.PaymentRequirement) ([]paygate.PaymentRequirement, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}

	supportedMap := make(map[string]paygate.SupportedKind)
	for _, kind := range supported.Kinds {
		key := paygate.ResolveNetwork(kind.Network) + "-" + kind.Scheme
		supportedMap[key] = kind
	}

	enriched := make([]paygate.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		key := paygate.ResolveNetwork(req.Network) + "-" + req.Scheme
		if kind, ok := supportedMap[key]; ok && kind.Extra != nil {
			if enriched[i].Extra == nil {
				enriched[i].Extra = make(map[string]interface{})
			}
			for k, v := range kind.Extra {
				if _, exists := enriched[i].Extra[k]; !exists {
					enriched[i].Extra[k] = v
				}
			}
		}
	}

	return enriched, nil
}

// parseErrorResponse extracts error details from a non-200 HTTP response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// isUnavailableError checks if an error marks the facilitator as unreachable.
// It uses errors.Is to properly detect wrapped errors.
func isUnavailableError(err error) bool {
	return errors.Is(err, paygate.ErrFacilitatorUnavailable)
}
