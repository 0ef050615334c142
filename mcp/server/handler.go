package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/facilitator"
	paygatehttp "github.com/machinepay/paygate/http"
	"github.com/machinepay/paygate/settle"
	"github.com/machinepay/paygate/state"
	"github.com/machinepay/paygate/validation"
)

// PaymentMetaKey is the _meta field carrying the payment payload on a tool
// call, and the settlement receipt on its result.
const (
	PaymentMetaKey         = "x402/payment"
	PaymentResponseMetaKey = "x402/payment-response"
)

// PaymentHandler wraps an MCP HTTP handler and adds payment verification,
// state tracking, and settlement around tools/call requests.
type PaymentHandler struct {
	mcpHandler  http.Handler
	config      *Config
	facilitator facilitator.Interface
	states      *state.Store
	coordinator *settle.Coordinator
}

// NewPaymentHandler creates a payment handler around an MCP HTTP handler.
func NewPaymentHandler(mcpHandler http.Handler, config *Config) (*PaymentHandler, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if config.FacilitatorURL == "" {
		return nil, fmt.Errorf("paygate: at least one facilitator URL must be provided")
	}

	primary := &facilitator.Client{
		BaseURL:               config.FacilitatorURL,
		HTTPClient:            &http.Client{Timeout: paygate.DefaultTimeouts.RequestTimeout},
		Timeouts:              paygate.DefaultTimeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}

	// With a fallback configured, every verify and settle goes through the
	// failover wrapper so the coordinator's state handling stays uniform.
	var fac facilitator.Interface = primary
	if config.FallbackFacilitatorURL != "" {
		fac = &facilitator.Failover{
			Primary: primary,
			Fallback: &facilitator.Client{
				BaseURL:               config.FallbackFacilitatorURL,
				HTTPClient:            &http.Client{Timeout: paygate.DefaultTimeouts.RequestTimeout},
				Timeouts:              paygate.DefaultTimeouts,
				Authorization:         config.FallbackFacilitatorAuthorization,
				AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
			},
			Logger: config.Logger,
		}
	}

	states := state.NewStore()

	return &PaymentHandler{
		mcpHandler:  mcpHandler,
		config:      config,
		facilitator: fac,
		states:      states,
		coordinator: &settle.Coordinator{
			Facilitator: fac,
			States:      states,
			MaxRetries:  config.MaxSettleRetries,
			Logger:      config.Logger,
			Metrics:     config.Metrics,
			OnEvent:     config.OnEvent,
		},
	}, nil
}

// ServeHTTP intercepts JSON-RPC requests to check for payments on tool calls.
func (h *PaymentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Only intercept POST requests (JSON-RPC calls)
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var jsonrpcReq struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(bodyBytes, &jsonrpcReq); err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}

	// Only tools/call is payment-gated
	if jsonrpcReq.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var toolParams struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
		Meta      map[string]interface{} `json:"_meta"`
	}
	if err := json.Unmarshal(jsonrpcReq.Params, &toolParams); err != nil {
		h.writeError(w, jsonrpcReq.ID, -32602, "Invalid params", nil)
		return
	}
	logger = logger.With("requestID", jsonrpcReq.ID, "tool", toolParams.Name)

	paymentConfig, needsPayment := h.paymentConfigFor(toolParams.Name)
	if !needsPayment {
		// Free tool
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	payment := extractPayment(toolParams.Meta)
	if payment == nil {
		h.sendPaymentRequiredError(w, jsonrpcReq.ID, paymentConfig)
		return
	}

	if err := validation.ValidatePayload(payment); err != nil {
		h.writeError(w, jsonrpcReq.ID, 402, fmt.Sprintf("Payment invalid: %v", err), nil)
		return
	}

	requirement, err := validation.Match(paymentConfig.Requirements, payment)
	if err != nil {
		h.writeError(w, jsonrpcReq.ID, 402, fmt.Sprintf("Payment invalid: %v", err), nil)
		return
	}

	key := paygatehttp.PaymentKey(payment)

	if st, ok := h.states.Status(key); !ok || (st != state.StatusVerified && st != state.StatusSettled) {
		if !ok {
			if _, err := h.states.Require(key, *requirement); err != nil {
				logger.Error("payment state require failed", "key", key, "error", err)
			}
		}
		if _, err := h.states.Submit(key, payment); err != nil {
			logger.Error("payment state submit failed", "key", key, "error", err)
			h.writeError(w, jsonrpcReq.ID, -32603, "Payment state conflict", nil)
			return
		}

		now := time.Now()
		windowErr := validation.CheckAuthorizationWindow(payment.Authorization, now)
		if windowErr == nil {
			if ps, ok := h.states.State(key); ok {
				windowErr = validation.CheckExpiry(*requirement, ps.IssuedAt, now)
			}
		}
		if windowErr != nil {
			if _, err := h.states.VerifyFail(key, string(paygate.ErrCodePaymentExpired)); err != nil {
				logger.Error("payment state transition failed", "key", key, "error", err)
			}
			h.writeError(w, jsonrpcReq.ID, 402, fmt.Sprintf("Payment invalid: %v", windowErr), nil)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), paygate.DefaultTimeouts.VerifyTimeout)
		defer cancel()

		verifyResp, err := h.facilitator.Verify(ctx, *payment, *requirement)
		if err != nil {
			if h.config.Verbose {
				logger.InfoContext(ctx, "payment verification failed", "error", err)
			}
			h.writeError(w, jsonrpcReq.ID, -32603, fmt.Sprintf("Verification failed: %v", err), nil)
			return
		}

		if !verifyResp.IsValid {
			if h.config.Verbose {
				logger.InfoContext(ctx, "payment rejected", "reason", verifyResp.InvalidReason)
			}
			if _, err := h.states.VerifyFail(key, verifyResp.InvalidReason); err != nil {
				logger.Error("payment state transition failed", "key", key, "error", err)
			}
			h.writeError(w, jsonrpcReq.ID, 402, fmt.Sprintf("Payment invalid: %s", verifyResp.InvalidReason), nil)
			return
		}

		if _, err := h.states.Verify(key); err != nil {
			logger.Error("payment state transition failed", "key", key, "error", err)
		}
	}

	h.forwardAndSettle(w, r, bodyBytes, key, payment, requirement, logger)
}

// paymentConfigFor returns a copy of a tool's payment configuration with the
// resource defaulted, or false for free tools.
func (h *PaymentHandler) paymentConfigFor(toolName string) (*ToolPaymentConfig, bool) {
	paymentConfig, exists := h.config.GetPaymentConfig(toolName)
	if !exists || len(paymentConfig.Requirements) == 0 {
		return nil, false
	}

	// Work on a copy to avoid mutating shared config
	reqCopy := make([]paygate.PaymentRequirement, len(paymentConfig.Requirements))
	copy(reqCopy, paymentConfig.Requirements)

	resource := paymentConfig.Resource
	if resource == "" {
		resource = ToolResource(toolName)
	}
	for i := range reqCopy {
		if reqCopy[i].Resource == "" {
			reqCopy[i].Resource = resource
		}
	}

	return &ToolPaymentConfig{
		Resource:     resource,
		Requirements: reqCopy,
	}, true
}

// extractPayment pulls the payment payload from params._meta["x402/payment"].
func extractPayment(meta map[string]interface{}) *paygate.PaymentPayload {
	if meta == nil {
		return nil
	}

	paymentData, ok := meta[PaymentMetaKey]
	if !ok {
		return nil
	}

	paymentBytes, err := json.Marshal(paymentData)
	if err != nil {
		return nil
	}

	var payment paygate.PaymentPayload
	if err := json.Unmarshal(paymentBytes, &payment); err != nil {
		return nil
	}

	if payment.X402Version != paygate.X402Version {
		return nil
	}

	return &payment
}

// sendPaymentRequiredError sends a 402 error with payment requirements.
func (h *PaymentHandler) sendPaymentRequiredError(w http.ResponseWriter, id interface{}, config *ToolPaymentConfig) {
	required := paygate.NewPaymentRequired(config.Requirements, "Payment required to access this resource", h.config.Discovery)

	errorData := map[string]interface{}{
		"x402Version": required.X402Version,
		"error":       required.Error,
		"resource":    config.Resource,
		"accepts":     required.Accepts,
	}
	if len(required.Extensions) > 0 {
		errorData["extensions"] = required.Extensions
	}

	h.writeError(w, id, 402, "Payment required", errorData)
}

// forwardAndSettle executes the MCP handler and, on success, settles the
// payment through the coordinator and injects the receipt into result._meta.
// A settlement failure does not withhold the tool's result: the failed
// receipt rides result._meta for the caller to inspect. A repeated call on a
// settled payment reuses the cached receipt.
func (h *PaymentHandler) forwardAndSettle(w http.ResponseWriter, r *http.Request, requestBody []byte, key string, payment *paygate.PaymentPayload, requirement *paygate.PaymentRequirement, logger *slog.Logger) {
	recorder := &responseRecorder{
		headerMap:  make(http.Header),
		statusCode: http.StatusOK,
	}

	// Restore request body
	r.Body = io.NopCloser(bytes.NewBuffer(requestBody))

	h.mcpHandler.ServeHTTP(recorder, r)

	var jsonrpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   interface{}     `json:"error,omitempty"`
		ID      interface{}     `json:"id"`
	}

	if err := json.Unmarshal(recorder.body.Bytes(), &jsonrpcResp); err != nil {
		if h.config.Verbose {
			logger.ErrorContext(r.Context(), "failed to parse MCP response, skipping settlement", "error", err)
		}
		// Unparseable response: forward as-is
		recorder.copyTo(w)
		return
	}

	if jsonrpcResp.Error != nil {
		if h.config.Verbose {
			logger.InfoContext(r.Context(), "execution failed, payment will not be settled")
		}
		recorder.copyTo(w)
		return
	}

	var settleResp *paygate.SettleResponse
	if !h.config.VerifyOnly {
		if h.config.Verbose {
			logger.InfoContext(r.Context(), "execution successful, settling payment")
		}
		settleCtx, settleCancel := context.WithTimeout(r.Context(), paygate.DefaultTimeouts.SettleTimeout)
		defer settleCancel()

		var err error
		settleResp, err = h.coordinator.Settle(settleCtx, key, *payment, *requirement)
		if err != nil {
			// The tool already ran; its result is released regardless. The
			// failure is recorded in the state store and reported in the
			// receipt attached to result._meta.
			logger.ErrorContext(settleCtx, "settlement failed after tool execution", "error", err)
			settleResp = settle.FailureReceipt(payment.Network, err)
		} else if h.config.Verbose {
			logger.InfoContext(settleCtx, "payment settled", "transaction", settleResp.Transaction)
		}
	}

	if jsonrpcResp.Result != nil {
		var result map[string]interface{}
		if err := json.Unmarshal(jsonrpcResp.Result, &result); err == nil {
			meta, ok := result["_meta"].(map[string]interface{})
			if !ok {
				meta = make(map[string]interface{})
			}

			if settleResp != nil {
				meta[PaymentResponseMetaKey] = settleResp
			} else {
				// Verify-only mode: verification passed, settlement was not
				// attempted; empty Transaction signals that.
				meta[PaymentResponseMetaKey] = paygate.SettleResponse{
					Success: true,
					Network: payment.Network,
				}
			}
			result["_meta"] = meta

			if modifiedResult, err := json.Marshal(result); err == nil {
				jsonrpcResp.Result = modifiedResult
			}
		}
	}

	responseBytes, err := json.Marshal(jsonrpcResp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for k, v := range recorder.headerMap {
		w.Header()[k] = v
	}
	w.WriteHeader(recorder.statusCode)
	_, _ = w.Write(responseBytes)
}

// writeError writes a JSON-RPC error response.
func (h *PaymentHandler) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errorResp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}

	if data != nil {
		errorResp["error"].(map[string]interface{})["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	_ = json.NewEncoder(w).Encode(errorResp)
}

// responseRecorder records HTTP responses for modification.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

// copyTo replays the recorded response onto the real writer.
func (r *responseRecorder) copyTo(w http.ResponseWriter) {
	for k, v := range r.headerMap {
		w.Header()[k] = v
	}
	w.WriteHeader(r.statusCode)
	_, _ = w.Write(r.body.Bytes())
}
