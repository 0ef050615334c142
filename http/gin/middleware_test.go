package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/encoding"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

// fakeFacilitator implements facilitator.Interface with fixed responses.
type fakeFacilitator struct {
	verifyResp  paygate.VerifyResponse
	settleResp  paygate.SettleResponse
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.VerifyResponse, error) {
	f.verifyCalls++
	resp := f.verifyResp
	return &resp, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettleResponse, error) {
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	resp := f.settleResp
	return &resp, nil
}

func (f *fakeFacilitator) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	return &paygate.SupportedResponse{}, nil
}

func newFakeFacilitator() *fakeFacilitator {
	return &fakeFacilitator{
		verifyResp: paygate.VerifyResponse{IsValid: true, Payer: testPayer},
		settleResp: paygate.SettleResponse{Success: true, Transaction: "0xgin", Network: "eip155:84532", Payer: testPayer},
	}
}

func testConfig(fac *fakeFacilitator) Config {
	return Config{
		Facilitator: fac,
		PaymentRequirements: []paygate.PaymentRequirement{
			{
				Scheme:            "exact",
				Network:           "eip155:84532",
				MaxAmountRequired: "10000",
				Asset:             testAsset,
				PayTo:             testPayTo,
				Resource:          "https://api.example.com/test",
				MaxTimeoutSeconds: 60,
			},
		},
	}
}

func paymentHeader(t *testing.T, nonce string) string {
	t.Helper()
	header, err := encoding.EncodePayment(paygate.PaymentPayload{
		X402Version: paygate.X402Version,
		Scheme:      "exact",
		Network:     "eip155:84532",
		Authorization: paygate.ExactAuthorization{
			From:      testPayer,
			To:        testPayTo,
			Value:     "10000",
			Nonce:     nonce,
			Signature: "0xsig",
		},
	})
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	return header
}

func TestGinMiddleware_NoPaymentReturns402(t *testing.T) {
	fac := newFakeFacilitator()
	r := gin.New()
	r.GET("/test", NewPaymentMiddleware(testConfig(fac)), func(c *gin.Context) {
		t.Error("handler called without payment")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json; charset=utf-8", ct)
	}

	var response paygate.PaymentRequired
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	if response.X402Version != paygate.X402Version {
		t.Errorf("x402Version = %d, want %d", response.X402Version, paygate.X402Version)
	}
	if len(response.Accepts) != 1 || response.Accepts[0].Network != "eip155:84532" {
		t.Errorf("accepts = %+v, want the configured requirement", response.Accepts)
	}
}

func TestGinMiddleware_MalformedHeaderReturns400(t *testing.T) {
	fac := newFakeFacilitator()
	r := gin.New()
	r.GET("/test", NewPaymentMiddleware(testConfig(fac)), func(c *gin.Context) {
		t.Error("handler called with malformed payment")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT", "!!not-a-payment!!")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if fac.verifyCalls != 0 {
		t.Errorf("verify calls = %d, want 0", fac.verifyCalls)
	}
}

func TestGinMiddleware_ValidPaymentSettlesAfterHandler(t *testing.T) {
	fac := newFakeFacilitator()
	r := gin.New()
	r.GET("/test", NewPaymentMiddleware(testConfig(fac)), func(c *gin.Context) {
		if fac.settleCalls != 0 {
			t.Error("settlement ran before the handler produced a result")
		}
		payment := GetPaymentFromContext(c)
		if payment == nil || payment.Payer != testPayer {
			t.Errorf("handler payment context = %+v, want payer %s", payment, testPayer)
		}
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "0xgin1"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if fac.verifyCalls != 1 || fac.settleCalls != 1 {
		t.Errorf("facilitator calls: verify=%d settle=%d, want 1/1", fac.verifyCalls, fac.settleCalls)
	}

	header := rec.Header().Get("X-PAYMENT-RESPONSE")
	if header == "" {
		t.Fatal("X-PAYMENT-RESPONSE header missing")
	}
	settlement, err := encoding.DecodeSettlement(header)
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if settlement.Transaction != "0xgin" {
		t.Errorf("settlement transaction = %q, want 0xgin", settlement.Transaction)
	}
}

func TestGinMiddleware_HandlerErrorSkipsSettlement(t *testing.T) {
	fac := newFakeFacilitator()
	r := gin.New()
	r.GET("/test", NewPaymentMiddleware(testConfig(fac)), func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upstream exploded"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "0xgin2"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 passed through", rec.Code)
	}
	if fac.settleCalls != 0 {
		t.Errorf("settle calls = %d, want 0 when the handler fails", fac.settleCalls)
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") != "" {
		t.Error("X-PAYMENT-RESPONSE set on a failed response")
	}
}

func TestGinMiddleware_SettlementFailureStillServesResult(t *testing.T) {
	fac := newFakeFacilitator()
	fac.settleResp = paygate.SettleResponse{Success: false, ErrorReason: "insufficient_funds"}
	r := gin.New()
	r.GET("/test", NewPaymentMiddleware(testConfig(fac)), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "the paid content"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "0xgin3"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// The paid-for work already ran; its result is served and the failure
	// rides the receipt header.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v; raw: %s", err, rec.Body.String())
	}
	if body["message"] != "the paid content" {
		t.Errorf("message = %v, want the handler's payload", body["message"])
	}

	header := rec.Header().Get("X-PAYMENT-RESPONSE")
	if header == "" {
		t.Fatal("X-PAYMENT-RESPONSE header missing")
	}
	settlement, err := encoding.DecodeSettlement(header)
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if settlement.Success {
		t.Error("receipt reports success for a failed settlement")
	}
	if settlement.ErrorReason != "insufficient_funds" {
		t.Errorf("receipt reason = %q, want insufficient_funds", settlement.ErrorReason)
	}
}

func TestGinMiddleware_VerifyOnlyMode(t *testing.T) {
	fac := newFakeFacilitator()
	config := testConfig(fac)
	config.VerifyOnly = true
	r := gin.New()
	r.GET("/test", NewPaymentMiddleware(config), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "0xgin4"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if fac.verifyCalls != 1 {
		t.Errorf("verify calls = %d, want 1", fac.verifyCalls)
	}
	if fac.settleCalls != 0 {
		t.Errorf("settle calls = %d, want 0 in verify-only mode", fac.settleCalls)
	}
}
