package paywall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomoustach/trustoracle/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubWallet struct {
	verified    bool
	verifyCalls int
}

func (w *stubWallet) Address() string { return "0x1234567890123456789012345678901234567890" }

func (w *stubWallet) VerifyPayment(ctx context.Context, from, minAmount, txHash string) (bool, error) {
	w.verifyCalls++
	return w.verified, nil
}

func (w *stubWallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: txHash}, nil
}

func testRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.GET("/score", MiddlewareWithPrice(cfg, "0.005", "score lookup"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func testConfig(w PaymentWallet) Config {
	return Config{
		Wallet:   w,
		Chain:    "base",
		ChainID:  8453,
		Contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		ValidFor: 5 * time.Minute,
	}
}

func proofHeader(t *testing.T, nonce string) string {
	t.Helper()
	data, err := json.Marshal(PaymentProof{
		TxHash:    "0x" + strings.Repeat("ab", 32),
		From:      "0x2222222222222222222222222222222222222222",
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	return string(data)
}

func TestChallengeCarriesNonceAndHeaders(t *testing.T) {
	router := testRouter(testConfig(&stubWallet{verified: true}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/score", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))
	assert.Equal(t, "USDC", w.Header().Get("X-Payment-Currency"))
	assert.Equal(t, "0.005", w.Header().Get("X-Payment-Amount"))
	assert.Equal(t, "base", w.Header().Get("X-Payment-Chain"))

	var req PaymentRequirement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))
	assert.Equal(t, "0.005", req.Price)
	assert.Equal(t, int64(8453), req.ChainID)
	assert.Len(t, req.Nonce, 32, "16 random bytes hex encoded")
}

func TestProofRedeemsOnceOnly(t *testing.T) {
	stub := &stubWallet{verified: true}
	router := testRouter(testConfig(stub))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/score", nil))
	var challenge PaymentRequirement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	paid := httptest.NewRequest("GET", "/score", nil)
	paid.Header.Set("X-Payment-Proof", proofHeader(t, challenge.Nonce))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, paid)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, stub.verifyCalls)

	// Replaying the settled proof fails: the nonce is spent.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, paid)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "payment_verification_failed")
	assert.Equal(t, 1, stub.verifyCalls, "replay must not reach the wallet")
}

func TestUnknownNonceRejected(t *testing.T) {
	router := testRouter(testConfig(&stubWallet{verified: true}))

	req := httptest.NewRequest("GET", "/score", nil)
	req.Header.Set("X-Payment-Proof", proofHeader(t, "never-issued"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "payment_verification_failed")
}

func TestMalformedProofJSON(t *testing.T) {
	router := testRouter(testConfig(&stubWallet{verified: true}))

	req := httptest.NewRequest("GET", "/score", nil)
	req.Header.Set("X-Payment-Proof", "not-valid-json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_payment_proof")
}

func TestInsufficientPayment(t *testing.T) {
	router := testRouter(testConfig(&stubWallet{verified: false}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/score", nil))
	var challenge PaymentRequirement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	req := httptest.NewRequest("GET", "/score", nil)
	req.Header.Set("X-Payment-Proof", proofHeader(t, challenge.Nonce))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "payment_insufficient")
}

func TestX402HeaderAliasAccepted(t *testing.T) {
	stub := &stubWallet{verified: true}
	router := testRouter(testConfig(stub))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/score", nil))
	var challenge PaymentRequirement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	req := httptest.NewRequest("GET", "/score", nil)
	req.Header.Set("X-402-Payment", proofHeader(t, challenge.Nonce))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
