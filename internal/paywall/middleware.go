// Package paywall implements HTTP 402 Payment Required middleware for the
// oracle's paid score and report routes
package paywall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/robomoustach/trustoracle/internal/idgen"
	"github.com/robomoustach/trustoracle/internal/validation"
	"github.com/robomoustach/trustoracle/internal/wallet"
)

// nonceRetention bounds how long an issued challenge nonce stays redeemable
// before the purge drops it.
const nonceRetention = 10 * time.Minute

// defaultProofMaxAge applies when Config.ValidFor is zero.
const defaultProofMaxAge = 5 * time.Minute

// nonceLedger records issued challenge nonces. A nonce redeems exactly once;
// replaying a settled proof fails at consume.
type nonceLedger struct {
	mu     sync.Mutex
	issued map[string]time.Time
}

var nonces = &nonceLedger{issued: make(map[string]time.Time)}

// issue mints a fresh nonce and records it. Expired entries are purged on
// the same lock acquisition to keep the map bounded.
func (nl *nonceLedger) issue() string {
	nonce := idgen.Hex(16)
	nl.mu.Lock()
	defer nl.mu.Unlock()
	nl.issued[nonce] = time.Now()
	cutoff := time.Now().Add(-nonceRetention)
	for k, t := range nl.issued {
		if t.Before(cutoff) {
			delete(nl.issued, k)
		}
	}
	return nonce
}

// consume redeems a nonce. It reports false for unknown, already-redeemed,
// or stale nonces.
func (nl *nonceLedger) consume(nonce string, maxAge time.Duration) bool {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	issued, ok := nl.issued[nonce]
	if !ok {
		return false
	}
	delete(nl.issued, nonce)
	return time.Since(issued) <= maxAge
}

// PaymentRequirement is the 402 challenge body. Its JSON shape is the wire
// contract the x402 client settles against.
type PaymentRequirement struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Chain       string `json:"chain"`
	ChainID     int64  `json:"chainId"`
	Recipient   string `json:"recipient"`
	Contract    string `json:"contract"`
	Description string `json:"description,omitempty"`
	ValidFor    int64  `json:"validFor,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// PaymentProof is the settled-payment evidence a client attaches to its
// retried request.
type PaymentProof struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PaymentWallet is the receiving-side wallet surface the paywall needs.
type PaymentWallet interface {
	Address() string
	VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error)
}

// Config wires the paywall onto a route group.
type Config struct {
	Wallet PaymentWallet

	DefaultPrice string
	Chain        string
	ChainID      int64
	Contract     string

	// RequireConfirmation makes verification wait for the payment tx to
	// confirm before accepting the proof.
	RequireConfirmation bool
	ConfirmationTimeout time.Duration

	// ValidFor bounds the life of an issued challenge and its proof.
	ValidFor time.Duration

	OnPaymentReceived func(proof *PaymentProof, route string)
	OnPaymentFailed   func(proof *PaymentProof, err error)
}

// Middleware guards a route at the config's default price.
func Middleware(cfg Config) gin.HandlerFunc {
	return MiddlewareWithPrice(cfg, cfg.DefaultPrice, "oracle API access")
}

// MiddlewareWithPrice guards a route at a specific price. Requests without
// a proof header receive a 402 challenge; requests with one proceed only
// after the proof verifies on-chain.
func MiddlewareWithPrice(cfg Config, price string, description string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proofHeader := c.GetHeader("X-Payment-Proof")
		if proofHeader == "" {
			// x402 standard header name, accepted as an alias.
			proofHeader = c.GetHeader("X-402-Payment")
		}
		if proofHeader == "" {
			challenge(c, cfg, price, description)
			return
		}

		var proof PaymentProof
		if err := json.Unmarshal([]byte(proofHeader), &proof); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_proof",
				"message": "Could not parse payment proof JSON",
			})
			return
		}

		verified, err := verifyProof(c.Request.Context(), cfg, &proof, price)
		if err != nil {
			if cfg.OnPaymentFailed != nil {
				cfg.OnPaymentFailed(&proof, err)
			}
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment_verification_failed",
				"message": "Payment verification failed",
			})
			return
		}
		if !verified {
			if cfg.OnPaymentFailed != nil {
				cfg.OnPaymentFailed(&proof, fmt.Errorf("payment amount insufficient"))
			}
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment_insufficient",
				"message": "Payment amount was less than required",
			})
			return
		}

		if cfg.OnPaymentReceived != nil {
			cfg.OnPaymentReceived(&proof, c.FullPath())
		}
		c.Set("payment_proof", &proof)
		c.Set("payment_amount", price)
		c.Next()
	}
}

// challenge writes the 402 response carrying a freshly issued nonce.
func challenge(c *gin.Context, cfg Config, price string, description string) {
	req := PaymentRequirement{
		Price:       price,
		Currency:    "USDC",
		Chain:       cfg.Chain,
		ChainID:     cfg.ChainID,
		Recipient:   cfg.Wallet.Address(),
		Contract:    cfg.Contract,
		Description: description,
		ValidFor:    int64(cfg.ValidFor.Seconds()),
		Nonce:       nonces.issue(),
	}

	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Currency", "USDC")
	c.Header("X-Payment-Amount", price)
	c.Header("X-Payment-Recipient", cfg.Wallet.Address())
	c.Header("X-Payment-Chain", cfg.Chain)

	c.AbortWithStatusJSON(http.StatusPaymentRequired, req)
}

// verifyProof checks the proof's nonce, freshness, and formats, then settles
// the question on-chain through the wallet.
func verifyProof(ctx context.Context, cfg Config, proof *PaymentProof, requiredAmount string) (bool, error) {
	if proof.TxHash == "" {
		return false, fmt.Errorf("missing transaction hash")
	}
	if proof.From == "" {
		return false, fmt.Errorf("missing sender address")
	}
	if proof.Nonce == "" {
		return false, fmt.Errorf("missing nonce")
	}

	maxAge := cfg.ValidFor
	if maxAge == 0 {
		maxAge = defaultProofMaxAge
	}
	if !nonces.consume(proof.Nonce, maxAge) {
		return false, fmt.Errorf("invalid or expired nonce")
	}

	if proof.Timestamp > 0 {
		age := time.Since(time.Unix(proof.Timestamp, 0))
		if age > maxAge || age < -30*time.Second {
			return false, fmt.Errorf("payment proof expired or has future timestamp")
		}
	}

	txHash := proof.TxHash
	if !strings.HasPrefix(txHash, "0x") {
		txHash = "0x" + txHash
	}
	if !validation.IsValidTxHash(txHash) {
		return false, fmt.Errorf("invalid transaction hash format")
	}
	if !validation.IsValidEthAddress(proof.From) {
		return false, fmt.Errorf("invalid sender address format")
	}

	if cfg.RequireConfirmation {
		timeout := cfg.ConfirmationTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		if _, err := cfg.Wallet.WaitForConfirmation(ctx, txHash, timeout); err != nil {
			return false, fmt.Errorf("transaction not confirmed: %w", err)
		}
	}

	verified, err := cfg.Wallet.VerifyPayment(ctx, proof.From, requiredAmount, txHash)
	if err != nil {
		return false, fmt.Errorf("verification failed: %w", err)
	}
	return verified, nil
}

// GetPaymentProof returns the verified proof stored on the request, or nil
// on unpaid (demo) requests.
func GetPaymentProof(c *gin.Context) *PaymentProof {
	if proof, exists := c.Get("payment_proof"); exists {
		return proof.(*PaymentProof)
	}
	return nil
}
