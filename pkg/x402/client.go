package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/robomoustach/trustoracle/internal/wallet"
)

// Client wraps http.Client with automatic 402 payment handling. The trust
// client uses it as the paid fetcher: a 402 challenge from the oracle API is
// settled in USDC and the original request retried with the proof attached.
type Client struct {
	httpClient *http.Client
	payer      wallet.Payer

	// Configuration
	MaxRetries       int           // Max payment retries (default: 1)
	ConfirmTimeout   time.Duration // Time to wait for tx confirmation (default: 30s)
	AutoPay          bool          // Automatically pay 402s (default: true)
	MaxPaymentAtomic int64         // Max payment in USDC atomic units (0 = unlimited)

	// Hooks
	OnPayment func(req *PaymentRequirement, proof *PaymentProof) // Called before each payment
}

// NewClient creates a new x402-enabled HTTP client paying through p
func NewClient(p wallet.Payer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		payer:          p,
		MaxRetries:     1,
		ConfirmTimeout: 30 * time.Second,
		AutoPay:        true,
	}
}

// WithHTTPClient swaps the underlying transport (useful for testing and for
// callers that manage timeouts through request contexts)
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Do performs an HTTP request with automatic 402 payment handling
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Clone the request body if present (we might need to retry)
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		// Reset body for retry
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		// Not a 402 - return response as-is
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		// Don't auto-pay if disabled
		if !c.AutoPay {
			return resp, nil
		}

		// Parse payment requirement
		payReq, err := ParsePaymentRequirement(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
		}

		// Check max payment limit
		if c.MaxPaymentAtomic > 0 {
			if err := c.checkPaymentLimit(payReq.Price); err != nil {
				return nil, err
			}
		}

		// Make the payment
		proof, err := c.makePayment(ctx, payReq)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		// Call hook if set
		if c.OnPayment != nil {
			c.OnPayment(payReq, proof)
		}

		// Add proof to request and retry
		if err := AddProofToRequest(req, proof); err != nil {
			return nil, fmt.Errorf("failed to add proof: %w", err)
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// Get performs a GET request with automatic 402 handling
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// makePayment executes a USDC transfer and waits for confirmation
func (c *Client) makePayment(ctx context.Context, req *PaymentRequirement) (*PaymentProof, error) {
	recipient := common.HexToAddress(req.Recipient)

	price, err := wallet.ParseUSDC(req.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}

	result, err := c.payer.Transfer(ctx, recipient, price)
	if err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	// Wait for confirmation if timeout is set
	if c.ConfirmTimeout > 0 {
		_, err = c.payer.WaitForConfirmation(ctx, result.TxHash, c.ConfirmTimeout)
		if err != nil {
			return nil, fmt.Errorf("confirmation failed: %w", err)
		}
	}

	return CreatePaymentProof(result.TxHash, c.payer.Address(), req.Nonce), nil
}

// checkPaymentLimit verifies the payment doesn't exceed the atomic cap
func (c *Client) checkPaymentLimit(price string) error {
	reqAmount, err := wallet.ParseUSDC(price)
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}

	if reqAmount.Cmp(big.NewInt(c.MaxPaymentAtomic)) > 0 {
		return fmt.Errorf("payment %s exceeds max %s", price, wallet.FormatAtomic(c.MaxPaymentAtomic))
	}

	return nil
}
