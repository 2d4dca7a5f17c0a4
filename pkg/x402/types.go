// Package x402 implements the client side of the x402 payment protocol:
// decoding 402 challenges from the oracle API, settling them in USDC, and
// attaching the resulting proof to the retried request
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PaymentRequirement mirrors the oracle's 402 challenge body. The nonce is
// single-use; a proof citing a spent or unknown nonce is rejected.
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

// PaymentProof is the settlement evidence sent back in the proof header.
type PaymentProof struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ParsePaymentRequirement decodes the challenge carried by a 402 response.
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}
	return &req, nil
}

// CreatePaymentProof stamps a settled transfer into proof form.
func CreatePaymentProof(txHash, fromAddress, nonce string) *PaymentProof {
	return &PaymentProof{
		TxHash:    txHash,
		From:      fromAddress,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	}
}

// ToHeader serializes the proof for the X-Payment-Proof header.
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// AddProofToRequest attaches the proof header to a request about to be
// retried.
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set("X-Payment-Proof", header)
	return nil
}
