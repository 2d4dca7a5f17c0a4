// Package trustscore talks to the on-chain TrustScore contract: read paths
// for score queries and the batched write path used by the indexer.
package trustscore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSignerKey = errors.New("trustscore: invalid signer key")
	ErrBatchMismatch    = errors.New("trustscore: batch arrays misaligned")
	ErrEmptyBatch       = errors.New("trustscore: empty batch")
	ErrTxReverted       = errors.New("trustscore: transaction reverted")
	ErrTimeout          = errors.New("trustscore: operation timed out")
)

// CallError wraps contract interaction failures with the failing operation.
type CallError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("trustscore: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("trustscore: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// contractABI covers the read surface plus the indexer's batch write.
const contractABI = `[
	{"constant":true,"inputs":[{"name":"agentId","type":"uint256"}],"name":"getScore","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"agentId","type":"uint256"}],"name":"getDetailedReport","outputs":[
		{"name":"score","type":"uint256"},
		{"name":"totalFeedback","type":"uint256"},
		{"name":"positiveFeedback","type":"uint256"},
		{"name":"lastUpdated","type":"uint256"},
		{"name":"exists","type":"bool"}
	],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"ids","type":"uint256[]"},
		{"name":"scores","type":"uint256[]"},
		{"name":"totals","type":"uint256[]"},
		{"name":"positives","type":"uint256[]"}
	],"name":"batchUpdateScores","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails; batch writes are array-heavy.
	DefaultGasLimit = uint64(2_000_000)

	// DefaultConfirmationTimeout for waiting on a batch receipt.
	DefaultConfirmationTimeout = 90 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Report mirrors getDetailedReport. Exists is false for agents the contract
// has never stored; the other fields are zero in that case.
type Report struct {
	Score            uint64
	TotalFeedback    uint64
	PositiveFeedback uint64
	LastUpdated      uint64
	Exists           bool
}

func parseContractABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("trustscore: parse ABI: %w", err)
	}
	return parsed, nil
}
