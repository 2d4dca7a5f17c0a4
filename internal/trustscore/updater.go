package trustscore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Update is one agent's row in a batchUpdateScores call.
type Update struct {
	AgentID          *big.Int
	Score            uint64
	TotalFeedback    uint64
	PositiveFeedback uint64
}

// BatchResult describes a mined batch transaction.
type BatchResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
	Updated     int
}

// Updater signs and submits batchUpdateScores transactions.
type Updater struct {
	client     EthClient
	address    common.Address
	contract   abi.ABI
	privateKey *ecdsa.PrivateKey
	signer     common.Address
	chainID    *big.Int
	gasLimit   uint64
}

// UpdaterOption configures the updater.
type UpdaterOption func(*Updater)

// WithGasLimit sets the fallback gas limit used when estimation fails.
func WithGasLimit(limit uint64) UpdaterOption {
	return func(u *Updater) { u.gasLimit = limit }
}

// NewUpdater creates an updater signing with privateKeyHex (0x prefix
// optional) on the given chain.
func NewUpdater(client EthClient, address common.Address, privateKeyHex string, chainID int64, opts ...UpdaterOption) (*Updater, error) {
	key := strings.TrimPrefix(privateKeyHex, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidSignerKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignerKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidSignerKey)
	}
	if chainID == 0 {
		return nil, errors.New("trustscore: chain ID required")
	}

	parsed, err := parseContractABI()
	if err != nil {
		return nil, err
	}

	u := &Updater{
		client:     client,
		address:    address,
		contract:   parsed,
		privateKey: privateKey,
		signer:     crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(chainID),
		gasLimit:   DefaultGasLimit,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Signer returns the updater's sending address.
func (u *Updater) Signer() string {
	return u.signer.Hex()
}

// Commit submits one batchUpdateScores transaction for updates and waits for
// its receipt. The batch is sent exactly as given; callers are responsible
// for ordering and size limits.
func (u *Updater) Commit(ctx context.Context, updates []Update) (*BatchResult, error) {
	if len(updates) == 0 {
		return nil, ErrEmptyBatch
	}

	ids := make([]*big.Int, len(updates))
	scores := make([]*big.Int, len(updates))
	totals := make([]*big.Int, len(updates))
	positives := make([]*big.Int, len(updates))
	for i, up := range updates {
		if up.AgentID == nil {
			return nil, fmt.Errorf("%w: nil agent ID at index %d", ErrBatchMismatch, i)
		}
		ids[i] = up.AgentID
		scores[i] = new(big.Int).SetUint64(up.Score)
		totals[i] = new(big.Int).SetUint64(up.TotalFeedback)
		positives[i] = new(big.Int).SetUint64(up.PositiveFeedback)
	}

	data, err := u.contract.Pack("batchUpdateScores", ids, scores, totals, positives)
	if err != nil {
		return nil, &CallError{Op: "pack", Err: err}
	}

	nonce, err := u.client.PendingNonceAt(ctx, u.signer)
	if err != nil {
		return nil, &CallError{Op: "nonce", Err: err}
	}

	gasPrice, err := u.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: "gas_price", Err: err}
	}

	gasLimit, err := u.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  u.signer,
		To:    &u.address,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = u.gasLimit
	}

	tx := types.NewTransaction(nonce, u.address, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(u.chainID), u.privateKey)
	if err != nil {
		return nil, &CallError{Op: "sign", Err: err}
	}

	if err := u.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &CallError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	result, err := u.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, err
	}
	result.Nonce = nonce
	result.Updated = len(updates)
	return result, nil
}

func (u *Updater) waitForReceipt(ctx context.Context, hash common.Hash) (*BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := u.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return nil, &CallError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTxReverted}
			}
			return &BatchResult{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}
