// Package wallet is the oracle's USDC payment rail on Base. The trust
// client uses it through x402 to settle challenges from upstream paid
// sources, and the server's paywall uses it to verify that callers
// actually paid before serving a scored verdict.
package wallet

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
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

const (
	// USDCDecimals is the token's atomic precision: 1 USDC = 10^6 units.
	USDCDecimals = 6

	// DefaultGasLimit covers a plain ERC20 transfer when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout bounds WaitForConfirmation callers that
	// pass a zero timeout.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// The only ERC20 surface the oracle touches: outbound transfer calls
// and inbound Transfer events on receipts.
const usdcABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// Payer settles outbound micropayments. The x402 client depends on this
// interface rather than the concrete Wallet so tests can pay with a fake.
type Payer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error)
	Address() string
}

// EthClient is the subset of ethclient.Client the wallet needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// TransferError carries the failed step and, once a transaction has been
// broadcast, its hash so operators can chase it on a block explorer.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// TransferResult describes a broadcast or confirmed transfer.
type TransferResult struct {
	TxHash      string
	From        string
	To          string
	Amount      string // human-readable USDC
	AmountRaw   *big.Int
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Config for opening a wallet.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, 0x prefix optional
	ChainID      int64
	USDCContract string
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient substitutes the Ethereum client, bypassing the RPC dial.
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// Wallet signs USDC transfers and verifies inbound payments against
// receipt logs. Safe for concurrent use by the client and the paywall.
type Wallet struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	usdcContract common.Address
	usdcABI      abi.ABI
}

var _ Payer = (*Wallet)(nil)

// New opens a wallet from cfg. Unless WithClient is given it dials
// cfg.RPCURL.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(usdcABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	w := &Wallet{
		privateKey:   key,
		address:      crypto.PubkeyToAddress(*pub),
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		usdcABI:      parsedABI,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.USDCContract == "" {
		return fmt.Errorf("USDC contract address required")
	}
	return nil
}

// Address returns the wallet's checksummed address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Transfer signs and broadcasts a USDC transfer. amount is in atomic
// units. The returned result has no block number yet; pass its TxHash to
// WaitForConfirmation for that.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	data, err := w.usdcABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &w.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, w.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}
	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash:    signedTx.Hash().Hex(),
		From:      w.address.Hex(),
		To:        to.Hex(),
		Amount:    FormatUSDC(amount),
		AmountRaw: amount,
		Nonce:     nonce,
	}, nil
}

// WaitForConfirmation polls for the receipt of txHash until it is mined
// or the timeout elapses. A reverted transaction is a TransferError
// wrapping ErrTransactionFailed.
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status == 0 {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return &TransferResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// VerifyPayment reports whether txHash carries a successful USDC Transfer
// of at least minAmount from the claimed payer to this wallet. The
// paywall calls this before serving a paid verdict.
func (w *Wallet) VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error) {
	want, err := ParseUSDC(minAmount)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status == 0 {
		return false, nil
	}

	payer := common.HexToAddress(from)
	for _, log := range receipt.Logs {
		if w.transferTo(log, payer, w.address, want) {
			return true, nil
		}
	}
	return false, nil
}

// transferTo reports whether log is a USDC Transfer event from payer to
// recipient of at least minAmount.
func (w *Wallet) transferTo(log *types.Log, payer, recipient common.Address, minAmount *big.Int) bool {
	if log.Address != w.usdcContract || len(log.Topics) < 3 {
		return false
	}
	from := common.HexToAddress(log.Topics[1].Hex())
	to := common.HexToAddress(log.Topics[2].Hex())
	amount := new(big.Int).SetBytes(log.Data)
	return from == payer && to == recipient && amount.Cmp(minAmount) >= 0
}

// Close releases the underlying RPC connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// FormatUSDC renders an atomic-unit amount as a decimal USDC string.
// Whole-dollar amounts drop the fraction; anything else keeps the full
// six digits.
func FormatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)
	whole := new(big.Int).Div(amount, divisor)
	frac := new(big.Int).Mod(amount, divisor)
	if frac.Sign() == 0 {
		return whole.String()
	}
	return fmt.Sprintf("%s.%06d", whole.String(), frac.Int64())
}

// FormatAtomic is FormatUSDC for int64 amounts, which is how prices
// travel through config and the x402 headers.
func FormatAtomic(amount int64) string {
	return FormatUSDC(big.NewInt(amount))
}

// ParseUSDC converts a decimal USDC string to atomic units. Fractions
// beyond six digits are truncated, not rounded.
func ParseUSDC(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if strings.Contains(frac, ".") {
		return nil, fmt.Errorf("invalid amount format")
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}
	if wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if frac != "" {
		if len(frac) > USDCDecimals {
			frac = frac[:USDCDecimals]
		}
		for len(frac) < USDCDecimals {
			frac += "0"
		}
		fracBig, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, fracBig)
	}
	return result, nil
}
