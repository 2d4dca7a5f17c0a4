package trustscore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/robomoustach/trustoracle/internal/rpc"
)

// Reader serves eth_call queries against the TrustScore contract.
type Reader struct {
	client    EthClient
	address   common.Address
	contract  abi.ABI
	retryOpts rpc.Options
}

// ReaderOption configures the reader.
type ReaderOption func(*Reader)

// WithReaderRetry overrides the retry settings for contract calls.
func WithReaderRetry(opts rpc.Options) ReaderOption {
	return func(r *Reader) { r.retryOpts = opts }
}

// NewReader creates a reader bound to the contract at address.
func NewReader(client EthClient, address common.Address, opts ...ReaderOption) (*Reader, error) {
	parsed, err := parseContractABI()
	if err != nil {
		return nil, err
	}
	r := &Reader{
		client:    client,
		address:   address,
		contract:  parsed,
		retryOpts: rpc.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Score returns the agent's stored score. Unknown agents read as zero; use
// DetailedReport when the caller needs to distinguish "no record" from a
// genuine zero.
func (r *Reader) Score(ctx context.Context, agentID *big.Int) (uint64, error) {
	out, err := r.call(ctx, "getScore", agentID)
	if err != nil {
		return 0, err
	}

	var score *big.Int
	if err := r.contract.UnpackIntoInterface(&score, "getScore", out); err != nil {
		return 0, &CallError{Op: "getScore", Err: err}
	}
	return score.Uint64(), nil
}

// DetailedReport returns the agent's full stored record.
func (r *Reader) DetailedReport(ctx context.Context, agentID *big.Int) (Report, error) {
	out, err := r.call(ctx, "getDetailedReport", agentID)
	if err != nil {
		return Report{}, err
	}

	var raw struct {
		Score            *big.Int
		TotalFeedback    *big.Int
		PositiveFeedback *big.Int
		LastUpdated      *big.Int
		Exists           bool
	}
	if err := r.contract.UnpackIntoInterface(&raw, "getDetailedReport", out); err != nil {
		return Report{}, &CallError{Op: "getDetailedReport", Err: err}
	}

	return Report{
		Score:            raw.Score.Uint64(),
		TotalFeedback:    raw.TotalFeedback.Uint64(),
		PositiveFeedback: raw.PositiveFeedback.Uint64(),
		LastUpdated:      raw.LastUpdated.Uint64(),
		Exists:           raw.Exists,
	}, nil
}

func (r *Reader) call(ctx context.Context, method string, agentID *big.Int) ([]byte, error) {
	data, err := r.contract.Pack(method, agentID)
	if err != nil {
		return nil, &CallError{Op: method, Err: fmt.Errorf("pack: %w", err)}
	}

	var out []byte
	err = rpc.Do(ctx, r.retryOpts, func(ctx context.Context) error {
		var err error
		out, err = r.client.CallContract(ctx, ethereum.CallMsg{
			To:   &r.address,
			Data: data,
		}, nil)
		return err
	})
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	return out, nil
}
