package trustscore

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de5")

const testSignerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type mockEth struct {
	callResult []byte
	callErr    error
	callData   []byte // last eth_call payload

	nonce       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	estimateErr error

	sent    *types.Transaction
	sendErr error

	receipt     *types.Receipt
	receiptErrs int // eth_getTransactionReceipt failures before success
}

func (m *mockEth) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m.callData = call.Data
	return m.callResult, m.callErr
}

func (m *mockEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.gasPrice, nil
}

func (m *mockEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return m.gasEstimate, nil
}

func (m *mockEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.sent = tx
	return m.sendErr
}

func (m *mockEth) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if m.receiptErrs > 0 {
		m.receiptErrs--
		return nil, ethereum.NotFound
	}
	if m.receipt == nil {
		return nil, ethereum.NotFound
	}
	return m.receipt, nil
}

func packOutputs(t *testing.T, method string, values ...interface{}) []byte {
	t.Helper()
	parsed, err := parseContractABI()
	require.NoError(t, err)
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func TestReaderScore(t *testing.T) {
	client := &mockEth{callResult: packOutputs(t, "getScore", big.NewInt(742))}
	reader, err := NewReader(client, contractAddr)
	require.NoError(t, err)

	score, err := reader.Score(context.Background(), big.NewInt(12))
	require.NoError(t, err)
	assert.Equal(t, uint64(742), score)

	// The call payload must carry the getScore selector and the agent ID.
	parsed, _ := parseContractABI()
	want, _ := parsed.Pack("getScore", big.NewInt(12))
	assert.True(t, bytes.Equal(want, client.callData), "eth_call payload mismatch")
}

func TestReaderDetailedReport(t *testing.T) {
	client := &mockEth{callResult: packOutputs(t, "getDetailedReport",
		big.NewInt(800), big.NewInt(80), big.NewInt(70), big.NewInt(1_700_000_000), true)}
	reader, err := NewReader(client, contractAddr)
	require.NoError(t, err)

	report, err := reader.DetailedReport(context.Background(), big.NewInt(12))
	require.NoError(t, err)
	assert.Equal(t, Report{
		Score:            800,
		TotalFeedback:    80,
		PositiveFeedback: 70,
		LastUpdated:      1_700_000_000,
		Exists:           true,
	}, report)
}

func TestReaderUnknownAgent(t *testing.T) {
	client := &mockEth{callResult: packOutputs(t, "getDetailedReport",
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), false)}
	reader, err := NewReader(client, contractAddr)
	require.NoError(t, err)

	report, err := reader.DetailedReport(context.Background(), big.NewInt(99))
	require.NoError(t, err)
	assert.False(t, report.Exists)
	assert.Zero(t, report.Score)
}

func TestReaderCallErrorWrapped(t *testing.T) {
	client := &mockEth{callErr: errors.New("execution reverted")}
	reader, err := NewReader(client, contractAddr)
	require.NoError(t, err)

	_, err = reader.Score(context.Background(), big.NewInt(1))
	require.Error(t, err)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "getScore", ce.Op)
}

func TestNewUpdaterValidation(t *testing.T) {
	client := &mockEth{}

	_, err := NewUpdater(client, contractAddr, "too-short", 8453)
	assert.ErrorIs(t, err, ErrInvalidSignerKey)

	_, err = NewUpdater(client, contractAddr, testSignerKey, 0)
	assert.Error(t, err)

	u, err := NewUpdater(client, contractAddr, testSignerKey, 8453)
	require.NoError(t, err)

	key, _ := crypto.HexToECDSA(testSignerKey[2:])
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), u.Signer())
}

func TestUpdaterCommit(t *testing.T) {
	client := &mockEth{
		nonce:       7,
		gasEstimate: 150_000,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(123456),
			GasUsed:     140_000,
		},
	}
	u, err := NewUpdater(client, contractAddr, testSignerKey, 8453)
	require.NoError(t, err)

	updates := []Update{
		{AgentID: big.NewInt(5), Score: 333, TotalFeedback: 3, PositiveFeedback: 1},
		{AgentID: big.NewInt(12), Score: 660, TotalFeedback: 60, PositiveFeedback: 36},
	}
	result, err := u.Commit(context.Background(), updates)
	require.NoError(t, err)

	assert.Equal(t, uint64(123456), result.BlockNumber)
	assert.Equal(t, uint64(7), result.Nonce)
	assert.Equal(t, 2, result.Updated)

	require.NotNil(t, client.sent)
	tx := client.sent
	assert.Equal(t, contractAddr, *tx.To())
	assert.Equal(t, uint64(150_000), tx.Gas())

	// The signature must recover to the updater's address on the right chain.
	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, u.Signer(), sender.Hex())

	// Calldata arrays stay aligned with the input rows.
	parsed, _ := parseContractABI()
	args, err := parsed.Methods["batchUpdateScores"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	ids := args[0].([]*big.Int)
	scores := args[1].([]*big.Int)
	require.Len(t, ids, 2)
	assert.Equal(t, int64(5), ids[0].Int64())
	assert.Equal(t, int64(12), ids[1].Int64())
	assert.Equal(t, int64(333), scores[0].Int64())
	assert.Equal(t, int64(660), scores[1].Int64())
}

func TestUpdaterGasEstimateFallback(t *testing.T) {
	client := &mockEth{
		estimateErr: errors.New("execution reverted"),
		receipt:     &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)},
	}
	u, err := NewUpdater(client, contractAddr, testSignerKey, 8453, WithGasLimit(777_000))
	require.NoError(t, err)

	_, err = u.Commit(context.Background(), []Update{{AgentID: big.NewInt(1)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(777_000), client.sent.Gas())
}

func TestUpdaterEmptyBatch(t *testing.T) {
	u, err := NewUpdater(&mockEth{}, contractAddr, testSignerKey, 8453)
	require.NoError(t, err)

	_, err = u.Commit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestUpdaterRevertedReceipt(t *testing.T) {
	client := &mockEth{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)},
	}
	u, err := NewUpdater(client, contractAddr, testSignerKey, 8453)
	require.NoError(t, err)

	_, err = u.Commit(context.Background(), []Update{{AgentID: big.NewInt(1)}})
	assert.ErrorIs(t, err, ErrTxReverted)
}
