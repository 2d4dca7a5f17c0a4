package registry

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var registryAddr = common.HexToAddress("0x0000000000000000000000000000000000008004")

// fakeEth is a minimal EthClient serving canned logs and headers.
type fakeEth struct {
	head        uint64
	logs        []types.Log
	headers     map[uint64]uint64 // block -> unix seconds
	headerCalls int

	failFilterTimes int // fail this many FilterLogs calls with a transient error
	filterCalls     int
}

func (f *fakeEth) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeEth) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.filterCalls++
	if f.failFilterTimes > 0 {
		f.failFilterTimes--
		return nil, errors.New("request timed out")
	}

	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !topicMatches(q.Topics, 0, lg.Topics[0]) || !topicMatches(q.Topics, 1, lg.Topics[1]) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func topicMatches(filter [][]common.Hash, pos int, topic common.Hash) bool {
	if pos >= len(filter) || len(filter[pos]) == 0 {
		return true
	}
	for _, h := range filter[pos] {
		if h == topic {
			return true
		}
	}
	return false
}

func (f *fakeEth) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.headerCalls++
	secs, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, errors.New("execution aborted: block not found")
	}
	return &types.Header{Number: new(big.Int).Set(number), Time: secs}, nil
}

func newTestSource(t *testing.T, client EthClient) *Source {
	t.Helper()
	src, err := NewSource(client, registryAddr, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	src.retryOpts.InitialDelay = 1 // effectively no backoff in tests
	return src
}

// makeLog encodes a feedback event the way the registry contract emits it.
func makeLog(t *testing.T, src *Source, eventName string, agentID int64, client common.Address,
	value int64, block uint64, logIndex uint, txHash byte) types.Log {
	t.Helper()

	event := src.events.Events[eventName]
	data, err := event.Inputs.NonIndexed().Pack(
		uint64(1),             // feedbackIndex
		big.NewInt(value),     // value
		uint8(0),              // valueDecimals
		"quality",             // tag1
		"",                    // tag2
		"https://agent.test",  // endpoint
		"ipfs://feedback",     // feedbackURI
		[32]byte{0xfe, 0xed},  // feedbackHash
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	return types.Log{
		Address: registryAddr,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(agentID)),
			common.BytesToHash(client.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		Index:       logIndex,
		TxHash:      common.Hash{txHash},
	}
}

func TestAgentFeedbackDecodesAndOrders(t *testing.T) {
	client := &fakeEth{head: 100}
	src := newTestSource(t, client)
	grader := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	// Deliberately out of order: later block first, then log-index ties.
	client.logs = []types.Log{
		makeLog(t, src, "FeedbackPosted", 7, grader, 5, 90, 0, 3),
		makeLog(t, src, "FeedbackPosted", 7, grader, -2, 80, 2, 2),
		makeLog(t, src, "FeedbackPosted", 7, grader, 0, 80, 1, 1),
	}

	events, err := src.AgentFeedback(context.Background(), big.NewInt(7), 0, 100)
	if err != nil {
		t.Fatalf("AgentFeedback: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	wantOrder := []struct {
		block uint64
		index uint
	}{{80, 1}, {80, 2}, {90, 0}}
	for i, w := range wantOrder {
		if events[i].BlockNumber != w.block || events[i].LogIndex != w.index {
			t.Errorf("event %d at (%d, %d), want (%d, %d)",
				i, events[i].BlockNumber, events[i].LogIndex, w.block, w.index)
		}
	}

	if events[0].AgentID != "7" {
		t.Errorf("AgentID = %q, want \"7\"", events[0].AgentID)
	}
	if events[0].ClientAddress != grader {
		t.Errorf("ClientAddress = %s, want %s", events[0].ClientAddress, grader)
	}

	// Sentiment: zero and negative are negative, positive is positive.
	if events[0].Positive() || events[1].Positive() {
		t.Error("value <= 0 should be negative sentiment")
	}
	if !events[2].Positive() {
		t.Error("value > 0 should be positive sentiment")
	}
}

func TestScanDeduplicates(t *testing.T) {
	client := &fakeEth{head: 100}
	src := newTestSource(t, client)
	grader := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	lg := makeLog(t, src, "FeedbackPosted", 1, grader, 10, 50, 0, 1)
	client.logs = []types.Log{lg, lg, lg}

	events, err := src.AgentFeedback(context.Background(), big.NewInt(1), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("duplicated logs should collapse to 1 event, got %d", len(events))
	}
}

func TestSynonymSignaturesDeduplicate(t *testing.T) {
	client := &fakeEth{head: 100}
	src := newTestSource(t, client)
	grader := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	// Same payload emitted under both names (migration deployment): the
	// dedup key ignores the signature, so they collapse.
	client.logs = []types.Log{
		makeLog(t, src, "FeedbackPosted", 1, grader, 10, 50, 0, 1),
		makeLog(t, src, "NewFeedback", 1, grader, 10, 50, 0, 1),
	}

	events, err := src.AgentFeedback(context.Background(), big.NewInt(1), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("identical payloads under both signatures should dedupe, got %d", len(events))
	}

	// Differing payloads stay separate.
	client.logs = []types.Log{
		makeLog(t, src, "FeedbackPosted", 1, grader, 10, 50, 0, 1),
		makeLog(t, src, "NewFeedback", 1, grader, -4, 50, 1, 1),
	}
	events, err = src.AgentFeedback(context.Background(), big.NewInt(1), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("different payloads must be recorded separately, got %d", len(events))
	}
}

func TestDirtyAgentsUnique(t *testing.T) {
	client := &fakeEth{head: 100}
	src := newTestSource(t, client)
	grader := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	client.logs = []types.Log{
		makeLog(t, src, "FeedbackPosted", 3, grader, 1, 10, 0, 1),
		makeLog(t, src, "NewFeedback", 5, grader, 1, 11, 0, 2),
		makeLog(t, src, "FeedbackPosted", 3, grader, -1, 12, 0, 3),
	}

	ids, err := src.DirtyAgents(context.Background(), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("dirty agents = %v, want 2 unique", ids)
	}
}

func TestAgentFeedbackFiltersByAgent(t *testing.T) {
	client := &fakeEth{head: 100}
	src := newTestSource(t, client)
	grader := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	client.logs = []types.Log{
		makeLog(t, src, "FeedbackPosted", 3, grader, 1, 10, 0, 1),
		makeLog(t, src, "FeedbackPosted", 9, grader, 1, 11, 0, 2),
	}

	events, err := src.AgentFeedback(context.Background(), big.NewInt(9), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].AgentID != "9" {
		t.Errorf("per-agent scan leaked other agents: %+v", events)
	}
}

func TestScanRetriesTransientErrors(t *testing.T) {
	client := &fakeEth{head: 100, failFilterTimes: 2}
	src := newTestSource(t, client)

	_, err := src.DirtyAgents(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("scan should survive transient failures: %v", err)
	}
	if client.filterCalls != 3 {
		t.Errorf("filterCalls = %d, want 3", client.filterCalls)
	}
}

func TestScanRejectsInvertedRange(t *testing.T) {
	src := newTestSource(t, &fakeEth{head: 100})
	if _, err := src.DirtyAgents(context.Background(), 50, 10); err == nil {
		t.Error("inverted range should error")
	}
}

func TestTimestampCache(t *testing.T) {
	client := &fakeEth{headers: map[uint64]uint64{77: 1_700_000_000}}
	cache := NewTimestampCache(client)
	cache.retryOpts.InitialDelay = 1
	cache.retryOpts.MaxRetries = 1

	ms, err := cache.BlockTimeMs(context.Background(), 77)
	if err != nil {
		t.Fatal(err)
	}
	if ms != 1_700_000_000_000 {
		t.Errorf("BlockTimeMs = %d, want seconds*1000", ms)
	}

	// Second read is memoized.
	if _, err := cache.BlockTimeMs(context.Background(), 77); err != nil {
		t.Fatal(err)
	}
	if client.headerCalls != 1 {
		t.Errorf("headerCalls = %d, want 1 (memoized)", client.headerCalls)
	}

	// A block the node cannot serve is fatal.
	if _, err := cache.BlockTimeMs(context.Background(), 999); err == nil {
		t.Error("missing block should be an error")
	}
}
