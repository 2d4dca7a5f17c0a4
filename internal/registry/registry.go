// Package registry reads feedback events from the ERC-8004 reputation
// registry contract.
//
// Deployments disagree on the event name: older registries emit NewFeedback,
// newer ones FeedbackPosted, with an identical parameter list. The source
// scans both signatures in a single log filter and treats them as synonyms.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robomoustach/trustoracle/internal/rpc"
)

// feedbackEventsABI declares both accepted signatures. The parameter lists
// must stay identical; the decoder relies on it.
const feedbackEventsABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":true,"name":"clientAddress","type":"address"},
		{"indexed":false,"name":"feedbackIndex","type":"uint64"},
		{"indexed":false,"name":"value","type":"int128"},
		{"indexed":false,"name":"valueDecimals","type":"uint8"},
		{"indexed":true,"name":"indexedTag1","type":"string"},
		{"indexed":false,"name":"tag1","type":"string"},
		{"indexed":false,"name":"tag2","type":"string"},
		{"indexed":false,"name":"endpoint","type":"string"},
		{"indexed":false,"name":"feedbackURI","type":"string"},
		{"indexed":false,"name":"feedbackHash","type":"bytes32"}
	],"name":"FeedbackPosted","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":true,"name":"clientAddress","type":"address"},
		{"indexed":false,"name":"feedbackIndex","type":"uint64"},
		{"indexed":false,"name":"value","type":"int128"},
		{"indexed":false,"name":"valueDecimals","type":"uint8"},
		{"indexed":true,"name":"indexedTag1","type":"string"},
		{"indexed":false,"name":"tag1","type":"string"},
		{"indexed":false,"name":"tag2","type":"string"},
		{"indexed":false,"name":"endpoint","type":"string"},
		{"indexed":false,"name":"feedbackURI","type":"string"},
		{"indexed":false,"name":"feedbackHash","type":"bytes32"}
	],"name":"NewFeedback","type":"event"}
]`

var dualSignatureCycles = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "trustoracle",
	Subsystem: "registry",
	Name:      "dual_signature_scans_total",
	Help:      "Scans that observed both FeedbackPosted and NewFeedback events.",
})

func init() {
	prometheus.MustRegister(dualSignatureCycles)
}

// Event is one decoded feedback log.
type Event struct {
	AgentID       string // canonical decimal
	ClientAddress common.Address
	FeedbackIndex uint64
	Value         *big.Int // signed sentiment; > 0 is positive
	ValueDecimals uint8
	Tag1          string
	Tag2          string
	Endpoint      string
	FeedbackURI   string
	FeedbackHash  common.Hash

	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

// Positive reports the event's sentiment. Zero counts as negative.
func (e *Event) Positive() bool {
	return e.Value != nil && e.Value.Sign() > 0
}

// dedupKey identifies an event by its full payload plus emission position.
// Two logs agreeing on every field are the same feedback even if emitted
// under both signature names during a registry migration.
func (e *Event) dedupKey() string {
	return strings.Join([]string{
		e.AgentID,
		e.ClientAddress.Hex(),
		fmt.Sprint(e.FeedbackIndex),
		e.Value.String(),
		fmt.Sprint(e.ValueDecimals),
		e.Tag1,
		e.Tag2,
		e.Endpoint,
		e.FeedbackURI,
		e.FeedbackHash.Hex(),
		fmt.Sprint(e.BlockNumber),
		e.TxHash.Hex(),
	}, "\x1f")
}

// EthClient is the subset of ethclient.Client the source needs.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Source queries feedback logs for the indexer.
type Source struct {
	client    EthClient
	address   common.Address
	events    abi.ABI
	topic0s   []common.Hash
	retryOpts rpc.Options
	logger    *slog.Logger
}

// NewSource creates a source for the registry at address.
func NewSource(client EthClient, address common.Address, logger *slog.Logger) (*Source, error) {
	parsed, err := abi.JSON(strings.NewReader(feedbackEventsABI))
	if err != nil {
		return nil, fmt.Errorf("registry: parse events ABI: %w", err)
	}
	return &Source{
		client:    client,
		address:   address,
		events:    parsed,
		topic0s:   []common.Hash{parsed.Events["FeedbackPosted"].ID, parsed.Events["NewFeedback"].ID},
		retryOpts: rpc.DefaultOptions(),
		logger:    logger,
	}, nil
}

// Head returns the current chain head, retrying transient RPC failures.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := rpc.Do(ctx, s.retryOpts, func(ctx context.Context) error {
		var err error
		head, err = s.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("registry: chain head: %w", err)
	}
	return head, nil
}

// DirtyAgents scans [from, to] across all agents and returns the unique set
// of agent IDs with new feedback, in first-seen order.
func (s *Source) DirtyAgents(ctx context.Context, from, to uint64) ([]string, error) {
	events, err := s.scan(ctx, from, to, nil)
	if err != nil {
		return nil, err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, ev := range events {
		if !seen[ev.AgentID] {
			seen[ev.AgentID] = true
			ids = append(ids, ev.AgentID)
		}
	}
	return ids, nil
}

// AgentFeedback returns every feedback event for one agent in [from, to],
// deduplicated and ordered by (blockNumber, logIndex). The indexer calls this
// from the contract's start block so scores reflect full history, not just
// the cycle window.
func (s *Source) AgentFeedback(ctx context.Context, agentID *big.Int, from, to uint64) ([]Event, error) {
	topic := common.BigToHash(agentID)
	return s.scan(ctx, from, to, [][]common.Hash{{topic}})
}

// scan runs one filtered log query and normalizes the result.
// extraTopics, when non-nil, constrains topic positions after topic0.
func (s *Source) scan(ctx context.Context, from, to uint64, extraTopics [][]common.Hash) ([]Event, error) {
	if from > to {
		return nil, fmt.Errorf("registry: invalid range [%d, %d]", from, to)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.address},
		Topics:    append([][]common.Hash{s.topic0s}, extraTopics...),
	}

	var logs []types.Log
	err := rpc.Do(ctx, s.retryOpts, func(ctx context.Context) error {
		var err error
		logs, err = s.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry: filter logs [%d, %d]: %w", from, to, err)
	}

	events := make([]Event, 0, len(logs))
	sigSeen := make(map[common.Hash]bool)
	seen := make(map[string]bool)

	for _, lg := range logs {
		ev, err := s.decode(lg)
		if err != nil {
			return nil, err
		}
		sigSeen[lg.Topics[0]] = true

		key := ev.dedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		events = append(events, ev)
	}

	if len(sigSeen) > 1 {
		dualSignatureCycles.Inc()
		s.logger.Warn("both feedback event signatures observed in one scan",
			"from", from, "to", to)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func (s *Source) decode(lg types.Log) (Event, error) {
	if len(lg.Topics) < 3 {
		return Event{}, fmt.Errorf("registry: malformed feedback log in tx %s: %d topics", lg.TxHash.Hex(), len(lg.Topics))
	}

	name := "FeedbackPosted"
	if lg.Topics[0] == s.events.Events["NewFeedback"].ID {
		name = "NewFeedback"
	}

	var payload struct {
		FeedbackIndex uint64
		Value         *big.Int
		ValueDecimals uint8
		Tag1          string
		Tag2          string
		Endpoint      string
		FeedbackURI   string
		FeedbackHash  [32]byte
	}
	if err := s.events.UnpackIntoInterface(&payload, name, lg.Data); err != nil {
		return Event{}, fmt.Errorf("registry: decode %s in tx %s: %w", name, lg.TxHash.Hex(), err)
	}

	return Event{
		AgentID:       new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		ClientAddress: common.BytesToAddress(lg.Topics[2].Bytes()),
		FeedbackIndex: payload.FeedbackIndex,
		Value:         payload.Value,
		ValueDecimals: payload.ValueDecimals,
		Tag1:          payload.Tag1,
		Tag2:          payload.Tag2,
		Endpoint:      payload.Endpoint,
		FeedbackURI:   payload.FeedbackURI,
		FeedbackHash:  common.BytesToHash(payload.FeedbackHash[:]),
		BlockNumber:   lg.BlockNumber,
		LogIndex:      lg.Index,
		TxHash:        lg.TxHash,
	}, nil
}
