// Package indexer drives the feedback-to-score pipeline: it discovers agents
// with new feedback, recomputes their scores from full on-chain history, and
// commits the results to the TrustScore contract in one batch per cycle.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/robomoustach/trustoracle/internal/agentid"
	"github.com/robomoustach/trustoracle/internal/checkpoint"
	"github.com/robomoustach/trustoracle/internal/history"
	"github.com/robomoustach/trustoracle/internal/registry"
	"github.com/robomoustach/trustoracle/internal/scoring"
	"github.com/robomoustach/trustoracle/internal/traces"
	"github.com/robomoustach/trustoracle/internal/trustscore"
)

var (
	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustoracle",
		Subsystem: "indexer",
		Name:      "cycles_total",
		Help:      "Completed indexer cycles by outcome.",
	}, []string{"outcome"})

	agentsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustoracle",
		Subsystem: "indexer",
		Name:      "agents_processed_total",
		Help:      "Agents whose scores were recomputed and committed.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustoracle",
		Subsystem: "indexer",
		Name:      "pending_agents",
		Help:      "Agents deferred to the next cycle by the batch size limit.",
	})

	lastProcessedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustoracle",
		Subsystem: "indexer",
		Name:      "last_processed_block",
		Help:      "Chain height covered by the last persisted checkpoint.",
	})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trustoracle",
		Subsystem: "indexer",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one indexer cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(cyclesTotal, agentsProcessed, queueDepth, lastProcessedBlock, cycleDuration)
}

// DefaultPollInterval between cycles.
const DefaultPollInterval = 15 * time.Minute

// DefaultMaxBatchSize caps agents per batchUpdateScores transaction.
const DefaultMaxBatchSize = 100

// Config holds the cycle parameters.
type Config struct {
	// StartBlock is the registry contract's deployment block; per-agent
	// scans always begin here so scores reflect full history.
	StartBlock uint64

	// MaxBatchSize caps agents per cycle; overflow is queued.
	MaxBatchSize int

	// PollInterval spaces cycles in Run.
	PollInterval time.Duration

	// Scoring parameters applied to every agent.
	Scoring scoring.Config
}

// Source provides feedback events and the chain head.
type Source interface {
	Head(ctx context.Context) (uint64, error)
	DirtyAgents(ctx context.Context, from, to uint64) ([]string, error)
	AgentFeedback(ctx context.Context, agentID *big.Int, from, to uint64) ([]registry.Event, error)
}

// Timestamps resolves block numbers to epoch milliseconds.
type Timestamps interface {
	BlockTimeMs(ctx context.Context, block uint64) (int64, error)
}

// Committer submits one score batch and waits for its receipt.
type Committer interface {
	Commit(ctx context.Context, updates []trustscore.Update) (*trustscore.BatchResult, error)
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	FromBlock uint64
	ToBlock   uint64
	Dirty     int
	Processed int
	Queued    int
	TxHash    string
}

// Indexer runs checkpointed scoring cycles.
type Indexer struct {
	cfg         Config
	source      Source
	committer   Committer
	checkpoints checkpoint.Store
	// newTimestamps builds a fresh per-cycle cache; cached entries must not
	// survive a reorg between cycles.
	newTimestamps func() Timestamps
	histories     history.Store
	logger        *slog.Logger
	now           func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures the indexer.
type Option func(*Indexer)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) { ix.now = now }
}

// WithTimestamps overrides the per-cycle timestamp cache factory.
func WithTimestamps(factory func() Timestamps) Option {
	return func(ix *Indexer) { ix.newTimestamps = factory }
}

// WithHistory records a score snapshot per committed agent. Snapshot writes
// are best-effort and never fail the cycle.
func WithHistory(store history.Store) Option {
	return func(ix *Indexer) { ix.histories = store }
}

// New creates an indexer. client is used for block timestamp lookups unless
// WithTimestamps overrides it.
func New(cfg Config, source Source, committer Committer, checkpoints checkpoint.Store,
	client registry.EthClient, logger *slog.Logger, opts ...Option) *Indexer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	ix := &Indexer{
		cfg:         cfg,
		source:      source,
		committer:   committer,
		checkpoints: checkpoints,
		newTimestamps: func() Timestamps {
			return registry.NewTimestampCache(client)
		},
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Run executes cycles until Stop is called or ctx is cancelled. The first
// cycle starts immediately; failures are logged and the loop keeps going.
func (ix *Indexer) Run(ctx context.Context) {
	defer close(ix.doneCh)

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	ix.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.stopCh:
			return
		case <-ticker.C:
			ix.runOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for the in-flight cycle to finish.
func (ix *Indexer) Stop() {
	close(ix.stopCh)
	<-ix.doneCh
}

func (ix *Indexer) runOnce(ctx context.Context) {
	result, err := ix.RunCycle(ctx)
	if err != nil {
		ix.logger.Error("indexer cycle failed", "error", err)
		return
	}
	ix.logger.Info("indexer cycle complete",
		"fromBlock", result.FromBlock,
		"toBlock", result.ToBlock,
		"dirty", result.Dirty,
		"processed", result.Processed,
		"queued", result.Queued,
		"txHash", result.TxHash)
}

// RunCycle executes one transactional pass. The checkpoint only advances
// after a successful batch commit; a failure anywhere earlier leaves the
// previous checkpoint in place and the cycle is retried whole next tick.
func (ix *Indexer) RunCycle(ctx context.Context) (result *CycleResult, err error) {
	start := ix.now()
	ctx, span := traces.StartSpan(ctx, "indexer.cycle")
	defer func() {
		cycleDuration.Observe(ix.now().Sub(start).Seconds())
		if err != nil {
			cyclesTotal.WithLabelValues("error").Inc()
			span.SetStatus(codes.Error, err.Error())
		} else {
			cyclesTotal.WithLabelValues("ok").Inc()
			span.SetAttributes(
				traces.BlockRange(result.FromBlock, result.ToBlock),
				traces.BatchSize(result.Processed),
				attribute.Int("agents.queued", result.Queued),
			)
		}
		span.End()
	}()

	cp, err := ix.checkpoints.Load()
	if err != nil {
		return nil, fmt.Errorf("indexer: load checkpoint: %w", err)
	}

	baseline := uint64(0)
	if ix.cfg.StartBlock > 0 {
		baseline = ix.cfg.StartBlock - 1
	}
	if cp.LastProcessedBlock != nil {
		baseline = *cp.LastProcessedBlock
	}
	from := baseline + 1

	latest, err := ix.source.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexer: chain head: %w", err)
	}

	// Pending IDs are re-parsed so the union below compares canonical
	// decimal forms; an unparseable entry is dropped, not fatal.
	dirty := make([]string, 0, len(cp.PendingAgentIDs))
	for _, raw := range cp.PendingAgentIDs {
		id, err := agentid.Parse(raw)
		if err != nil {
			ix.logger.Warn("dropping invalid pending agent id", "agentId", raw, "error", err)
			continue
		}
		dirty = append(dirty, id.String())
	}
	if from <= latest {
		scanned, err := ix.source.DirtyAgents(ctx, from, latest)
		if err != nil {
			return nil, fmt.Errorf("indexer: dirty scan [%d, %d]: %w", from, latest, err)
		}
		dirty = mergeUnique(dirty, scanned)
	}
	agentid.SortDecimal(dirty)

	toProcess := dirty
	var toQueue []string
	if len(dirty) > ix.cfg.MaxBatchSize {
		toProcess = dirty[:ix.cfg.MaxBatchSize]
		toQueue = dirty[ix.cfg.MaxBatchSize:]
	}

	updates, err := ix.scoreAgents(ctx, toProcess, latest)
	if err != nil {
		return nil, err
	}

	txHash := ""
	if len(updates) > 0 {
		batch, err := ix.committer.Commit(ctx, updates)
		if err != nil {
			return nil, fmt.Errorf("indexer: commit batch of %d: %w", len(updates), err)
		}
		txHash = batch.TxHash
		agentsProcessed.Add(float64(len(updates)))
		ix.recordHistory(ctx, updates, batch)
	}

	last := latest
	if err := ix.checkpoints.Save(checkpoint.Checkpoint{
		LastProcessedBlock: &last,
		PendingAgentIDs:    toQueue,
	}); err != nil {
		return nil, fmt.Errorf("indexer: save checkpoint: %w", err)
	}
	queueDepth.Set(float64(len(toQueue)))
	lastProcessedBlock.Set(float64(latest))

	return &CycleResult{
		FromBlock: from,
		ToBlock:   latest,
		Dirty:     len(dirty),
		Processed: len(updates),
		Queued:    len(toQueue),
		TxHash:    txHash,
	}, nil
}

// scoreAgents recomputes each agent's score from its full event history.
func (ix *Indexer) scoreAgents(ctx context.Context, ids []string, latest uint64) ([]trustscore.Update, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	timestamps := ix.newTimestamps()
	nowMs := ix.now().UnixMilli()
	updates := make([]trustscore.Update, 0, len(ids))

	for _, raw := range ids {
		id, err := agentid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("indexer: dirty set contains %q: %w", raw, err)
		}

		events, err := ix.source.AgentFeedback(ctx, id.BigInt(), ix.cfg.StartBlock, latest)
		if err != nil {
			return nil, fmt.Errorf("indexer: history for agent %s: %w", id, err)
		}

		feedbacks := make([]scoring.Feedback, 0, len(events))
		for i := range events {
			ms, err := timestamps.BlockTimeMs(ctx, events[i].BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("indexer: agent %s: %w", id, err)
			}
			at := time.UnixMilli(ms)
			if events[i].Positive() {
				feedbacks = append(feedbacks, scoring.Positive(at))
			} else {
				feedbacks = append(feedbacks, scoring.Negative(at))
			}
		}

		result, err := scoring.Compute(feedbacks, ix.cfg.Scoring, nowMs)
		if err != nil {
			return nil, fmt.Errorf("indexer: score agent %s: %w", id, err)
		}

		updates = append(updates, trustscore.Update{
			AgentID:          id.BigInt(),
			Score:            uint64(result.Score),
			TotalFeedback:    uint64(result.TotalFeedback),
			PositiveFeedback: uint64(result.PositiveFeedback),
		})
	}
	return updates, nil
}

// recordHistory persists one snapshot per committed update.
func (ix *Indexer) recordHistory(ctx context.Context, updates []trustscore.Update, batch *trustscore.BatchResult) {
	if ix.histories == nil {
		return
	}
	snaps := make([]*history.Snapshot, 0, len(updates))
	for _, u := range updates {
		snaps = append(snaps, &history.Snapshot{
			AgentID:          u.AgentID.String(),
			Score:            int64(u.Score),
			TotalFeedback:    int64(u.TotalFeedback),
			PositiveFeedback: int64(u.PositiveFeedback),
			BlockNumber:      batch.BlockNumber,
			TxHash:           batch.TxHash,
		})
	}
	if err := ix.histories.SaveBatch(ctx, snaps); err != nil {
		ix.logger.Warn("failed to record score history", "count", len(snaps), "error", err)
	}
}

// mergeUnique unions b into a, preserving first-seen order.
func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
