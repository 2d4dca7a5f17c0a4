// Package history persists per-agent score snapshots so clients can see how
// an agent's standing evolved across indexing cycles.
package history

import (
	"context"
	"time"
)

// Snapshot is a point-in-time trust score stored for history.
type Snapshot struct {
	ID               int       `json:"id"`
	AgentID          string    `json:"agentId"`
	Score            int64     `json:"score"`
	TotalFeedback    int64     `json:"totalFeedback"`
	PositiveFeedback int64     `json:"positiveFeedback"`
	BlockNumber      uint64    `json:"blockNumber"`
	TxHash           string    `json:"txHash,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Query filters historical snapshots for one agent. Before excludes
// snapshots at or after the given instant; it carries the page cursor.
type Query struct {
	AgentID string
	From    time.Time
	To      time.Time
	Before  time.Time
	Limit   int
}

// Store persists score snapshots.
type Store interface {
	// Save persists a single snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// SaveBatch persists multiple snapshots in one call.
	SaveBatch(ctx context.Context, snaps []*Snapshot) error

	// History returns historical snapshots matching the query,
	// newest first.
	History(ctx context.Context, q Query) ([]*Snapshot, error)

	// Latest returns the most recent snapshot for an agent, or nil.
	Latest(ctx context.Context, agentID string) (*Snapshot, error)
}
