package registry

import (
	"context"
	"fmt"
	"math/big"

	"github.com/robomoustach/trustoracle/internal/rpc"
)

// TimestampCache memoizes block timestamps for one indexer cycle.
//
// It must not outlive the cycle that created it: a reorg can replace a block
// behind a cached entry, and the next cycle has to see the new chain.
type TimestampCache struct {
	client    EthClient
	retryOpts rpc.Options
	memo      map[uint64]int64
}

// NewTimestampCache creates an empty per-cycle cache.
func NewTimestampCache(client EthClient) *TimestampCache {
	return &TimestampCache{
		client:    client,
		retryOpts: rpc.DefaultOptions(),
		memo:      make(map[uint64]int64),
	}
}

// BlockTimeMs returns the block's timestamp in epoch milliseconds.
// A block the node cannot produce a header for is fatal to the cycle; scores
// computed against a guessed time would not be reproducible.
func (c *TimestampCache) BlockTimeMs(ctx context.Context, block uint64) (int64, error) {
	if ts, ok := c.memo[block]; ok {
		return ts, nil
	}

	var ts int64
	err := rpc.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err != nil {
			return err
		}
		if header == nil {
			return rpc.Permanent(fmt.Errorf("registry: block %d has no header", block))
		}
		ts = int64(header.Time) * 1000
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("registry: timestamp for block %d: %w", block, err)
	}

	c.memo[block] = ts
	return ts, nil
}
