package history

import (
	"context"
	"database/sql"
	"strconv"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	const q = `
		INSERT INTO score_snapshots
			(agent_id, score, total_feedback, positive_feedback, block_number, tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at`

	return p.db.QueryRowContext(ctx, q,
		snap.AgentID,
		snap.Score,
		snap.TotalFeedback,
		snap.PositiveFeedback,
		snap.BlockNumber,
		snap.TxHash,
	).Scan(&snap.ID, &snap.CreatedAt)
}

func (p *PostgresStore) SaveBatch(ctx context.Context, snaps []*Snapshot) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO score_snapshots
			(agent_id, score, total_feedback, positive_feedback, block_number, tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range snaps {
		_, err := stmt.ExecContext(ctx,
			s.AgentID, s.Score, s.TotalFeedback, s.PositiveFeedback, s.BlockNumber, s.TxHash)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, q Query) ([]*Snapshot, error) {
	query := `
		SELECT id, agent_id, score, total_feedback, positive_feedback,
			   block_number, tx_hash, created_at
		FROM score_snapshots
		WHERE agent_id = $1`

	args := []interface{}{q.AgentID}
	argIdx := 2

	if !q.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}
	if !q.Before.IsZero() {
		query += " AND created_at < $" + strconv.Itoa(argIdx)
		args = append(args, q.Before)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSnapshots(rows)
}

func (p *PostgresStore) Latest(ctx context.Context, agentID string) (*Snapshot, error) {
	const q = `
		SELECT id, agent_id, score, total_feedback, positive_feedback,
			   block_number, tx_hash, created_at
		FROM score_snapshots
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	row := p.db.QueryRowContext(ctx, q, agentID)
	s := &Snapshot{}
	err := row.Scan(&s.ID, &s.AgentID, &s.Score, &s.TotalFeedback, &s.PositiveFeedback,
		&s.BlockNumber, &s.TxHash, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanSnapshots(rows *sql.Rows) ([]*Snapshot, error) {
	var out []*Snapshot
	for rows.Next() {
		s := &Snapshot{}
		if err := rows.Scan(&s.ID, &s.AgentID, &s.Score, &s.TotalFeedback, &s.PositiveFeedback,
			&s.BlockNumber, &s.TxHash, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
