package reputation

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists agent records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, score, transaction_count, updated_at
		FROM agents WHERE address = $1`, address)

	var a Agent
	err := row.Scan(&a.Address, &a.Score, &a.TransactionCount, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotRecorded
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, agent *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (address, score, transaction_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			score = EXCLUDED.score,
			transaction_count = EXCLUDED.transaction_count,
			updated_at = EXCLUDED.updated_at`,
		agent.Address, agent.Score, agent.TransactionCount, agent.UpdatedAt)
	return err
}

func (p *PostgresStore) EnqueuePending(ctx context.Context, po *PendingOutcome) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO reputation_outbox (address, delta, count_only, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		po.Address, po.Delta, po.CountOnly, po.CreatedAt,
	).Scan(&po.ID)
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*PendingOutcome, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, delta, count_only, created_at
		FROM reputation_outbox
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PendingOutcome
	for rows.Next() {
		var po PendingOutcome
		if err := rows.Scan(&po.ID, &po.Address, &po.Delta, &po.CountOnly, &po.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &po)
	}
	return out, rows.Err()
}

// ApplyPending consumes the outbox row and applies its mutation in one
// transaction. The row delete is the apply token: a row already gone
// means another pass applied it, and the whole call is a no-op.
func (p *PostgresStore) ApplyPending(ctx context.Context, po *PendingOutcome) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM reputation_outbox WHERE id = $1`, po.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return nil
	}

	var a Agent
	err = tx.QueryRowContext(ctx, `
		SELECT address, score, transaction_count, updated_at
		FROM agents WHERE address = $1
		FOR UPDATE`, po.Address,
	).Scan(&a.Address, &a.Score, &a.TransactionCount, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		a = Agent{Address: po.Address, Score: StartingScore}
	} else if err != nil {
		return err
	}

	if !po.CountOnly {
		a.Score = clamp(a.Score+po.Delta, MinScore, MaxScore)
	}
	a.TransactionCount++
	a.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (address, score, transaction_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			score = EXCLUDED.score,
			transaction_count = EXCLUDED.transaction_count,
			updated_at = EXCLUDED.updated_at`,
		a.Address, a.Score, a.TransactionCount, a.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListEligible(ctx context.Context, minScore, minCount, limit int) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, score, transaction_count, updated_at
		FROM agents
		WHERE score >= $1 AND transaction_count >= $2
		ORDER BY score DESC
		LIMIT $3`, minScore, minCount, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.Address, &a.Score, &a.TransactionCount, &a.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
