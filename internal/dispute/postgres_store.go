package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes and votes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (escrow_id, opened_by, reason, resolved, forced, outcome, opened_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.EscrowID, d.OpenedBy, d.Reason, d.Resolved, d.Forced, string(d.Outcome), d.OpenedAt, nullTime(d.ResolvedAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, escrowID int64) (*Dispute, error) {
	var d Dispute
	var outcome string
	var resolvedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, opened_by, reason, resolved, forced, outcome, opened_at, resolved_at
		FROM disputes WHERE escrow_id = $1`, escrowID,
	).Scan(&d.EscrowID, &d.OpenedBy, &d.Reason, &d.Resolved, &d.Forced, &outcome, &d.OpenedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Outcome = Outcome(outcome)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT mediator, for_release, cast_at
		FROM dispute_votes WHERE escrow_id = $1
		ORDER BY cast_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.Mediator, &v.ForRelease, &v.CastAt); err != nil {
			return nil, err
		}
		d.Votes = append(d.Votes, v)
	}
	return &d, rows.Err()
}

func (p *PostgresStore) AddVote(ctx context.Context, escrowID int64, v Vote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_votes (escrow_id, mediator, for_release, cast_at)
		VALUES ($1, $2, $3, $4)`,
		escrowID, v.Mediator, v.ForRelease, v.CastAt,
	)
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505":
			return ErrDuplicateVote
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET resolved = $1, forced = $2, outcome = $3, resolved_at = $4
		WHERE escrow_id = $5`,
		d.Resolved, d.Forced, string(d.Outcome), nullTime(d.ResolvedAt), d.EscrowID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
