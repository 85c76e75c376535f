package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL. Ids come from the
// escrows BIGSERIAL, monotonic for the life of the system.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			initiator, counterparty, amount, asset, source_chain, target_chain,
			service_description, proof_hash, status, busy, deadline,
			delivered_at, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		) RETURNING id`,
		e.Initiator, e.Counterparty, e.Amount, e.Asset, e.SourceChain, e.TargetChain,
		e.ServiceDescription, e.ProofHash, string(e.Status), e.Busy, e.Deadline,
		nullTime(e.DeliveredAt), nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
}

const escrowColumns = `id, initiator, counterparty, amount, asset, source_chain, target_chain,
		       service_description, proof_hash, status, busy, deadline,
		       delivered_at, resolved_at, created_at, updated_at, version`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// Update fences on the record version so concurrent writers from other
// replicas cannot double-apply a transition.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, busy = $2, proof_hash = $3,
			delivered_at = $4, resolved_at = $5, updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8`,
		string(e.Status), e.Busy, e.ProofHash,
		nullTime(e.DeliveredAt), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var v int64
		err := p.db.QueryRowContext(ctx, `SELECT version FROM escrows WHERE id = $1`, e.ID).Scan(&v)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: escrow %d", ErrConflict, e.ID)
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentAddr string, limit int, opts ...ListOption) ([]*Escrow, error) {
	o := applyListOpts(opts)

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (initiator = $1 OR counterparty = $1)
		  AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`, agentAddr, o.beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status NOT IN ('RESOLVED_RELEASE', 'RESOLVED_REFUND', 'EXPIRED')
		  AND deadline <= $1
		ORDER BY id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var status string
	var deliveredAt, resolvedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.Initiator, &e.Counterparty, &e.Amount, &e.Asset, &e.SourceChain, &e.TargetChain,
		&e.ServiceDescription, &e.ProofHash, &status, &e.Busy, &e.Deadline,
		&deliveredAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
