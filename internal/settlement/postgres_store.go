package settlement

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists transfers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transfer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transferColumns = `escrow_id, status, source_chain, target_chain, asset, amount,
		       holder, recipient, lock_ref, bridge_ref, release_ref, refund_ref,
		       last_error, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transfer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfers (
			escrow_id, status, source_chain, target_chain, asset, amount,
			holder, recipient, lock_ref, bridge_ref, release_ref, refund_ref,
			last_error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15
		)`,
		t.EscrowID, string(t.Status), t.SourceChain, t.TargetChain, t.Asset, t.Amount,
		t.Holder, t.Recipient, t.LockRef, t.BridgeRef, t.ReleaseRef, t.RefundRef,
		t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, escrowID int64) (*Transfer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE escrow_id = $1`, escrowID)

	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transfer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfers SET
			status = $1, lock_ref = $2, bridge_ref = $3, release_ref = $4,
			refund_ref = $5, last_error = $6, updated_at = $7
		WHERE escrow_id = $8`,
		string(t.Status), t.LockRef, t.BridgeRef, t.ReleaseRef,
		t.RefundRef, t.LastError, t.UpdatedAt,
		t.EscrowID,
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

func (p *PostgresStore) ListInFlight(ctx context.Context) ([]*Transfer, error) {
	return p.listByStatus(ctx,
		string(StatusLocking), string(StatusBridging), string(StatusReleasing), string(StatusRefunding))
}

func (p *PostgresStore) ListStuck(ctx context.Context) ([]*Transfer, error) {
	return p.listByStatus(ctx, string(StatusStuck))
}

func (p *PostgresStore) listByStatus(ctx context.Context, statuses ...string) ([]*Transfer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = ANY($1)
		ORDER BY escrow_id`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	var t Transfer
	var status string
	err := row.Scan(
		&t.EscrowID, &status, &t.SourceChain, &t.TargetChain, &t.Asset, &t.Amount,
		&t.Holder, &t.Recipient, &t.LockRef, &t.BridgeRef, &t.ReleaseRef, &t.RefundRef,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}
