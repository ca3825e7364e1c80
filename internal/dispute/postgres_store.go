package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/Michaelmk708/proofcart/internal/money"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index on
// (order_id) WHERE status IN ('OPEN','INVESTIGATING') backs the
// one-active-dispute rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, opener_id, reason, evidence, status,
	       resolution, resolution_notes, resolver_id,
	       release_amount, refund_amount, currency,
	       created_at, resolved_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, opener_id, reason, evidence, status,
			resolution, resolution_notes, resolver_id,
			release_amount, refund_amount, currency,
			created_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		)`,
		d.ID, d.OrderID, d.OpenerID, d.Reason, evidence, string(d.Status),
		nullString(string(d.Resolution)), nullString(d.ResolutionNotes), nullString(d.ResolverID),
		d.ReleaseAmount.Units, d.RefundAmount.Units, d.ReleaseAmount.Currency,
		d.CreatedAt, nullTime(d.ResolvedAt), d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		if pqErr.Constraint == "disputes_one_active_per_order" {
			return ErrActiveDispute
		}
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE order_id = $1 AND status IN ('OPEN', 'INVESTIGATING')`, orderID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, resolution_notes = $3, resolver_id = $4,
			release_amount = $5, refund_amount = $6,
			resolved_at = $7, updated_at = NOW()
		WHERE id = $8`,
		string(d.Status), nullString(string(d.Resolution)), nullString(d.ResolutionNotes), nullString(d.ResolverID),
		d.ReleaseAmount.Units, d.RefundAmount.Units,
		nullTime(d.ResolvedAt), d.ID,
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

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status        string
		resolution    sql.NullString
		notes         sql.NullString
		resolverID    sql.NullString
		releaseAmount int64
		refundAmount  int64
		currency      string
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.OrderID, &d.OpenerID, &d.Reason, &d.Evidence, &status,
		&resolution, &notes, &resolverID,
		&releaseAmount, &refundAmount, &currency,
		&d.CreatedAt, &resolvedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Resolution = Resolution(resolution.String)
	d.ResolutionNotes = notes.String
	d.ResolverID = resolverID.String
	d.ReleaseAmount = money.New(releaseAmount, currency)
	d.RefundAmount = money.New(refundAmount, currency)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
