package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/Michaelmk708/proofcart/internal/money"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, order_id, blockchain, escrow_address,
	       creation_tx_hash, release_tx_hash, buyer_wallet, seller_wallet,
	       amount, currency, status, metadata,
	       created_at, released_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_records (
			id, order_id, blockchain, escrow_address,
			creation_tx_hash, release_tx_hash, buyer_wallet, seller_wallet,
			amount, currency, status, metadata,
			created_at, released_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		)`,
		r.ID, r.OrderID, r.Blockchain, r.EscrowAddress,
		r.CreationTxHash, nullString(r.ReleaseTxHash), r.BuyerWallet, r.SellerWallet,
		r.Amount.Units, r.Amount.Currency, string(r.Status), metadata,
		r.CreatedAt, nullTime(r.ReleasedAt), r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrow_records WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrow_records WHERE order_id = $1`, orderID)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records SET
			release_tx_hash = $1, status = $2, metadata = $3,
			released_at = $4, updated_at = NOW()
		WHERE id = $5`,
		nullString(r.ReleaseTxHash), string(r.Status), r.Metadata,
		nullTime(r.ReleasedAt), r.ID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
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

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_records
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		releaseTxHash sql.NullString
		units         int64
		currency      string
		status        string
		releasedAt    sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.OrderID, &r.Blockchain, &r.EscrowAddress,
		&r.CreationTxHash, &releaseTxHash, &r.BuyerWallet, &r.SellerWallet,
		&units, &currency, &status, &r.Metadata,
		&r.CreatedAt, &releasedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ReleaseTxHash = releaseTxHash.String
	r.Amount = money.New(units, currency)
	r.Status = Status(status)
	if releasedAt.Valid {
		r.ReleasedAt = &releasedAt.Time
	}
	return r, nil
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

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
