package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/Michaelmk708/proofcart/internal/money"
)

// PostgresStore persists products in PostgreSQL. Stock reservation uses a
// conditional single-statement decrement so concurrent checkouts of the last
// unit cannot both succeed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const productColumns = `id, seller_id, name, price, currency, stock,
	       serial_number, nft_id, nft_metadata_uri, minted_at, verified,
	       active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, prod *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (
			id, seller_id, name, price, currency, stock,
			serial_number, nft_id, nft_metadata_uri, minted_at, verified,
			active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14
		)`,
		prod.ID, prod.SellerID, prod.Name, prod.Price.Units, prod.Price.Currency, prod.Stock,
		prod.SerialNumber, nullString(prod.NFTID), nullString(prod.NFTMetadataURI), nullTime(prod.MintedAt), prod.Verified,
		prod.Active, prod.CreatedAt, prod.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)

	prod, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return prod, err
}

func (p *PostgresStore) ReserveStock(ctx context.Context, productID string, qty int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET stock = stock - $1, updated_at = NOW()
		WHERE id = $2 AND stock >= $1`, qty, productID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing product from an empty shelf.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientStock
	}
	return nil
}

func (p *PostgresStore) ReleaseStock(ctx context.Context, productID string, qty int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET stock = stock + $1, updated_at = NOW()
		WHERE id = $2`, qty, productID)
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

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(s scanner) (*Product, error) {
	prod := &Product{}
	var (
		units    int64
		currency string
		nftID    sql.NullString
		metaURI  sql.NullString
		mintedAt sql.NullTime
	)

	err := s.Scan(
		&prod.ID, &prod.SellerID, &prod.Name, &units, &currency, &prod.Stock,
		&prod.SerialNumber, &nftID, &metaURI, &mintedAt, &prod.Verified,
		&prod.Active, &prod.CreatedAt, &prod.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	prod.Price = money.New(units, currency)
	prod.NFTID = nftID.String
	prod.NFTMetadataURI = metaURI.String
	if mintedAt.Valid {
		prod.MintedAt = &mintedAt.Time
	}
	return prod, nil
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
