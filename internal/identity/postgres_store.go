package identity

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, phone, wallet_address, verified_seller, admin, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)`,
		u.ID, u.Email, nullString(u.Phone), nullString(u.WalletAddress),
		u.VerifiedSeller, u.Admin, u.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var phone, wallet sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, phone, wallet_address, verified_seller, admin, created_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &phone, &wallet, &u.VerifiedSeller, &u.Admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Phone = phone.String
	u.WalletAddress = wallet.String
	return u, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
