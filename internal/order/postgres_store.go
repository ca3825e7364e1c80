package order

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/Michaelmk708/proofcart/internal/money"
)

// PostgresStore persists orders and payment transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, transaction_reference, buyer_id, seller_id, product_id, quantity,
	       item_amount, shipping_fee, escrow_fee, total_amount, currency,
	       shipping_address, buyer_phone, buyer_email, status,
	       gateway_payment_id, gateway_payment_link,
	       escrow_address, escrow_create_tx_hash, escrow_release_tx_hash, payout_id,
	       tracking_number, verification_serial, flag_reason, payout_pending,
	       payment_completed_at, escrow_created_at, shipped_at,
	       delivery_confirmed_at, escrow_released_at, payout_completed_at,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, transaction_reference, buyer_id, seller_id, product_id, quantity,
			item_amount, shipping_fee, escrow_fee, total_amount, currency,
			shipping_address, buyer_phone, buyer_email, status,
			gateway_payment_id, gateway_payment_link,
			escrow_address, escrow_create_tx_hash, escrow_release_tx_hash, payout_id,
			tracking_number, verification_serial, flag_reason, payout_pending,
			payment_completed_at, escrow_created_at, shipped_at,
			delivery_confirmed_at, escrow_released_at, payout_completed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25,
			$26, $27, $28,
			$29, $30, $31,
			$32, $33
		)`,
		o.ID, o.TransactionReference, o.BuyerID, o.SellerID, o.ProductID, o.Quantity,
		o.ItemAmount.Units, o.ShippingFee.Units, o.EscrowFee.Units, o.TotalAmount.Units, o.Currency,
		o.ShippingAddress, nullString(o.BuyerPhone), nullString(o.BuyerEmail), string(o.Status),
		nullString(o.GatewayPaymentID), nullString(o.GatewayPaymentLink),
		nullString(o.EscrowAddress), nullString(o.EscrowCreateTxHash), nullString(o.EscrowReleaseTxHash), nullString(o.PayoutID),
		nullString(o.TrackingNumber), nullString(o.VerificationSerial), nullString(o.FlagReason), o.PayoutPending,
		nullTime(o.PaymentCompletedAt), nullTime(o.EscrowCreatedAt), nullTime(o.ShippedAt),
		nullTime(o.DeliveryConfirmedAt), nullTime(o.EscrowReleasedAt), nullTime(o.PayoutCompletedAt),
		o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, ref string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_reference = $1`, ref)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			gateway_payment_id = $1, gateway_payment_link = $2,
			escrow_address = $3, escrow_create_tx_hash = $4, escrow_release_tx_hash = $5, payout_id = $6,
			tracking_number = $7, verification_serial = $8, flag_reason = $9, payout_pending = $10,
			payment_completed_at = $11, escrow_created_at = $12, shipped_at = $13,
			delivery_confirmed_at = $14, escrow_released_at = $15, payout_completed_at = $16,
			updated_at = NOW()
		WHERE id = $17`,
		nullString(o.GatewayPaymentID), nullString(o.GatewayPaymentLink),
		nullString(o.EscrowAddress), nullString(o.EscrowCreateTxHash), nullString(o.EscrowReleaseTxHash), nullString(o.PayoutID),
		nullString(o.TrackingNumber), nullString(o.VerificationSerial), nullString(o.FlagReason), o.PayoutPending,
		nullTime(o.PaymentCompletedAt), nullTime(o.EscrowCreatedAt), nullTime(o.ShippedAt),
		nullTime(o.DeliveryConfirmedAt), nullTime(o.EscrowReleasedAt), nullTime(o.PayoutCompletedAt),
		o.ID,
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

// UpdateStatus reads the row under FOR UPDATE, checks the expected status,
// applies the mutation, and writes everything in one transaction. A status
// mismatch rolls back with ErrStatusConflict.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, mutate func(*Order)) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, ErrStatusConflict
	}

	o.Status = to
	if mutate != nil {
		mutate(o)
	}
	o.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			gateway_payment_id = $2, gateway_payment_link = $3,
			escrow_address = $4, escrow_create_tx_hash = $5, escrow_release_tx_hash = $6, payout_id = $7,
			tracking_number = $8, verification_serial = $9, flag_reason = $10, payout_pending = $11,
			payment_completed_at = $12, escrow_created_at = $13, shipped_at = $14,
			delivery_confirmed_at = $15, escrow_released_at = $16, payout_completed_at = $17,
			updated_at = $18
		WHERE id = $19`,
		string(o.Status),
		nullString(o.GatewayPaymentID), nullString(o.GatewayPaymentLink),
		nullString(o.EscrowAddress), nullString(o.EscrowCreateTxHash), nullString(o.EscrowReleaseTxHash), nullString(o.PayoutID),
		nullString(o.TrackingNumber), nullString(o.VerificationSerial), nullString(o.FlagReason), o.PayoutPending,
		nullTime(o.PaymentCompletedAt), nullTime(o.EscrowCreatedAt), nullTime(o.ShippedAt),
		nullTime(o.DeliveryConfirmedAt), nullTime(o.EscrowReleasedAt), nullTime(o.PayoutCompletedAt),
		o.UpdatedAt, o.ID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, role Role, limit int, opts ...ListOption) ([]*Order, error) {
	lo := applyListOpts(opts)

	column := "buyer_id"
	if role == RoleSeller {
		column = "seller_id"
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ` + column + ` = $1`
	args := []any{userID}
	if lo.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, lo.cursor.CreatedAt, lo.cursor.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		  AND flag_reason IS NULL
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// --- TxStore ---

const txColumns = `id, order_id, type, status, external_id, amount, currency,
	       raw_response, created_at, completed_at`

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *PaymentTransaction) error {
	raw := t.RawResponse
	if raw == nil {
		raw = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, order_id, type, status, external_id, amount, currency,
			raw_response, created_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10
		)`,
		t.ID, t.OrderID, string(t.Type), string(t.Status), t.ExternalID,
		t.Amount.Units, t.Amount.Currency,
		raw, t.CreatedAt, nullTime(t.CompletedAt),
	)
	if isUniqueViolation(err) {
		return ErrTxDuplicate
	}
	return err
}

func (p *PostgresStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*PaymentTransaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE external_id = $1`, externalID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	return t, err
}

func (p *PostgresStore) AdvanceTransaction(ctx context.Context, id string, status TxStatus, raw []byte, completedAt *time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = $1,
			raw_response = COALESCE($2, raw_response),
			completed_at = COALESCE($3, completed_at)
		WHERE id = $4`,
		string(status), raw, nullTime(completedAt), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, orderID string) ([]*PaymentTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		itemAmount  int64
		shippingFee int64
		escrowFee   int64
		totalAmount int64

		buyerPhone    sql.NullString
		buyerEmail    sql.NullString
		status        string
		paymentID     sql.NullString
		paymentLink   sql.NullString
		escrowAddr    sql.NullString
		createTxHash  sql.NullString
		releaseTxHash sql.NullString
		payoutID      sql.NullString
		tracking      sql.NullString
		serial        sql.NullString
		flagReason    sql.NullString

		paymentCompletedAt  sql.NullTime
		escrowCreatedAt     sql.NullTime
		shippedAt           sql.NullTime
		deliveryConfirmedAt sql.NullTime
		escrowReleasedAt    sql.NullTime
		payoutCompletedAt   sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.TransactionReference, &o.BuyerID, &o.SellerID, &o.ProductID, &o.Quantity,
		&itemAmount, &shippingFee, &escrowFee, &totalAmount, &o.Currency,
		&o.ShippingAddress, &buyerPhone, &buyerEmail, &status,
		&paymentID, &paymentLink,
		&escrowAddr, &createTxHash, &releaseTxHash, &payoutID,
		&tracking, &serial, &flagReason, &o.PayoutPending,
		&paymentCompletedAt, &escrowCreatedAt, &shippedAt,
		&deliveryConfirmedAt, &escrowReleasedAt, &payoutCompletedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ItemAmount = money.New(itemAmount, o.Currency)
	o.ShippingFee = money.New(shippingFee, o.Currency)
	o.EscrowFee = money.New(escrowFee, o.Currency)
	o.TotalAmount = money.New(totalAmount, o.Currency)

	o.BuyerPhone = buyerPhone.String
	o.BuyerEmail = buyerEmail.String
	o.Status = Status(status)
	o.GatewayPaymentID = paymentID.String
	o.GatewayPaymentLink = paymentLink.String
	o.EscrowAddress = escrowAddr.String
	o.EscrowCreateTxHash = createTxHash.String
	o.EscrowReleaseTxHash = releaseTxHash.String
	o.PayoutID = payoutID.String
	o.TrackingNumber = tracking.String
	o.VerificationSerial = serial.String
	o.FlagReason = flagReason.String

	if paymentCompletedAt.Valid {
		o.PaymentCompletedAt = &paymentCompletedAt.Time
	}
	if escrowCreatedAt.Valid {
		o.EscrowCreatedAt = &escrowCreatedAt.Time
	}
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if deliveryConfirmedAt.Valid {
		o.DeliveryConfirmedAt = &deliveryConfirmedAt.Time
	}
	if escrowReleasedAt.Valid {
		o.EscrowReleasedAt = &escrowReleasedAt.Time
	}
	if payoutCompletedAt.Valid {
		o.PayoutCompletedAt = &payoutCompletedAt.Time
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanTransaction(s scanner) (*PaymentTransaction, error) {
	t := &PaymentTransaction{}
	var (
		txType      string
		status      string
		units       int64
		currency    string
		completedAt sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.OrderID, &txType, &status, &t.ExternalID,
		&units, &currency,
		&t.RawResponse, &t.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = TxType(txType)
	t.Status = TxStatus(status)
	t.Amount = money.New(units, currency)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
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

// Compile-time assertions.
var (
	_ Store   = (*PostgresStore)(nil)
	_ TxStore = (*PostgresStore)(nil)
)
