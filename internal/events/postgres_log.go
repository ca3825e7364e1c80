package events

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresLog persists the event outbox in PostgreSQL.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a new PostgreSQL-backed outbox.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Append(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlement_events (id, type, order_id, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Type), e.OrderID, e.Timestamp, data,
	)
	return err
}

func (p *PostgresLog) ListByOrder(ctx context.Context, orderID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, order_id, occurred_at, data
		FROM settlement_events
		WHERE order_id = $1
		ORDER BY occurred_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var t string
		var data []byte
		if err := rows.Scan(&e.ID, &t, &e.OrderID, &e.Timestamp, &data); err != nil {
			return nil, err
		}
		e.Type = Type(t)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &e.Data)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresLog implements Log.
var _ Log = (*PostgresLog)(nil)
