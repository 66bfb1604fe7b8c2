package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/escrow/backend/internal/escrow"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	OrderStatusOpen   = "open"
	OrderStatusClosed = "closed"

	EventCreated = "created"
	EventUpdated = "updated"
	EventClosed  = "closed"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) PingContext(ctx context.Context) error {
	return db.raw.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns ? placeholders into $n, leaving quoted
// literals alone.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

// NewStore opens Postgres through the pgx stdlib driver and applies the
// schema. The API server opens the same database read-mostly.
func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS escrow_orders (
			address TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			maker TEXT NOT NULL,
			taker TEXT NOT NULL,
			maker_mint TEXT NOT NULL,
			taker_mint TEXT NOT NULL,
			maker_amount TEXT NOT NULL,
			taker_amount TEXT NOT NULL,
			bump INTEGER NOT NULL,
			status TEXT NOT NULL,
			first_seen_slot BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			closed_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_orders_maker ON escrow_orders(maker, status);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_orders_taker ON escrow_orders(taker, status);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_orders_status_updated ON escrow_orders(status, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			order_address TEXT NOT NULL,
			event_type TEXT NOT NULL,
			maker TEXT NOT NULL,
			taker TEXT NOT NULL,
			maker_amount TEXT NOT NULL,
			taker_amount TEXT NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_address, id DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), time.Now().Unix())
	return err
}

// orderSnapshot is the mutable part of an order row. Seeds never change for a
// given address, so only these fields drive lifecycle events.
type orderSnapshot struct {
	Taker       string
	MakerAmount string
	TakerAmount string
	Status      string
}

func snapshotOf(order *escrow.Order) orderSnapshot {
	return orderSnapshot{
		Taker:       takerColumn(order.Taker),
		MakerAmount: strconv.FormatUint(order.MakerAmount, 10),
		TakerAmount: strconv.FormatUint(order.TakerAmount, 10),
		Status:      OrderStatusOpen,
	}
}

// takerColumn stores an open order's taker as the empty string so it can be
// filtered without knowing the wire sentinel.
func takerColumn(taker escrow.Taker) string {
	if key, ok := taker.Restricted(); ok {
		return key.String()
	}
	return ""
}

// classifyOrderChange names the lifecycle event an observed order produces
// relative to the stored row, or "" when nothing changed. An address that
// reappears after being closed was re-created with the same seeds.
func classifyOrderChange(prev *orderSnapshot, next orderSnapshot) string {
	switch {
	case prev == nil, prev.Status == OrderStatusClosed:
		return EventCreated
	case *prev != next:
		return EventUpdated
	default:
		return ""
	}
}

// UpsertOrderTx stores an observed open order and appends the lifecycle event
// it implies. It returns that event type, or "" when the row was unchanged.
func (s *Store) UpsertOrderTx(ctx context.Context, tx *Tx, slot uint64, order *escrow.Order) (string, error) {
	address := order.Address.String()
	prev, err := s.getOrderSnapshotTx(ctx, tx, address)
	if err != nil {
		return "", err
	}
	next := snapshotOf(order)
	event := classifyOrderChange(prev, next)
	if event == "" {
		return "", nil
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_orders (
			address, order_id, maker, taker, maker_mint, taker_mint,
			maker_amount, taker_amount, bump, status,
			first_seen_slot, slot, created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(address) DO UPDATE SET
			taker = excluded.taker,
			maker_amount = excluded.maker_amount,
			taker_amount = excluded.taker_amount,
			status = excluded.status,
			first_seen_slot = CASE
				WHEN escrow_orders.status = 'closed' THEN excluded.first_seen_slot
				ELSE escrow_orders.first_seen_slot
			END,
			created_at = CASE
				WHEN escrow_orders.status = 'closed' THEN excluded.created_at
				ELSE escrow_orders.created_at
			END,
			slot = excluded.slot,
			updated_at = excluded.updated_at,
			closed_at = NULL
	`,
		address,
		order.ID.String(),
		order.Maker.String(),
		next.Taker,
		order.MakerMint.String(),
		order.TakerMint.String(),
		next.MakerAmount,
		next.TakerAmount,
		int(order.Bump),
		OrderStatusOpen,
		int64(slot),
		int64(slot),
		now,
		now,
	)
	if err != nil {
		return "", err
	}

	if err := s.insertOrderEventTx(ctx, tx, address, event, order.Maker.String(), next, slot, now); err != nil {
		return "", err
	}
	return event, nil
}

// CloseMissingOrdersTx marks every open row whose address is not in seen as
// closed and records a closed event for it.
func (s *Store) CloseMissingOrdersTx(ctx context.Context, tx *Tx, slot uint64, seen map[string]struct{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT address, maker, taker, maker_amount, taker_amount
		FROM escrow_orders
		WHERE status = ?
	`, OrderStatusOpen)
	if err != nil {
		return nil, err
	}

	type openRow struct {
		address string
		maker   string
		snap    orderSnapshot
	}
	var missing []openRow
	for rows.Next() {
		var row openRow
		if err := rows.Scan(&row.address, &row.maker, &row.snap.Taker, &row.snap.MakerAmount, &row.snap.TakerAmount); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if _, ok := seen[row.address]; ok {
			continue
		}
		missing = append(missing, row)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now().Unix()
	closed := make([]string, 0, len(missing))
	for _, row := range missing {
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrow_orders
			SET status = ?, slot = ?, updated_at = ?, closed_at = ?
			WHERE address = ?
		`, OrderStatusClosed, int64(slot), now, now, row.address); err != nil {
			return nil, err
		}
		if err := s.insertOrderEventTx(ctx, tx, row.address, EventClosed, row.maker, row.snap, slot, now); err != nil {
			return nil, err
		}
		closed = append(closed, row.address)
	}
	return closed, nil
}

func (s *Store) insertOrderEventTx(
	ctx context.Context,
	tx *Tx,
	address string,
	eventType string,
	maker string,
	snap orderSnapshot,
	slot uint64,
	recordedAt int64,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (
			order_address, event_type, maker, taker, maker_amount, taker_amount, slot, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		address,
		eventType,
		maker,
		snap.Taker,
		snap.MakerAmount,
		snap.TakerAmount,
		int64(slot),
		recordedAt,
	)
	return err
}

func (s *Store) getOrderSnapshotTx(ctx context.Context, tx *Tx, address string) (*orderSnapshot, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT taker, maker_amount, taker_amount, status
		FROM escrow_orders
		WHERE address = ?
	`, address)

	var snap orderSnapshot
	err := row.Scan(&snap.Taker, &snap.MakerAmount, &snap.TakerAmount, &snap.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
