package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

var ErrNotFound = errors.New("not found")

// TakerOpen as an OrderFilter.Taker value selects orders anyone may complete.
const TakerOpen = "open"

type OrderFilter struct {
	Maker  string
	Taker  string
	Token  string
	Status string
	Limit  int
	Offset int
}

type OrderRecord struct {
	Address       string `json:"address"`
	OrderID       string `json:"order_id"`
	Maker         string `json:"maker"`
	Taker         string `json:"taker"`
	MakerMint     string `json:"maker_mint"`
	TakerMint     string `json:"taker_mint"`
	MakerAmount   string `json:"maker_amount"`
	TakerAmount   string `json:"taker_amount"`
	Bump          uint8  `json:"bump"`
	Status        string `json:"status"`
	FirstSeenSlot uint64 `json:"first_seen_slot"`
	Slot          uint64 `json:"slot"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	ClosedAt      *int64 `json:"closed_at,omitempty"`
}

type OrderEventFilter struct {
	Order  string
	Limit  int
	Offset int
}

type OrderEventRecord struct {
	ID           int64  `json:"id"`
	OrderAddress string `json:"order_address"`
	EventType    string `json:"event_type"`
	Maker        string `json:"maker"`
	Taker        string `json:"taker"`
	MakerAmount  string `json:"maker_amount"`
	TakerAmount  string `json:"taker_amount"`
	Slot         uint64 `json:"slot"`
	RecordedAt   int64  `json:"recorded_at"`
}

type SyncState struct {
	LastSlot  uint64 `json:"last_slot"`
	UpdatedAt int64  `json:"updated_at"`
}

const orderColumns = `
	address,
	order_id,
	maker,
	taker,
	maker_mint,
	taker_mint,
	maker_amount,
	taker_amount,
	bump,
	status,
	first_seen_slot,
	slot,
	created_at,
	updated_at,
	closed_at`

// orderWhere builds the WHERE clause and its arguments for filter.
func orderWhere(filter OrderFilter) (string, []any) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 5)

	if filter.Maker != "" {
		clauses = append(clauses, "maker = ?")
		args = append(args, filter.Maker)
	}
	switch filter.Taker {
	case "":
	case TakerOpen:
		clauses = append(clauses, "taker = ''")
	default:
		clauses = append(clauses, "taker = ?")
		args = append(args, filter.Taker)
	}
	if filter.Token != "" {
		clauses = append(clauses, "(maker_mint = ? OR taker_mint = ?)")
		args = append(args, filter.Token, filter.Token)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]OrderRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	where, args := orderWhere(filter)

	query := fmt.Sprintf(`
		SELECT %s
		FROM escrow_orders
		WHERE %s
		ORDER BY updated_at DESC, address ASC
		LIMIT ? OFFSET ?
	`, orderColumns, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OrderRecord, 0, limit)
	for rows.Next() {
		item, err := scanOrder(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetOrder(ctx context.Context, address string) (OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM escrow_orders
		WHERE address = ?
	`, orderColumns), address)

	item, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderRecord{}, fmt.Errorf("order %s: %w", address, ErrNotFound)
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (OrderRecord, error) {
	var item OrderRecord
	var bump int
	var firstSeen, slot int64
	var closedAt sql.NullInt64
	if err := row.Scan(
		&item.Address,
		&item.OrderID,
		&item.Maker,
		&item.Taker,
		&item.MakerMint,
		&item.TakerMint,
		&item.MakerAmount,
		&item.TakerAmount,
		&bump,
		&item.Status,
		&firstSeen,
		&slot,
		&item.CreatedAt,
		&item.UpdatedAt,
		&closedAt,
	); err != nil {
		return OrderRecord{}, err
	}
	item.Bump = uint8(bump)
	item.FirstSeenSlot = uint64(firstSeen)
	item.Slot = uint64(slot)
	if closedAt.Valid {
		v := closedAt.Int64
		item.ClosedAt = &v
	}
	return item, nil
}

func (s *Store) ListOrderEvents(ctx context.Context, filter OrderEventFilter) ([]OrderEventRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if filter.Order != "" {
		clauses = append(clauses, "order_address = ?")
		args = append(args, filter.Order)
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			order_address,
			event_type,
			maker,
			taker,
			maker_amount,
			taker_amount,
			slot,
			recorded_at
		FROM order_events
		WHERE %s
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OrderEventRecord, 0, limit)
	for rows.Next() {
		var item OrderEventRecord
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.OrderAddress,
			&item.EventType,
			&item.Maker,
			&item.Taker,
			&item.MakerAmount,
			&item.TakerAmount,
			&slot,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

// LatestEventID returns the highest order_events id, or 0 for an empty table.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM order_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (s *Store) GetSyncState(ctx context.Context) (SyncState, error) {
	var state SyncState
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`).Scan(&slot, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, err
	}
	state.LastSlot = uint64(slot)
	return state, nil
}

// ParseAmount reads an amount column back into base units.
func ParseAmount(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
