package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

const orderColumns = `id, cycle_id, exchange_order_id, order_type, order_index,
	price, amount, status, created_at, updated_at`

// InsertOrders persists a batch of order rows (the freshly computed grid)
func (t *Tx) InsertOrders(ctx context.Context, orders []*core.Order) error {
	now := time.Now().UTC()
	stmt, err := t.tx.PrepareContext(ctx, t.rebind(`INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare order insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx,
			o.ID.String(), o.CycleID.String(), nullStr(o.ExchangeOrderID),
			string(o.OrderType), o.OrderIndex, decStr(o.Price), decStr(o.Amount),
			string(o.Status), o.CreatedAt, o.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
		}
	}
	return nil
}

// InsertOrder persists a single order row
func (t *Tx) InsertOrder(ctx context.Context, o *core.Order) error {
	return t.InsertOrders(ctx, []*core.Order{o})
}

// GetOrderByExchangeIDForUpdate selects an order row by its exchange id and
// locks it for the rest of the transaction. This serializes redeliveries of
// the same fill against each other.
func (t *Tx) GetOrderByExchangeIDForUpdate(ctx context.Context, exchangeOrderID string) (*core.Order, error) {
	q := forUpdate(t.dialect,
		`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`)
	row := t.tx.QueryRowContext(ctx, t.rebind(q), exchangeOrderID)
	return scanOrder(row)
}

// GetOrder loads one order row by id
func (t *Tx) GetOrder(ctx context.Context, id uuid.UUID) (*core.Order, error) {
	row := t.tx.QueryRowContext(ctx,
		t.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id.String())
	return scanOrder(row)
}

// GetOrderByCycleAndIndex returns the rung at order_index for the cycle
func (t *Tx) GetOrderByCycleAndIndex(ctx context.Context, cycleID uuid.UUID, index int) (*core.Order, error) {
	row := t.tx.QueryRowContext(ctx, t.rebind(
		`SELECT `+orderColumns+` FROM orders
		 WHERE cycle_id = ? AND order_type = ? AND order_index = ?`),
		cycleID.String(), string(core.OrderTypeBuySafety), index)
	return scanOrder(row)
}

// ListOrdersByStatus returns the cycle's orders in any of the given states
func (t *Tx) ListOrdersByStatus(ctx context.Context, cycleID uuid.UUID, statuses ...core.OrderStatus) ([]*core.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + orderColumns + ` FROM orders WHERE cycle_id = ? AND status IN (`
	args := []interface{}{cycleID.String()}
	for i, st := range statuses {
		if i > 0 {
			q += ", "
		}
		q += "?"
		args = append(args, string(st))
	}
	q += `) ORDER BY order_index`

	rows, err := t.tx.QueryContext(ctx, t.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrder writes back the order's mutable fields
func (t *Tx) UpdateOrder(ctx context.Context, o *core.Order) error {
	o.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, t.rebind(
		`UPDATE orders SET exchange_order_id = ?, status = ?, price = ?, amount = ?, updated_at = ?
		 WHERE id = ?`),
		nullStr(o.ExchangeOrderID), string(o.Status), decStr(o.Price), decStr(o.Amount),
		o.UpdatedAt, o.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteUnfilledSafetyOrders removes the cycle's non-FILLED buy rungs; used
// when the grid is reconstructed during a shift
func (t *Tx) DeleteUnfilledSafetyOrders(ctx context.Context, cycleID uuid.UUID) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.rebind(
		`DELETE FROM orders WHERE cycle_id = ? AND order_type = ? AND status != ?`),
		cycleID.String(), string(core.OrderTypeBuySafety), string(core.OrderStatusFilled))
	if err != nil {
		return 0, fmt.Errorf("failed to delete unfilled safety orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOrder(row rowScanner) (*core.Order, error) {
	var (
		o             core.Order
		id, cycleID   string
		exchangeID    sql.NullString
		orderType     string
		status        string
		price, amount sql.NullString
	)
	err := row.Scan(&id, &cycleID, &exchangeID, &orderType, &o.OrderIndex,
		&price, &amount, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", id, err)
	}
	o.CycleID, err = uuid.Parse(cycleID)
	if err != nil {
		return nil, fmt.Errorf("invalid cycle id %q: %w", cycleID, err)
	}

	o.ExchangeOrderID = fromNullStr(exchangeID)
	o.OrderType = core.OrderType(orderType)
	o.Status = core.OrderStatus(status)
	o.Price = fromNullDec(price)
	o.Amount = fromNullDec(amount)
	return &o, nil
}
