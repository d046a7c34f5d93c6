package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

const errDuplicateEntry = 1062

// MySQLAdapter stores orders and lock rows. Both use conditional UPDATEs
// checked through RowsAffected, so a lost race surfaces as a refused write
// rather than a silent overwrite.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

const orderColumns = `id, user_id, flight_number, seat_class, amount, status,
	created_at, updated_at, paid_at, seat, ticket_number, gate`

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order *domain.Order) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.FlightNumber, order.SeatClass, order.Amount, order.Status,
		order.CreatedAt, order.UpdatedAt, nullTime(order.PaidAt), order.Seat, order.TicketNumber, order.Gate,
	)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	return nil
}

func (m *MySQLAdapter) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	return order, nil
}

func (m *MySQLAdapter) SaveIfStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, updated_at = ?, paid_at = ?, seat = ?, ticket_number = ?, gate = ?
		WHERE id = ? AND status = ?`,
		order.Status, order.UpdatedAt, nullTime(order.PaidAt), order.Seat, order.TicketNumber, order.Gate,
		order.ID, expected,
	)
	if err != nil {
		return errors.Wrap(err, "update order")
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	var exists int
	err = m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, order.ID).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check order")
	}
	if exists == 0 {
		return domain.ErrOrderNotFound
	}
	return port.ErrStaleOrder
}

func (m *MySQLAdapter) FindByStatus(ctx context.Context, status domain.OrderStatus, changedBefore time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND updated_at <= ?
		ORDER BY updated_at, id`
	args := []any{status, changedBefore}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query orders by status")
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		orders = append(orders, *order)
	}
	return orders, errors.Wrap(rows.Err(), "iterate orders")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order  domain.Order
		paidAt sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.UserID, &order.FlightNumber, &order.SeatClass, &order.Amount, &order.Status,
		&order.CreatedAt, &order.UpdatedAt, &paidAt, &order.Seat, &order.TicketNumber, &order.Gate,
	)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		order.PaidAt = &t
	}
	return &order, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (m *MySQLAdapter) LoadLock(ctx context.Context, name string) (*domain.Lock, error) {
	var lock domain.Lock
	err := m.db.QueryRowContext(ctx, `
		SELECT name, holder, locked_at, lock_until
		FROM order_locks WHERE name = ?`, name,
	).Scan(&lock.Name, &lock.Holder, &lock.LockedAt, &lock.LockUntil)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query lock")
	}
	return &lock, nil
}

// UpsertLockIfExpired inserts the first row for name; an existing row is
// taken over only when its lease has passed.
func (m *MySQLAdapter) UpsertLockIfExpired(ctx context.Context, name, holder string, now, until time.Time) (bool, error) {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO order_locks (name, holder, locked_at, lock_until)
		VALUES (?, ?, ?, ?)`,
		name, holder, now, until,
	)
	if err == nil {
		return true, nil
	}
	if !isDuplicateEntry(err) {
		return false, errors.Wrap(err, "insert lock")
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE order_locks
		SET holder = ?, locked_at = ?, lock_until = ?
		WHERE name = ? AND lock_until <= ?`,
		holder, now, until, name, now,
	)
	if err != nil {
		return false, errors.Wrap(err, "update lock")
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) ReleaseLock(ctx context.Context, name, holder string, currentUntil, newUntil time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE order_locks
		SET lock_until = ?
		WHERE name = ? AND holder = ? AND lock_until = ?`,
		newUntil, name, holder, currentUntil,
	)
	if err != nil {
		return false, errors.Wrap(err, "release lock")
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == errDuplicateEntry
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
