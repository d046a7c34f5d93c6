package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// DATETIME(6) keeps microseconds; lock handles are compared for equality
// against lock_until on release.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id            VARCHAR(64)   NOT NULL PRIMARY KEY,
		user_id       VARCHAR(64)   NOT NULL,
		flight_number VARCHAR(16)   NOT NULL,
		seat_class    VARCHAR(16)   NOT NULL,
		amount        DECIMAL(12,2) NOT NULL,
		status        VARCHAR(32)   NOT NULL,
		created_at    DATETIME(6)   NOT NULL,
		updated_at    DATETIME(6)   NOT NULL,
		paid_at       DATETIME(6)   NULL,
		seat          VARCHAR(8)    NOT NULL DEFAULT '',
		ticket_number VARCHAR(64)   NOT NULL DEFAULT '',
		gate          VARCHAR(8)    NOT NULL DEFAULT '',
		INDEX idx_orders_status_updated (status, updated_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_locks (
		name       VARCHAR(128) NOT NULL PRIMARY KEY,
		holder     VARCHAR(255) NOT NULL,
		locked_at  DATETIME(6)  NOT NULL,
		lock_until DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_state_history (
		id            BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		order_id      VARCHAR(64)  NOT NULL,
		from_status   VARCHAR(32)  NOT NULL DEFAULT '',
		to_status     VARCHAR(32)  NOT NULL,
		event         VARCHAR(32)  NOT NULL,
		operator      VARCHAR(128) NOT NULL DEFAULT '',
		success       BOOLEAN      NOT NULL,
		error_message TEXT         NULL,
		failure_kind  VARCHAR(32)  NOT NULL DEFAULT '',
		snapshot      TEXT         NULL,
		trace_id      VARCHAR(32)  NOT NULL DEFAULT '',
		created_at    DATETIME(6)  NOT NULL,
		INDEX idx_history_order (order_id, id),
		INDEX idx_history_failures (success, failure_kind, id)
	)`,
}

// Migrate creates the orders, order_locks and order_state_history tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}
	return nil
}
