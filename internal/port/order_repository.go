package port

import (
	"context"
	"time"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, order *domain.Order) error

	// FindByID loads an order; returns domain.ErrOrderNotFound when absent.
	FindByID(ctx context.Context, id string) (*domain.Order, error)

	// SaveIfStatus writes the order only if the stored status still equals
	// expected (optimistic precondition). Returns ErrStaleOrder otherwise.
	SaveIfStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error

	// FindByStatus returns up to limit orders in status whose last status
	// change happened at or before changedBefore, oldest first.
	FindByStatus(ctx context.Context, status domain.OrderStatus, changedBefore time.Time, limit int) ([]domain.Order, error)
}
