package port

import (
	"context"
	"time"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

// StatusChanged is emitted after a transition is persisted.
type StatusChanged struct {
	OrderID      string             `json:"order_id"`
	From         domain.OrderStatus `json:"from"`
	To           domain.OrderStatus `json:"to"`
	Event        domain.Event       `json:"event"`
	Operator     string             `json:"operator"`
	Seat         string             `json:"seat,omitempty"`
	TicketNumber string             `json:"ticket_number,omitempty"`
	At           time.Time          `json:"at"`
}

type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChanged) error
}
