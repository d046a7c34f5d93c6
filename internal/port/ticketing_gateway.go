package port

import (
	"context"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

// TicketingGateway is the boundary to the external ticket-issuing system.
// Calls block for a network-like latency and must honour ctx deadlines.
// Failures are returned as *domain.TicketingFailure where the gateway can
// classify them.
type TicketingGateway interface {
	IssueTicket(ctx context.Context, order *domain.Order) (domain.Ticket, error)
	CancelTicket(ctx context.Context, ticketNumber, reason string) (bool, error)
	CheckSeatAvailability(ctx context.Context, flightNumber string, seatClass domain.SeatClass) (bool, error)
}
