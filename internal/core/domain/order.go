package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type SeatClass string

const (
	SeatClassEconomy  SeatClass = "ECONOMY"
	SeatClassBusiness SeatClass = "BUSINESS"
	SeatClassFirst    SeatClass = "FIRST"
)

func (c SeatClass) Valid() bool {
	switch c {
	case SeatClassEconomy, SeatClassBusiness, SeatClassFirst:
		return true
	}
	return false
}

type Order struct {
	ID           string
	UserID       string
	FlightNumber string
	SeatClass    SeatClass
	Amount       decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time // last status change
	PaidAt       *time.Time
	Seat         string
	TicketNumber string
	Gate         string
}

// Transition describes one applied status change.
type Transition struct {
	OrderID  string
	From     OrderStatus
	To       OrderStatus
	Event    Event
	Operator string
	At       time.Time
}

// NewOrder builds an order in PENDING_PAYMENT.
func NewOrder(id, userID, flightNumber string, seatClass SeatClass, amount decimal.Decimal, now time.Time) (*Order, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(flightNumber) == "" {
		return nil, errors.New("order requires id, user and flight")
	}
	if !amount.IsPositive() {
		return nil, errors.Errorf("order amount must be positive, got %s", amount)
	}
	if seatClass == "" {
		seatClass = SeatClassEconomy
	}
	if !seatClass.Valid() {
		return nil, errors.Errorf("unknown seat class %q", seatClass)
	}

	return &Order{
		ID:           id,
		UserID:       userID,
		FlightNumber: flightNumber,
		SeatClass:    seatClass,
		Amount:       amount,
		Status:       StatusPendingPayment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Apply moves the order to status to. It is the only place Status changes;
// an edge outside the lifecycle graph returns ErrInvalidTransition and leaves
// the order untouched.
func (o *Order) Apply(to OrderStatus, event Event, operator string, at time.Time) (Transition, error) {
	from := o.Status
	if !CanTransition(from, to) {
		return Transition{}, &ReconcileError{
			Kind:    ErrInvalidTransition,
			OrderID: o.ID,
			From:    from,
			To:      to,
		}
	}

	o.Status = to
	o.UpdatedAt = at
	switch to {
	case StatusPaid:
		paidAt := at
		o.PaidAt = &paidAt
		o.Seat, o.TicketNumber, o.Gate = "", "", ""
	case StatusTicketingFailed, StatusTicketingInProgress:
		o.Seat, o.TicketNumber, o.Gate = "", "", ""
	}

	return Transition{
		OrderID:  o.ID,
		From:     from,
		To:       to,
		Event:    event,
		Operator: operator,
		At:       at,
	}, nil
}

// AssignTicket records the issued ticket on the order. Call it before
// applying the TICKETED transition.
func (o *Order) AssignTicket(t Ticket) {
	o.TicketNumber = t.Number
	o.Seat = t.Seat
	o.Gate = t.Gate
}

func (o *Order) Clone() *Order {
	c := *o
	if o.PaidAt != nil {
		paidAt := *o.PaidAt
		c.PaidAt = &paidAt
	}
	return &c
}
