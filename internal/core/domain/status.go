package domain

type OrderStatus string

const (
	StatusPendingPayment      OrderStatus = "PENDING_PAYMENT"
	StatusPaid                OrderStatus = "PAID"
	StatusTicketingInProgress OrderStatus = "TICKETING_IN_PROGRESS"
	StatusTicketingFailed     OrderStatus = "TICKETING_FAILED"
	StatusTicketed            OrderStatus = "TICKETED"
	StatusCancelled           OrderStatus = "CANCELLED"
)

// transitions is the order lifecycle graph. TICKETED and CANCELLED have no
// outgoing edges; refunds are not modelled as a transition out of TICKETED.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPendingPayment:      {StatusPaid, StatusCancelled},
	StatusPaid:                {StatusTicketingInProgress, StatusCancelled},
	StatusTicketingInProgress: {StatusTicketed, StatusTicketingFailed, StatusCancelled},
	StatusTicketingFailed:     {StatusTicketingInProgress, StatusPaid, StatusCancelled},
	StatusTicketed:            nil,
	StatusCancelled:           nil,
}

// AllStatuses returns every defined status in lifecycle order.
func AllStatuses() []OrderStatus {
	return []OrderStatus{
		StatusPendingPayment,
		StatusPaid,
		StatusTicketingInProgress,
		StatusTicketingFailed,
		StatusTicketed,
		StatusCancelled,
	}
}

func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether the edge from -> to exists. It is pure and
// safe to call without holding the order lock.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event names the trigger recorded with a transition.
type Event string

const (
	EventCreate             Event = "CREATE"
	EventPay                Event = "PAY"
	EventRepay              Event = "REPAY"
	EventCancel             Event = "CANCEL"
	EventStartTicketing     Event = "START_TICKETING"
	EventRetryTicketing     Event = "RETRY_TICKETING"
	EventTicketingSucceeded Event = "TICKETING_SUCCEEDED"
	EventTicketingFailed    Event = "TICKETING_FAILED"
	EventFlightCancelled    Event = "FLIGHT_CANCELLED"
)

// OperatorSystem identifies transitions driven by the scheduler.
const OperatorSystem = "system"
