package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrOrderNotFound          = errors.New("order not found")
	ErrGatewayTimeout         = errors.New("ticketing gateway timeout")
	ErrGatewayNetwork         = errors.New("ticketing gateway network error")
	ErrGatewayMaintenance     = errors.New("ticketing gateway under maintenance")
	ErrGatewayBusiness        = errors.New("ticketing business failure")
	ErrStorage                = errors.New("storage unavailable")
)

// ReconcileError carries the failure kind of a reconciliation attempt.
// errors.Is matches both Kind and Cause.
type ReconcileError struct {
	Kind    error
	OrderID string
	From    OrderStatus
	To      OrderStatus
	Cause   error
}

func (e *ReconcileError) Error() string {
	msg := e.Kind.Error()
	if e.OrderID != "" {
		msg = fmt.Sprintf("order %s: %s", e.OrderID, msg)
	}
	if e.From != "" || e.To != "" {
		msg = fmt.Sprintf("%s (%s -> %s)", msg, e.From, e.To)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ReconcileError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// NewStorageError wraps a persistence failure.
func NewStorageError(orderID string, cause error) error {
	return &ReconcileError{Kind: ErrStorage, OrderID: orderID, Cause: cause}
}

// IsRetryable reports whether err is safe to retry on a later cycle.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrGatewayTimeout),
		errors.Is(err, ErrGatewayNetwork),
		errors.Is(err, ErrGatewayMaintenance):
		return true
	}
	var failure *TicketingFailure
	if errors.As(err, &failure) {
		return failure.Retryable()
	}
	return false
}
