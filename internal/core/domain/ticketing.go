package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Ticket is the successful outcome of an issuance call.
type Ticket struct {
	Number   string
	Seat     string
	Gate     string
	IssuedAt time.Time
}

type FailureKind string

const (
	FailureTimeout          FailureKind = "TIMEOUT"
	FailureNetwork          FailureKind = "NETWORK_ERROR"
	FailureMaintenance      FailureKind = "MAINTENANCE"
	FailureNoSeatAvailable  FailureKind = "NO_SEAT_AVAILABLE"
	FailureSeatOccupied     FailureKind = "SEAT_OCCUPIED"
	FailureFlightCancelled  FailureKind = "FLIGHT_CANCELLED"
	FailureInvalidPassenger FailureKind = "INVALID_PASSENGER"
)

// Business reports whether the failure is a domain outcome rather than an
// infrastructure fault.
func (k FailureKind) Business() bool {
	switch k {
	case FailureNoSeatAvailable, FailureSeatOccupied, FailureFlightCancelled, FailureInvalidPassenger:
		return true
	}
	return false
}

// Retryable reports whether the retry sweep may attempt the order again.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureNetwork, FailureMaintenance, FailureNoSeatAvailable, FailureSeatOccupied:
		return true
	}
	return false
}

// Fatal reports whether the order should be escalated to CANCELLED.
func (k FailureKind) Fatal() bool {
	return k == FailureFlightCancelled
}

// TicketingFailure is the classified failure outcome of a gateway call.
type TicketingFailure struct {
	Kind    FailureKind
	Message string
}

func NewTicketingFailure(kind FailureKind, format string, args ...any) *TicketingFailure {
	return &TicketingFailure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (f *TicketingFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *TicketingFailure) Retryable() bool { return f.Kind.Retryable() }

// Is lets errors.Is match a failure against the reconcile sentinels.
func (f *TicketingFailure) Is(target error) bool {
	return target == f.Sentinel()
}

// Sentinel maps the failure onto the reconcile error taxonomy.
func (f *TicketingFailure) Sentinel() error {
	switch f.Kind {
	case FailureTimeout:
		return ErrGatewayTimeout
	case FailureNetwork:
		return ErrGatewayNetwork
	case FailureMaintenance:
		return ErrGatewayMaintenance
	default:
		return ErrGatewayBusiness
	}
}

// ClassifyGatewayError turns any error returned by a gateway call into a
// TicketingFailure. Deadline errors become TIMEOUT; unknown errors are
// treated as transient network failures.
func ClassifyGatewayError(err error) *TicketingFailure {
	if err == nil {
		return nil
	}
	var failure *TicketingFailure
	if errors.As(err, &failure) {
		return failure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TicketingFailure{Kind: FailureTimeout, Message: err.Error()}
	}
	return &TicketingFailure{Kind: FailureNetwork, Message: err.Error()}
}
