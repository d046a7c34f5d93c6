package domain

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var allowedEdges = map[[2]OrderStatus]bool{
	{StatusPendingPayment, StatusPaid}:                 true,
	{StatusPendingPayment, StatusCancelled}:            true,
	{StatusPaid, StatusTicketingInProgress}:            true,
	{StatusPaid, StatusCancelled}:                      true,
	{StatusTicketingInProgress, StatusTicketed}:        true,
	{StatusTicketingInProgress, StatusTicketingFailed}: true,
	{StatusTicketingInProgress, StatusCancelled}:       true,
	{StatusTicketingFailed, StatusTicketingInProgress}: true,
	{StatusTicketingFailed, StatusPaid}:                true,
	{StatusTicketingFailed, StatusCancelled}:           true,
}

func TestCanTransition_MatchesEdgeList(t *testing.T) {
	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			want := allowedEdges[[2]OrderStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, expected %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	if CanTransition("REFUNDED", StatusCancelled) {
		t.Error("expected unknown source to be rejected")
	}
	if CanTransition(StatusPaid, "REFUNDED") {
		t.Error("expected unknown target to be rejected")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range AllStatuses() {
		want := s == StatusTicketed || s == StatusCancelled
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v, expected %v", s, s.IsTerminal(), want)
		}
	}
	if OrderStatus("BOGUS").IsTerminal() {
		t.Error("unknown status must not be terminal")
	}
}

func TestApply_InvalidEdgesLeaveOrderUnchanged(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			if allowedEdges[[2]OrderStatus{from, to}] {
				continue
			}
			order := newTestOrder(t, now)
			order.Status = from
			before := *order

			_, err := order.Apply(to, EventPay, OperatorSystem, now.Add(time.Minute))
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			if order.Status != before.Status || !order.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("%s -> %s: order mutated on invalid transition", from, to)
			}
		}
	}
}

func newTestOrder(t *testing.T, now time.Time) *Order {
	t.Helper()
	order, err := NewOrder("ORD-1", "user-1", "CA1234", SeatClassEconomy, decimal.NewFromInt(820), now)
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	return order
}
