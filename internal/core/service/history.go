package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

// OrderStateHistory is the append-only audit trail of transition attempts.
type OrderStateHistory struct {
	repo  port.HistoryRepository
	clock clock.Clock
}

func NewOrderStateHistory(repo port.HistoryRepository, clk clock.Clock) *OrderStateHistory {
	return &OrderStateHistory{repo: repo, clock: clk}
}

// Append validates entry, stamps its creation time and the active trace id,
// and stores it. Only malformed entries and storage outages fail.
func (h *OrderStateHistory) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = h.clock.Now().UTC().Truncate(time.Microsecond)
	}
	if entry.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			entry.TraceID = sc.TraceID().String()
		}
	}

	if err := h.repo.AppendHistory(ctx, entry); err != nil {
		return domain.NewStorageError(entry.OrderID, err)
	}
	return nil
}

// ListFailures returns failed attempts and gateway-failure transitions,
// newest first. limit <= 0 means no limit.
func (h *OrderStateHistory) ListFailures(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	return h.Query(ctx, domain.HistoryFilter{OnlyFailures: true, NewestFirst: true, Limit: limit})
}

// ListForOrder returns the full history of one order in creation order.
func (h *OrderStateHistory) ListForOrder(ctx context.Context, orderID string) ([]domain.HistoryEntry, error) {
	return h.Query(ctx, domain.HistoryFilter{OrderID: orderID})
}

func (h *OrderStateHistory) Query(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	entries, err := h.repo.QueryHistory(ctx, filter)
	if err != nil {
		return nil, domain.NewStorageError(filter.OrderID, err)
	}
	return entries, nil
}

// RetryCount is the number of automatic retries already started for the
// order: successful TICKETING_FAILED -> TICKETING_IN_PROGRESS entries.
func (h *OrderStateHistory) RetryCount(ctx context.Context, orderID string) (int, error) {
	entries, err := h.ListForOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, e := range entries {
		if e.Success && e.FromStatus == domain.StatusTicketingFailed && e.ToStatus == domain.StatusTicketingInProgress {
			count++
		}
	}
	return count, nil
}

// LastFailureKind returns the classification of the most recent gateway
// failure recorded for the order, or "" if there is none.
func (h *OrderStateHistory) LastFailureKind(ctx context.Context, orderID string) (domain.FailureKind, error) {
	entries, err := h.Query(ctx, domain.HistoryFilter{OrderID: orderID, NewestFirst: true})
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.FailureKind != "" {
			return e.FailureKind, nil
		}
	}
	return "", nil
}
