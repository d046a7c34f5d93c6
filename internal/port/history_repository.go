package port

import (
	"context"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

type HistoryRepository interface {
	// AppendHistory stores the entry and sets its ID. Entries are never
	// updated or deleted.
	AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error

	// QueryHistory returns entries matching filter, oldest first unless
	// filter.NewestFirst is set.
	QueryHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error)
}
