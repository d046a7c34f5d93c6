package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

// HistoryRecord maps the order_state_history table.
type HistoryRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	OrderID      string `gorm:"size:64;not null"`
	FromStatus   string `gorm:"size:32;not null;default:''"`
	ToStatus     string `gorm:"size:32;not null"`
	Event        string `gorm:"size:32;not null"`
	Operator     string `gorm:"size:128;not null;default:''"`
	Success      bool   `gorm:"not null"`
	ErrorMessage sql.NullString
	FailureKind  string `gorm:"size:32;not null;default:''"`
	Snapshot     sql.NullString
	TraceID      string    `gorm:"size:32;not null;default:''"`
	CreatedAt    time.Time `gorm:"type:datetime(6);not null"`
}

func (HistoryRecord) TableName() string {
	return "order_state_history"
}

// GormHistoryRepository appends and queries history entries. Rows are only
// ever inserted.
type GormHistoryRepository struct {
	db *gorm.DB
}

func NewGormHistoryRepository(db *gorm.DB) *GormHistoryRepository {
	return &GormHistoryRepository{db: db}
}

// OpenGorm wraps an existing connection pool.
func OpenGorm(db *sql.DB) (*gorm.DB, error) {
	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open gorm")
	}
	return gdb, nil
}

func (r *GormHistoryRepository) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	record := toHistoryRecord(entry)
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return errors.Wrap(err, "insert history entry")
	}
	entry.ID = record.ID
	return nil
}

func (r *GormHistoryRepository) QueryHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	q := r.db.WithContext(ctx).Model(&HistoryRecord{})
	if filter.OrderID != "" {
		q = q.Where("order_id = ?", filter.OrderID)
	}
	if filter.Event != "" {
		q = q.Where("event = ?", filter.Event)
	}
	if filter.OnlyFailures {
		q = q.Where("(success = ? OR failure_kind <> '')", false)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if filter.NewestFirst {
		q = q.Order("id DESC")
	} else {
		q = q.Order("id ASC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var records []HistoryRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "query history")
	}

	entries := make([]domain.HistoryEntry, 0, len(records))
	for i := range records {
		entries = append(entries, toHistoryEntry(&records[i]))
	}
	return entries, nil
}

func toHistoryRecord(e *domain.HistoryEntry) HistoryRecord {
	return HistoryRecord{
		OrderID:      e.OrderID,
		FromStatus:   string(e.FromStatus),
		ToStatus:     string(e.ToStatus),
		Event:        string(e.Event),
		Operator:     e.Operator,
		Success:      e.Success,
		ErrorMessage: sql.NullString{String: e.ErrorMessage, Valid: e.ErrorMessage != ""},
		FailureKind:  string(e.FailureKind),
		Snapshot:     sql.NullString{String: e.Snapshot, Valid: e.Snapshot != ""},
		TraceID:      e.TraceID,
		CreatedAt:    e.CreatedAt,
	}
}

func toHistoryEntry(r *HistoryRecord) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:           r.ID,
		OrderID:      r.OrderID,
		FromStatus:   domain.OrderStatus(r.FromStatus),
		ToStatus:     domain.OrderStatus(r.ToStatus),
		Event:        domain.Event(r.Event),
		Operator:     r.Operator,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage.String,
		FailureKind:  domain.FailureKind(r.FailureKind),
		Snapshot:     r.Snapshot.String,
		TraceID:      r.TraceID,
		CreatedAt:    r.CreatedAt,
	}
}
