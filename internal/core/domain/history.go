package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HistoryEntry is one append-only audit record of an attempted transition.
type HistoryEntry struct {
	ID           int64
	OrderID      string
	FromStatus   OrderStatus
	ToStatus     OrderStatus
	Event        Event
	Operator     string
	Success      bool
	ErrorMessage string
	FailureKind  FailureKind
	Snapshot     string
	TraceID      string
	CreatedAt    time.Time
}

// Failed reports whether the entry records a rejected attempt or a
// transition driven by a gateway failure.
func (e *HistoryEntry) Failed() bool {
	return !e.Success || e.FailureKind != ""
}

var ErrMalformedEntry = errors.New("malformed history entry")

// Validate checks the fields every entry must carry.
func (e *HistoryEntry) Validate() error {
	switch {
	case strings.TrimSpace(e.OrderID) == "":
		return errors.Wrap(ErrMalformedEntry, "missing order id")
	case e.Event == "":
		return errors.Wrap(ErrMalformedEntry, "missing event")
	case !e.ToStatus.Valid():
		return errors.Wrapf(ErrMalformedEntry, "unknown target status %q", e.ToStatus)
	case e.FromStatus != "" && !e.FromStatus.Valid():
		return errors.Wrapf(ErrMalformedEntry, "unknown source status %q", e.FromStatus)
	}
	return nil
}

// HistoryFilter selects entries for HistoryRepository.Query. Zero values
// mean "no constraint". OnlyFailures keeps entries for which Failed is true.
type HistoryFilter struct {
	OrderID      string
	Event        Event
	OnlyFailures bool
	Since        time.Time
	NewestFirst  bool
	Limit        int
}

// ReplayStatus folds successful entries, in creation order, starting from
// PENDING_PAYMENT. Entries whose source does not match the folded state are
// ignored.
func ReplayStatus(entries []HistoryEntry) OrderStatus {
	status := StatusPendingPayment
	for _, e := range entries {
		if !e.Success || e.FromStatus != status {
			continue
		}
		status = e.ToStatus
	}
	return status
}
