package notifier

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

// LogPublisher writes status changes to the log. Used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "notifier").Logger()}
}

func (p *LogPublisher) PublishStatusChanged(_ context.Context, event port.StatusChanged) error {
	p.logger.Info().
		Str("order_id", event.OrderID).
		Str("from", string(event.From)).
		Str("to", string(event.To)).
		Str("event", string(event.Event)).
		Str("operator", event.Operator).
		Str("ticket", event.TicketNumber).
		Time("at", event.At).
		Msg("order status changed")
	return nil
}
