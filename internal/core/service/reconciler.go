package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

const tracerName = "github.com/buoooou/airline-order-course-sub001/internal/core/service"

var ErrInvalidOrder = errors.New("invalid order request")

type ReconcilerConfig struct {
	// OrderLease is the per-order lock lease.
	OrderLease time.Duration
	// GatewayTimeout bounds one issuance call. Must be shorter than OrderLease.
	GatewayTimeout time.Duration
	// CancelOnFlightCancelled escalates FLIGHT_CANCELLED failures to CANCELLED
	// instead of TICKETING_FAILED.
	CancelOnFlightCancelled bool
	InstanceID              string
}

// OrderReconciler performs single-order transitions under the order lock.
type OrderReconciler struct {
	orders    port.OrderRepository
	gateway   port.TicketingGateway
	locks     *LockCoordinator
	history   *OrderStateHistory
	publisher port.EventPublisher
	clock     clock.Clock
	metrics   *Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
	cfg       ReconcilerConfig
}

// NewOrderReconciler wires the reconciler. publisher may be nil.
func NewOrderReconciler(
	orders port.OrderRepository,
	gateway port.TicketingGateway,
	locks *LockCoordinator,
	history *OrderStateHistory,
	publisher port.EventPublisher,
	clk clock.Clock,
	metrics *Metrics,
	logger zerolog.Logger,
	cfg ReconcilerConfig,
) *OrderReconciler {
	return &OrderReconciler{
		orders:    orders,
		gateway:   gateway,
		locks:     locks,
		history:   history,
		publisher: publisher,
		clock:     clk,
		metrics:   metrics,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
	}
}

// outcomeTimeout bounds the writes that record a gateway outcome. They run
// detached from the caller so a cancelled caller cannot strand an order in
// TICKETING_IN_PROGRESS after the gateway answered.
const outcomeTimeout = 5 * time.Second

// publishTimeout bounds one status-change publish.
const publishTimeout = 5 * time.Second

type attempt struct {
	orderID  string
	event    domain.Event
	target   domain.OrderStatus
	operator string
	// outbox collects persisted changes; they are published once the order
	// lock is released.
	outbox *[]statusChange
}

type statusChange struct {
	transition domain.Transition
	order      *domain.Order
}

type gatewayOutcome struct {
	ticket  *domain.Ticket
	failure *domain.TicketingFailure
}

// Transition moves one order to target. A target of TICKETING_IN_PROGRESS
// runs the whole issuance under the same lock: the IN_PROGRESS edge, one
// gateway call, then TICKETED, TICKETING_FAILED or CANCELLED.
//
// Every persisted edge and every rejected attempt writes one history entry,
// so most calls write exactly one. Issuance is the exception: it persists two
// edges and writes two entries, IN_PROGRESS and the outcome.
//
// Status changes are published after the order lock is released.
// On error the returned order is non-nil only when a gateway failure was
// recorded as a transition.
func (r *OrderReconciler) Transition(ctx context.Context, orderID string, event domain.Event, target domain.OrderStatus, operator string) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.event", string(event)),
		attribute.String("order.target", string(target)),
		attribute.String("order.operator", operator),
	))
	defer span.End()

	order, err := r.transition(ctx, attempt{orderID: orderID, event: event, target: target, operator: operator})
	r.metrics.Transitions.WithLabelValues(string(event), errorLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("order.status", string(order.Status)))
	}
	return order, err
}

func (r *OrderReconciler) transition(ctx context.Context, req attempt) (*domain.Order, error) {
	if strings.TrimSpace(req.orderID) == "" {
		return nil, &domain.ReconcileError{Kind: domain.ErrOrderNotFound, To: req.target, Cause: errors.New("empty order id")}
	}

	var outbox []statusChange
	req.outbox = &outbox
	defer func() { r.publishAll(ctx, outbox) }()

	var result *domain.Order
	err := r.locks.WithLock(ctx, domain.OrderLockName(req.orderID), r.holder(req.operator), r.cfg.OrderLease, 0,
		func(ctx context.Context) error {
			var err error
			result, err = r.reconcileLocked(ctx, req)
			return err
		})

	var rerr *domain.ReconcileError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &rerr):
		return result, err
	case errors.Is(err, ErrLockNotAcquired):
		cmErr := &domain.ReconcileError{
			Kind:    domain.ErrConcurrentModification,
			OrderID: req.orderID,
			To:      req.target,
			Cause:   errors.New("order lock held by another holder"),
		}
		r.record(ctx, req, r.peekStatus(ctx, req.orderID), cmErr, nil)
		return nil, cmErr
	default:
		storageErr := domain.NewStorageError(req.orderID, err)
		r.record(ctx, req, "", storageErr, nil)
		return nil, storageErr
	}
}

func (r *OrderReconciler) reconcileLocked(ctx context.Context, req attempt) (*domain.Order, error) {
	order, err := r.orders.FindByID(ctx, req.orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			err = &domain.ReconcileError{Kind: domain.ErrOrderNotFound, OrderID: req.orderID, To: req.target}
		} else {
			err = domain.NewStorageError(req.orderID, err)
		}
		r.record(ctx, req, "", err, nil)
		return nil, err
	}

	// A payment request against a failed issuance is a re-payment.
	if req.event == domain.EventPay && order.Status == domain.StatusTicketingFailed {
		req.event = domain.EventRepay
	}

	if req.target == domain.StatusTicketingInProgress {
		return r.issue(ctx, order, req)
	}
	return r.apply(ctx, order, req, nil)
}

// apply validates and persists one edge and records it.
func (r *OrderReconciler) apply(ctx context.Context, order *domain.Order, req attempt, gw *gatewayOutcome) (*domain.Order, error) {
	from := order.Status
	updated := order.Clone()
	if gw != nil && gw.ticket != nil {
		updated.AssignTicket(*gw.ticket)
	}

	tr, err := updated.Apply(req.target, req.event, req.operator, r.now())
	if err != nil {
		r.record(ctx, req, from, err, gw)
		return nil, err
	}

	if err := r.orders.SaveIfStatus(ctx, updated, from); err != nil {
		var saveErr error
		switch {
		case errors.Is(err, port.ErrStaleOrder):
			saveErr = &domain.ReconcileError{Kind: domain.ErrConcurrentModification, OrderID: order.ID, From: from, To: req.target, Cause: err}
		case errors.Is(err, domain.ErrOrderNotFound):
			saveErr = &domain.ReconcileError{Kind: domain.ErrOrderNotFound, OrderID: order.ID, From: from, To: req.target}
		default:
			saveErr = domain.NewStorageError(order.ID, err)
		}
		r.record(ctx, req, from, saveErr, gw)
		return nil, saveErr
	}

	r.record(ctx, req, from, nil, gw)
	if req.outbox != nil {
		*req.outbox = append(*req.outbox, statusChange{transition: tr, order: updated})
	}
	r.logger.Info().
		Str("order_id", order.ID).
		Str("from", string(from)).
		Str("to", string(req.target)).
		Str("event", string(req.event)).
		Str("operator", req.operator).
		Msg("order transitioned")
	return updated, nil
}

// issue runs the IN_PROGRESS edge, the gateway call and the outcome edge.
// The first edge is validated before the gateway is contacted.
func (r *OrderReconciler) issue(ctx context.Context, order *domain.Order, req attempt) (*domain.Order, error) {
	started, err := r.apply(ctx, order, req, nil)
	if err != nil {
		return nil, err
	}

	ticket, callErr := r.callGateway(ctx, started)

	outcomeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	if callErr == nil {
		done := attempt{orderID: order.ID, event: domain.EventTicketingSucceeded, target: domain.StatusTicketed, operator: req.operator, outbox: req.outbox}
		ticketed, err := r.apply(outcomeCtx, started, done, &gatewayOutcome{ticket: &ticket})
		if err != nil {
			r.voidTicket(outcomeCtx, order.ID, ticket)
			return nil, err
		}
		return ticketed, nil
	}

	failure := domain.ClassifyGatewayError(callErr)
	next := attempt{orderID: order.ID, event: domain.EventTicketingFailed, target: domain.StatusTicketingFailed, operator: req.operator, outbox: req.outbox}
	if failure.Kind.Fatal() && r.cfg.CancelOnFlightCancelled {
		next.event = domain.EventFlightCancelled
		next.target = domain.StatusCancelled
	}

	failed, err := r.apply(outcomeCtx, started, next, &gatewayOutcome{failure: failure})
	if err != nil {
		return nil, err
	}
	return failed, &domain.ReconcileError{
		Kind:    failure.Sentinel(),
		OrderID: order.ID,
		From:    domain.StatusTicketingInProgress,
		To:      next.target,
		Cause:   failure,
	}
}

func (r *OrderReconciler) callGateway(ctx context.Context, order *domain.Order) (domain.Ticket, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.IssueTicket", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("flight.number", order.FlightNumber),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	ticket, err := r.gateway.IssueTicket(callCtx, order)
	r.metrics.GatewayLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		r.metrics.GatewayCalls.WithLabelValues("success").Inc()
		return ticket, nil
	}
	// Cancellation of the caller is a call that never answered.
	if callCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Wrap(context.DeadlineExceeded, err.Error())
	}

	failure := domain.ClassifyGatewayError(err)
	r.metrics.GatewayCalls.WithLabelValues(strings.ToLower(string(failure.Kind))).Inc()
	span.SetStatus(codes.Error, failure.Error())
	r.logger.Warn().
		Str("order_id", order.ID).
		Str("failure_kind", string(failure.Kind)).
		Str("message", failure.Message).
		Msg("ticket issuance failed")
	return domain.Ticket{}, failure
}

// voidTicket cancels a ticket that was issued but could not be recorded on
// the order. The order stays TICKETING_IN_PROGRESS and is reported by stuck
// detection.
func (r *OrderReconciler) voidTicket(ctx context.Context, orderID string, ticket domain.Ticket) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.GatewayTimeout)
	defer cancel()

	ok, err := r.gateway.CancelTicket(ctx, ticket.Number, "order "+orderID+" could not record the issued ticket")
	if err != nil || !ok {
		r.logger.Error().Err(err).
			Str("order_id", orderID).
			Str("ticket_number", ticket.Number).
			Msg("issued ticket could not be voided, manual intervention required")
		return
	}
	r.logger.Warn().Str("order_id", orderID).Str("ticket_number", ticket.Number).Msg("voided unrecorded ticket")
}

// RequestPayment marks the order paid. An order whose ticketing failed is
// re-paid with the REPAY event, decided under the order lock.
func (r *OrderReconciler) RequestPayment(ctx context.Context, orderID, operator string) (*domain.Order, error) {
	return r.Transition(ctx, orderID, domain.EventPay, domain.StatusPaid, operator)
}

func (r *OrderReconciler) RequestCancellation(ctx context.Context, orderID, operator string) (*domain.Order, error) {
	return r.Transition(ctx, orderID, domain.EventCancel, domain.StatusCancelled, operator)
}

type NewOrderRequest struct {
	UserID       string
	FlightNumber string
	SeatClass    domain.SeatClass
	Amount       decimal.Decimal
}

// PlaceOrder creates an order in PENDING_PAYMENT and records its creation.
func (r *OrderReconciler) PlaceOrder(ctx context.Context, req NewOrderRequest) (*domain.Order, error) {
	order, err := domain.NewOrder("ORD-"+strings.ToUpper(uuid.NewString()), req.UserID, req.FlightNumber, req.SeatClass, req.Amount, r.now())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidOrder, err.Error())
	}
	if err := r.orders.CreateOrder(ctx, order); err != nil {
		return nil, domain.NewStorageError(order.ID, err)
	}

	created := attempt{orderID: order.ID, event: domain.EventCreate, target: domain.StatusPendingPayment, operator: req.UserID}
	r.record(ctx, created, "", nil, nil)
	r.publish(ctx, domain.Transition{
		OrderID:  order.ID,
		To:       order.Status,
		Event:    domain.EventCreate,
		Operator: req.UserID,
		At:       order.CreatedAt,
	}, order)
	return order, nil
}

// FindOrder is a plain read, not taken under the order lock.
func (r *OrderReconciler) FindOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := r.orders.FindByID(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, &domain.ReconcileError{Kind: domain.ErrOrderNotFound, OrderID: orderID}
	}
	if err != nil {
		return nil, domain.NewStorageError(orderID, err)
	}
	return order, nil
}

func (r *OrderReconciler) record(ctx context.Context, req attempt, from domain.OrderStatus, cause error, gw *gatewayOutcome) {
	entry := &domain.HistoryEntry{
		OrderID:    req.orderID,
		FromStatus: from,
		ToStatus:   req.target,
		Event:      req.event,
		Operator:   req.operator,
		Success:    cause == nil,
		Snapshot:   snapshot(req, gw),
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	if gw != nil && gw.failure != nil {
		entry.FailureKind = gw.failure.Kind
		if entry.ErrorMessage == "" {
			entry.ErrorMessage = gw.failure.Message
		}
	}

	if err := r.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error().Err(err).Str("order_id", req.orderID).Str("event", string(req.event)).Msg("history append failed")
	}
}

func (r *OrderReconciler) publishAll(ctx context.Context, changes []statusChange) {
	for _, c := range changes {
		r.publish(ctx, c.transition, c.order)
	}
}

func (r *OrderReconciler) publish(ctx context.Context, tr domain.Transition, order *domain.Order) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := r.publisher.PublishStatusChanged(ctx, port.StatusChanged{
		OrderID:      tr.OrderID,
		From:         tr.From,
		To:           tr.To,
		Event:        tr.Event,
		Operator:     tr.Operator,
		Seat:         order.Seat,
		TicketNumber: order.TicketNumber,
		At:           tr.At,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("order_id", tr.OrderID).Msg("status event not published")
	}
}

func (r *OrderReconciler) peekStatus(ctx context.Context, orderID string) domain.OrderStatus {
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		return ""
	}
	return order.Status
}

func (r *OrderReconciler) holder(operator string) string {
	return operator + "@" + r.cfg.InstanceID
}

func (r *OrderReconciler) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

type attemptSnapshot struct {
	Event    domain.Event       `json:"event"`
	Target   domain.OrderStatus `json:"target"`
	Operator string             `json:"operator"`
	Gateway  *gatewaySnapshot   `json:"gateway,omitempty"`
}

type gatewaySnapshot struct {
	Outcome      string             `json:"outcome"`
	TicketNumber string             `json:"ticket_number,omitempty"`
	Seat         string             `json:"seat,omitempty"`
	Gate         string             `json:"gate,omitempty"`
	FailureKind  domain.FailureKind `json:"failure_kind,omitempty"`
	Message      string             `json:"message,omitempty"`
}

func snapshot(req attempt, gw *gatewayOutcome) string {
	s := attemptSnapshot{Event: req.event, Target: req.target, Operator: req.operator}
	switch {
	case gw == nil:
	case gw.ticket != nil:
		s.Gateway = &gatewaySnapshot{Outcome: "success", TicketNumber: gw.ticket.Number, Seat: gw.ticket.Seat, Gate: gw.ticket.Gate}
	case gw.failure != nil:
		s.Gateway = &gatewaySnapshot{Outcome: "failure", FailureKind: gw.failure.Kind, Message: gw.failure.Message}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

func errorLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, domain.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "gateway_timeout"
	case errors.Is(err, domain.ErrGatewayNetwork):
		return "gateway_network"
	case errors.Is(err, domain.ErrGatewayMaintenance):
		return "gateway_maintenance"
	case errors.Is(err, domain.ErrGatewayBusiness):
		return "gateway_business"
	case errors.Is(err, domain.ErrStorage):
		return "storage"
	}
	return "error"
}
