package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/core/service"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

const defaultFailureLimit = 50

type HTTPHandler struct {
	reconciler *service.OrderReconciler
	history    *service.OrderStateHistory
	gateway    port.TicketingGateway
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	tracer     trace.Tracer
}

type CreateOrderRequest struct {
	UserID       string `json:"user_id"`
	FlightNumber string `json:"flight_number"`
	SeatClass    string `json:"seat_class"`
	Amount       string `json:"amount"`
}

type TriggerRequest struct {
	Operator string `json:"operator"`
}

type OrderResponse struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	FlightNumber string     `json:"flight_number"`
	SeatClass    string     `json:"seat_class"`
	Amount       string     `json:"amount"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	Seat         string     `json:"seat,omitempty"`
	TicketNumber string     `json:"ticket_number,omitempty"`
	Gate         string     `json:"gate,omitempty"`
}

type HistoryResponse struct {
	ID           int64     `json:"id"`
	OrderID      string    `json:"order_id"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to"`
	Event        string    `json:"event"`
	Operator     string    `json:"operator"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(
	reconciler *service.OrderReconciler,
	history *service.OrderStateHistory,
	gateway port.TicketingGateway,
	gatherer prometheus.Gatherer,
	logger zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		reconciler: reconciler,
		history:    history,
		gateway:    gateway,
		gatherer:   gatherer,
		logger:     logger.With().Str("component", "http").Logger(),
		tracer:     otel.Tracer("github.com/buoooou/airline-order-course-sub001/internal/adapter/handler"),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.traceRequests)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/pay", h.PayOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Get("/orders/{id}/history", h.OrderHistory)
		r.Get("/history/failures", h.Failures)
		r.Get("/flights/{flight}/availability", h.Availability)
	})
	return r
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid amount"})
		return
	}

	order, err := h.reconciler.PlaceOrder(r.Context(), service.NewOrderRequest{
		UserID:       req.UserID,
		FlightNumber: req.FlightNumber,
		SeatClass:    domain.SeatClass(req.SeatClass),
		Amount:       amount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.reconciler.FindOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) PayOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.reconciler.RequestPayment(r.Context(), chi.URLParam(r, "id"), operator(r, "payment"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.reconciler.RequestCancellation(r.Context(), chi.URLParam(r, "id"), operator(r, "user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.history.ListForOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponses(entries))
}

func (h *HTTPHandler) Failures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailureLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := h.history.ListFailures(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponses(entries))
}

func (h *HTTPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	flight := chi.URLParam(r, "flight")
	class := domain.SeatClass(r.URL.Query().Get("class"))
	if class == "" {
		class = domain.SeatClassEconomy
	}
	if !class.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid seat class"})
		return
	}

	available, err := h.gateway.CheckSeatAvailability(r.Context(), flight, class)
	if err != nil {
		h.writeError(w, r, domain.ClassifyGatewayError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flight_number": flight,
		"seat_class":    class,
		"available":     available,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrGatewayNetwork),
		errors.Is(err, domain.ErrGatewayMaintenance),
		errors.Is(err, domain.ErrGatewayBusiness):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// operator names who triggered the change, from the optional request body.
func operator(r *http.Request, fallback string) string {
	var req TriggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Operator == "" {
		return fallback
	}
	return req.Operator
}

func (h *HTTPHandler) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(attribute.String("http.request_id", middleware.GetReqID(ctx)))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func toOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		ID:           o.ID,
		UserID:       o.UserID,
		FlightNumber: o.FlightNumber,
		SeatClass:    string(o.SeatClass),
		Amount:       o.Amount.StringFixed(2),
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		PaidAt:       o.PaidAt,
		Seat:         o.Seat,
		TicketNumber: o.TicketNumber,
		Gate:         o.Gate,
	}
}

func toHistoryResponses(entries []domain.HistoryEntry) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			ID:           e.ID,
			OrderID:      e.OrderID,
			From:         string(e.FromStatus),
			To:           string(e.ToStatus),
			Event:        string(e.Event),
			Operator:     e.Operator,
			Success:      e.Success,
			ErrorMessage: e.ErrorMessage,
			FailureKind:  string(e.FailureKind),
			TraceID:      e.TraceID,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
