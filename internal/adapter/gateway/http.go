package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

// HTTPGateway talks to a remote ticketing service:
//
//	POST   /tickets                              issue, body issueRequest
//	DELETE /tickets/{number}?reason=             void
//	GET    /flights/{number}/availability?class= seat availability
//
// Failures come back as {"kind": ..., "message": ...}. The client has no
// timeout of its own; callers bound each call through ctx.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("github.com/buoooou/airline-order-course-sub001/internal/adapter/gateway"),
	}
}

type issueRequest struct {
	OrderID      string           `json:"order_id"`
	UserID       string           `json:"user_id"`
	FlightNumber string           `json:"flight_number"`
	SeatClass    domain.SeatClass `json:"seat_class"`
}

type issueResponse struct {
	TicketNumber string    `json:"ticket_number"`
	Seat         string    `json:"seat"`
	Gate         string    `json:"gate"`
	IssuedAt     time.Time `json:"issued_at"`
}

type failureResponse struct {
	Kind    domain.FailureKind `json:"kind"`
	Message string             `json:"message"`
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

func (g *HTTPGateway) IssueTicket(ctx context.Context, order *domain.Order) (domain.Ticket, error) {
	body, err := json.Marshal(issueRequest{
		OrderID:      order.ID,
		UserID:       order.UserID,
		FlightNumber: order.FlightNumber,
		SeatClass:    order.SeatClass,
	})
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "encode issue request")
	}

	var resp issueResponse
	if err := g.do(ctx, http.MethodPost, "/tickets", body, &resp); err != nil {
		return domain.Ticket{}, err
	}
	return domain.Ticket{
		Number:   resp.TicketNumber,
		Seat:     resp.Seat,
		Gate:     resp.Gate,
		IssuedAt: resp.IssuedAt,
	}, nil
}

func (g *HTTPGateway) CancelTicket(ctx context.Context, ticketNumber, reason string) (bool, error) {
	path := "/tickets/" + url.PathEscape(ticketNumber) + "?reason=" + url.QueryEscape(reason)
	err := g.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (g *HTTPGateway) CheckSeatAvailability(ctx context.Context, flightNumber string, seatClass domain.SeatClass) (bool, error) {
	path := "/flights/" + url.PathEscape(flightNumber) + "/availability?class=" + url.QueryEscape(string(seatClass))
	var resp availabilityResponse
	if err := g.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

var errNotFound = errors.New("not found")

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, span := g.tracer.Start(ctx, "ticketing "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", req.URL.String()),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := g.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewTicketingFailure(domain.FailureNetwork, "%v", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
	}

	failure := statusFailure(resp)
	span.SetStatus(codes.Error, failure.Error())
	if resp.StatusCode == http.StatusNotFound && failure.Kind == "" {
		return errNotFound
	}
	return failure
}

// statusFailure classifies a non-2xx response, preferring the kind the
// server reported.
func statusFailure(resp *http.Response) *domain.TicketingFailure {
	var body failureResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Kind != "" {
		return &domain.TicketingFailure{Kind: body.Kind, Message: body.Message}
	}

	msg := fmt.Sprintf("ticketing service returned %s", resp.Status)
	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return &domain.TicketingFailure{Kind: domain.FailureMaintenance, Message: msg}
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return &domain.TicketingFailure{Kind: domain.FailureTimeout, Message: msg}
	case http.StatusNotFound:
		return &domain.TicketingFailure{Message: msg}
	}
	return &domain.TicketingFailure{Kind: domain.FailureNetwork, Message: msg}
}
