package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

func TestHTTPGateway_IssueTicket(t *testing.T) {
	issuedAt := time.Date(2026, 5, 4, 10, 0, 1, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tickets" {
			http.NotFound(w, r)
			return
		}
		var req issueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.OrderID != "ORD-1" || req.FlightNumber != "CA1234" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(issueResponse{TicketNumber: "TK1", Seat: "12A", Gate: "G7", IssuedAt: issuedAt})
	}))
	defer srv.Close()

	ticket, err := NewHTTPGateway(srv.URL).IssueTicket(context.Background(), newOrder(t, "ORD-1", "CA1234"))
	if err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}
	if ticket.Number != "TK1" || ticket.Seat != "12A" || ticket.Gate != "G7" || !ticket.IssuedAt.Equal(issuedAt) {
		t.Errorf("unexpected ticket %+v", ticket)
	}
}

func TestHTTPGateway_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    domain.FailureKind
	}{
		{
			name: "reported kind",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(failureResponse{Kind: domain.FailureSeatOccupied, Message: "seat 12A taken"})
			},
			want: domain.FailureSeatOccupied,
		},
		{
			name: "maintenance status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			want: domain.FailureMaintenance,
		},
		{
			name: "gateway timeout status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusGatewayTimeout)
			},
			want: domain.FailureTimeout,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: domain.FailureNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPGateway(srv.URL).IssueTicket(context.Background(), newOrder(t, "ORD-1", "CA1234"))
			if kind := failureKind(t, err); kind != tt.want {
				t.Errorf("kind = %s, want %s", kind, tt.want)
			}
		})
	}
}

func TestHTTPGateway_UnreachableIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPGateway(url).IssueTicket(context.Background(), newOrder(t, "ORD-1", "CA1234"))
	if kind := failureKind(t, err); kind != domain.FailureNetwork {
		t.Errorf("kind = %s, want NETWORK_ERROR", kind)
	}
}

func TestHTTPGateway_DeadlineIsReturned(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPGateway(srv.URL).IssueTicket(ctx, newOrder(t, "ORD-1", "CA1234"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if domain.ClassifyGatewayError(err).Kind != domain.FailureTimeout {
		t.Errorf("deadline should classify as TIMEOUT")
	}
}

func TestHTTPGateway_CancelTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path == "/tickets/TK1" && r.URL.Query().Get("reason") == "not recorded" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	g := NewHTTPGateway(srv.URL)

	ok, err := g.CancelTicket(context.Background(), "TK1", "not recorded")
	if err != nil || !ok {
		t.Errorf("CancelTicket(TK1) = %v, %v", ok, err)
	}
	ok, err = g.CancelTicket(context.Background(), "TK2", "not recorded")
	if err != nil || ok {
		t.Errorf("CancelTicket(TK2) = %v, %v, want false", ok, err)
	}
}

func TestHTTPGateway_CheckSeatAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flights/CA1234/availability" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(availabilityResponse{Available: r.URL.Query().Get("class") == "FIRST"})
	}))
	defer srv.Close()
	g := NewHTTPGateway(srv.URL)

	if ok, err := g.CheckSeatAvailability(context.Background(), "CA1234", domain.SeatClassFirst); err != nil || !ok {
		t.Errorf("FIRST = %v, %v", ok, err)
	}
	if ok, err := g.CheckSeatAvailability(context.Background(), "CA1234", domain.SeatClassEconomy); err != nil || ok {
		t.Errorf("ECONOMY = %v, %v", ok, err)
	}
}
