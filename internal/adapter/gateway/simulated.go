package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

// Weights are relative probabilities of each issuance outcome.
type Weights struct {
	Success          int
	Timeout          int
	Network          int
	Maintenance      int
	NoSeat           int
	FlightCancelled  int
	InvalidPassenger int
}

func (w Weights) total() int {
	return w.Success + w.Timeout + w.Network + w.Maintenance + w.NoSeat + w.FlightCancelled + w.InvalidPassenger
}

// DefaultWeights favours success with a realistic share of each failure.
func DefaultWeights() Weights {
	return Weights{
		Success:          70,
		Timeout:          8,
		Network:          7,
		Maintenance:      3,
		NoSeat:           7,
		FlightCancelled:  2,
		InvalidPassenger: 3,
	}
}

type SimulatedConfig struct {
	MinLatency    time.Duration
	MaxLatency    time.Duration
	Weights       Weights
	SeatsPerClass int
	// Seed makes outcomes reproducible; zero picks a random seed.
	Seed uint64
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTimeout
	outcomeNetwork
	outcomeMaintenance
	outcomeNoSeat
	outcomeFlightCancelled
	outcomeInvalidPassenger
)

type cabin struct {
	flight string
	class  domain.SeatClass
}

var seatLetters = "ABCDEF"

// cabinOrder lists cabins front to back; each takes its own block of rows.
var cabinOrder = []domain.SeatClass{domain.SeatClassFirst, domain.SeatClassBusiness, domain.SeatClassEconomy}

// SimulatedGateway stands in for the airline ticketing system. Every call
// waits a random latency; issuance draws its outcome from Weights and then
// assigns a random seat, failing with SEAT_OCCUPIED when that seat is taken
// and NO_SEAT_AVAILABLE when the cabin is full.
type SimulatedGateway struct {
	mu        sync.Mutex
	cfg       SimulatedConfig
	clock     clock.Clock
	rng       *rand.Rand
	occupied  map[cabin]map[string]string
	tickets   map[string]issuedTicket
	cancelled map[string]bool
}

type issuedTicket struct {
	cabin cabin
	seat  string
}

func NewSimulatedGateway(cfg SimulatedConfig, clk clock.Clock) *SimulatedGateway {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if cfg.Weights.total() <= 0 {
		cfg.Weights = DefaultWeights()
	}
	if cfg.SeatsPerClass <= 0 {
		cfg.SeatsPerClass = 30
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &SimulatedGateway{
		cfg:       cfg,
		clock:     clk,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		occupied:  make(map[cabin]map[string]string),
		tickets:   make(map[string]issuedTicket),
		cancelled: make(map[string]bool),
	}
}

func (g *SimulatedGateway) IssueTicket(ctx context.Context, order *domain.Order) (domain.Ticket, error) {
	if err := g.wait(ctx); err != nil {
		return domain.Ticket{}, err
	}

	ticket, hang, err := g.issue(order)
	if hang {
		select {
		case <-ctx.Done():
		case <-g.clock.After(g.hangFor()):
		}
		return domain.Ticket{}, domain.NewTicketingFailure(domain.FailureTimeout, "no response from ticketing system")
	}
	return ticket, err
}

// issue decides the outcome; hang reports a simulated unresponsive call.
func (g *SimulatedGateway) issue(order *domain.Order) (ticket domain.Ticket, hang bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelled[order.FlightNumber] {
		return domain.Ticket{}, false, domain.NewTicketingFailure(domain.FailureFlightCancelled, "flight %s is cancelled", order.FlightNumber)
	}

	switch g.draw() {
	case outcomeTimeout:
		return domain.Ticket{}, true, nil
	case outcomeNetwork:
		return domain.Ticket{}, false, domain.NewTicketingFailure(domain.FailureNetwork, "connection reset by peer")
	case outcomeMaintenance:
		return domain.Ticket{}, false, domain.NewTicketingFailure(domain.FailureMaintenance, "ticketing system under maintenance")
	case outcomeNoSeat:
		return domain.Ticket{}, false, domain.NewTicketingFailure(domain.FailureNoSeatAvailable, "no %s seat left on %s", order.SeatClass, order.FlightNumber)
	case outcomeFlightCancelled:
		g.cancelled[order.FlightNumber] = true
		return domain.Ticket{}, false, domain.NewTicketingFailure(domain.FailureFlightCancelled, "flight %s is cancelled", order.FlightNumber)
	case outcomeInvalidPassenger:
		return domain.Ticket{}, false, domain.NewTicketingFailure(domain.FailureInvalidPassenger, "passenger data rejected for user %s", order.UserID)
	}

	ticket, err = g.assignSeat(order)
	return ticket, false, err
}

func (g *SimulatedGateway) hangFor() time.Duration {
	if d := 2 * g.cfg.MaxLatency; d > 10*time.Second {
		return d
	}
	return 10 * time.Second
}

// assignSeat must be called with g.mu held.
func (g *SimulatedGateway) assignSeat(order *domain.Order) (domain.Ticket, error) {
	key := cabin{flight: order.FlightNumber, class: seatClass(order.SeatClass)}
	seats := g.occupied[key]
	if seats == nil {
		seats = make(map[string]string)
		g.occupied[key] = seats
	}
	if len(seats) >= g.cfg.SeatsPerClass {
		return domain.Ticket{}, domain.NewTicketingFailure(domain.FailureNoSeatAvailable, "no %s seat left on %s", key.class, key.flight)
	}

	seat := g.seatName(key.class, g.rng.IntN(g.cfg.SeatsPerClass))
	if holder, taken := seats[seat]; taken {
		return domain.Ticket{}, domain.NewTicketingFailure(domain.FailureSeatOccupied, "seat %s on %s is occupied by ticket %s", seat, key.flight, holder)
	}

	number := "TK" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	seats[seat] = number
	g.tickets[number] = issuedTicket{cabin: key, seat: seat}

	return domain.Ticket{
		Number:   number,
		Seat:     seat,
		Gate:     fmt.Sprintf("G%d", 1+g.rng.IntN(40)),
		IssuedAt: g.clock.Now(),
	}, nil
}

// CancelTicket voids an issued ticket and frees its seat. It reports false
// for unknown or already voided tickets.
func (g *SimulatedGateway) CancelTicket(ctx context.Context, ticketNumber, reason string) (bool, error) {
	if err := g.wait(ctx); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[ticketNumber]
	if !ok {
		return false, nil
	}
	delete(g.tickets, ticketNumber)
	delete(g.occupied[t.cabin], t.seat)
	return true, nil
}

func (g *SimulatedGateway) CheckSeatAvailability(ctx context.Context, flightNumber string, class domain.SeatClass) (bool, error) {
	if err := g.wait(ctx); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelled[flightNumber] {
		return false, nil
	}
	return len(g.occupied[cabin{flight: flightNumber, class: seatClass(class)}]) < g.cfg.SeatsPerClass, nil
}

// CancelFlight marks a flight cancelled; later issuance for it fails with
// FLIGHT_CANCELLED.
func (g *SimulatedGateway) CancelFlight(flightNumber string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[flightNumber] = true
}

func (g *SimulatedGateway) wait(ctx context.Context) error {
	g.mu.Lock()
	latency := g.cfg.MinLatency
	if spread := g.cfg.MaxLatency - g.cfg.MinLatency; spread > 0 {
		latency += time.Duration(g.rng.Int64N(int64(spread)))
	}
	g.mu.Unlock()
	if latency <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(latency):
		return nil
	}
}

// draw must be called with g.mu held.
func (g *SimulatedGateway) draw() outcome {
	w := g.cfg.Weights
	n := g.rng.IntN(w.total())
	for _, c := range []struct {
		weight  int
		outcome outcome
	}{
		{w.Success, outcomeSuccess},
		{w.Timeout, outcomeTimeout},
		{w.Network, outcomeNetwork},
		{w.Maintenance, outcomeMaintenance},
		{w.NoSeat, outcomeNoSeat},
		{w.FlightCancelled, outcomeFlightCancelled},
		{w.InvalidPassenger, outcomeInvalidPassenger},
	} {
		if n < c.weight {
			return c.outcome
		}
		n -= c.weight
	}
	return outcomeSuccess
}

func seatClass(c domain.SeatClass) domain.SeatClass {
	if c == "" {
		return domain.SeatClassEconomy
	}
	return c
}

// seatName maps a seat index within a cabin to a row and letter. Cabins use
// disjoint row ranges so a seat name is unique on the flight.
func (g *SimulatedGateway) seatName(class domain.SeatClass, index int) string {
	rowsPerCabin := (g.cfg.SeatsPerClass + len(seatLetters) - 1) / len(seatLetters)
	firstRow := 1
	for i, c := range cabinOrder {
		if c == class {
			firstRow = 1 + i*rowsPerCabin
			break
		}
	}
	return fmt.Sprintf("%d%c", firstRow+index/len(seatLetters), seatLetters[index%len(seatLetters)])
}
