package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/buoooou/airline-order-course-sub001/internal/adapter/gateway"
	"github.com/buoooou/airline-order-course-sub001/internal/adapter/storage"
	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/core/service"
)

func main() {
	totalOrders := pflag.Int("orders", 50, "orders to place")
	racers := pflag.Int("racers", 8, "concurrent callers per order")
	rounds := pflag.Int("rounds", 5, "ticketing/retry sweep rounds")
	pflag.Parse()

	ctx := context.Background()
	clk := clock.Real()
	logger := zerolog.Nop()

	store := storage.NewMemoryStore()
	metrics := service.NewMetrics(prometheus.NewRegistry())
	gw := gateway.NewSimulatedGateway(gateway.SimulatedConfig{
		MaxLatency:    5 * time.Millisecond,
		SeatsPerClass: 200,
		Weights:       gateway.DefaultWeights(),
	}, clk)

	locks := service.NewLockCoordinator(store, clk, metrics, logger)
	history := service.NewOrderStateHistory(store, clk)
	reconciler := service.NewOrderReconciler(store, gw, locks, history, nil, clk, metrics, logger, service.ReconcilerConfig{
		OrderLease:              5 * time.Second,
		GatewayTimeout:          time.Second,
		CancelOnFlightCancelled: true,
		InstanceID:              "stress",
	})
	sweeper := service.NewSweeper(store, reconciler, history, clk, metrics, logger, service.SweepConfig{
		OrderTimeout:        time.Hour,
		StuckThreshold:      time.Hour,
		MaxTicketingRetries: 3,
		Concurrency:         8,
		BatchSize:           1000,
	})

	ids := make([]string, 0, *totalOrders)
	for i := 0; i < *totalOrders; i++ {
		order, err := reconciler.PlaceOrder(ctx, service.NewOrderRequest{
			UserID:       fmt.Sprintf("user-%d", i),
			FlightNumber: fmt.Sprintf("CA%d", 1000+i%5),
			Amount:       decimal.NewFromInt(980),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "place order: %v\n", err)
			os.Exit(1)
		}
		ids = append(ids, order.ID)
	}

	// Race payment against cancellation on every order.
	var paid, cancelled, conflicts, rejected atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for _, id := range ids {
		for r := 0; r < *racers; r++ {
			wg.Add(1)
			go func(id string, r int) {
				defer wg.Done()

				var err error
				if r%2 == 0 {
					_, err = reconciler.RequestPayment(ctx, id, fmt.Sprintf("payer-%d", r))
				} else {
					_, err = reconciler.RequestCancellation(ctx, id, fmt.Sprintf("user-%d", r))
				}
				switch {
				case err == nil && r%2 == 0:
					paid.Add(1)
				case err == nil:
					cancelled.Add(1)
				case errors.Is(err, domain.ErrConcurrentModification):
					conflicts.Add(1)
				default:
					rejected.Add(1)
				}
			}(id, r)
		}
	}
	wg.Wait()
	raceElapsed := time.Since(start)

	var reports []service.SweepReport
	for i := 0; i < *rounds; i++ {
		for _, sweep := range []func(context.Context) (service.SweepReport, error){sweeper.SweepTicketing, sweeper.SweepRetries} {
			report, err := sweep(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
				os.Exit(1)
			}
			reports = append(reports, report)
		}
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Orders:           %d\n", *totalOrders)
	fmt.Printf("Racers per order: %d\n", *racers)
	fmt.Printf("Paid:             %d\n", paid.Load())
	fmt.Printf("Cancelled:        %d\n", cancelled.Load())
	fmt.Printf("Lock conflicts:   %d\n", conflicts.Load())
	fmt.Printf("Rejected:         %d\n", rejected.Load())
	fmt.Printf("Race duration:    %v\n", raceElapsed)
	for _, r := range reports {
		fmt.Println(r.String())
	}
	fmt.Println("==========================================")

	failed := false
	if paid.Load() > int32(*totalOrders) || cancelled.Load() > int32(*totalOrders) {
		fmt.Printf("FAIL: a trigger won twice on one order: %d paid, %d cancelled for %d orders\n",
			paid.Load(), cancelled.Load(), *totalOrders)
		failed = true
	} else {
		fmt.Println("PASS: each trigger won at most once per order")
	}

	counts := map[domain.OrderStatus]int{}
	for _, id := range ids {
		order, err := store.FindByID(ctx, id)
		if err != nil {
			fmt.Printf("FAIL: order %s: %v\n", id, err)
			failed = true
			continue
		}
		counts[order.Status]++

		entries, err := history.ListForOrder(ctx, id)
		if err != nil {
			fmt.Printf("FAIL: history of %s: %v\n", id, err)
			failed = true
			continue
		}
		if replayed := domain.ReplayStatus(entries); replayed != order.Status {
			fmt.Printf("FAIL: order %s is %s but history replays to %s\n", id, order.Status, replayed)
			failed = true
		}
		if order.Status == domain.StatusTicketed && order.TicketNumber == "" {
			fmt.Printf("FAIL: ticketed order %s has no ticket\n", id)
			failed = true
		}
	}
	for _, s := range domain.AllStatuses() {
		fmt.Printf("%-22s %d\n", s+":", counts[s])
	}
	if !failed {
		fmt.Println("PASS: every order's history replays to its stored status")
	}
	if failed {
		os.Exit(1)
	}
}
