package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/buoooou/airline-order-course-sub001/internal/adapter/gateway"
	"github.com/buoooou/airline-order-course-sub001/internal/adapter/handler"
	"github.com/buoooou/airline-order-course-sub001/internal/adapter/notifier"
	"github.com/buoooou/airline-order-course-sub001/internal/adapter/storage"
	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/config"
	"github.com/buoooou/airline-order-course-sub001/internal/core/service"
	"github.com/buoooou/airline-order-course-sub001/internal/logging"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
	"github.com/buoooou/airline-order-course-sub001/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("AIRLINE_CONFIG"), "path to the YAML configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Tracing.ServiceName})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("server stopped")
}

// stores bundles the three persistence ports of the selected backend.
type stores struct {
	orders  port.OrderRepository
	locks   port.LockRepository
	history port.HistoryRepository
	close   func()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host + "-" + uuid.NewString()[:8]
	}
	logger = logger.With().Str("instance", instanceID).Logger()

	shutdownTracing, err := telemetry.InitTracerProvider(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	clk := clock.Real()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	var gw port.TicketingGateway
	switch cfg.Gateway.Mode {
	case config.GatewayHTTP:
		gw = gateway.NewHTTPGateway(cfg.Gateway.URL)
	default:
		gw = gateway.NewSimulatedGateway(cfg.SimulatedGateway(), clk)
	}
	logger.Info().Str("mode", cfg.Gateway.Mode).Msg("ticketing gateway ready")

	var publisher port.EventPublisher = notifier.NewLogPublisher(logger)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notifier.NewKafkaPublisher(notifier.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Topic)
		defer kp.Close()
		publisher = kp
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing status changes to kafka")
	}

	locks := service.NewLockCoordinator(st.locks, clk, metrics, logger)
	history := service.NewOrderStateHistory(st.history, clk)
	reconciler := service.NewOrderReconciler(st.orders, gw, locks, history, publisher, clk, metrics, logger, cfg.ReconcilerConfig(instanceID))
	sweeper := service.NewSweeper(st.orders, reconciler, history, clk, metrics, logger, cfg.SweepConfig())
	scheduler := service.NewScheduler(locks, clk, instanceID, logger, metrics, service.Jobs(cfg.Schedule(), sweeper)...)

	grpcServer := grpc.NewServer()
	grpcHandler := handler.NewGRPCHandler()
	grpcHandler.Register(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.NewHTTPHandler(reconciler, history, gw, reg, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Msg("scheduler started")
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return errors.Wrap(err, "grpc listen")
		}
		logger.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")
		grpcHandler.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown")
		}
		logger.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info().Msg("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.Locks.Backend == config.BackendMemory {
		logger.Warn().Msg("using in-memory storage; state is lost on exit")
		mem := storage.NewMemoryStore()
		return &stores{orders: mem, locks: mem, history: mem, close: func() {}}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping mysql")
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Msg("connected to mysql")

	gdb, err := storage.OpenGorm(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	mysqlAdapter := storage.NewMySQLAdapter(db)
	st := &stores{
		orders:  mysqlAdapter,
		locks:   mysqlAdapter,
		history: storage.NewGormHistoryRepository(gdb),
		close:   func() { db.Close() },
	}

	if cfg.Locks.Backend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "ping redis")
		}
		logger.Info().Msg("connected to redis")
		st.locks = storage.NewRedisLockAdapter(rdb)
		st.close = func() {
			rdb.Close()
			db.Close()
		}
	}
	return st, nil
}
