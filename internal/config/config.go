// Package config loads the service configuration.
//
// Values are layered: built-in defaults, then the YAML file passed with
// --config, then a .env file in the working directory, then AIRLINE_*
// environment variables. The result is checked by Validate.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "AIRLINE_"

type Config struct {
	InstanceID string          `yaml:"instance_id"`
	Order      OrderConfig     `yaml:"order"`
	Ticketing  TicketingConfig `yaml:"ticketing"`
	Locks      LocksConfig     `yaml:"locks"`
	Jobs       JobsConfig      `yaml:"jobs"`
	Sweep      SweepConfig     `yaml:"sweep"`
	MySQL      MySQLConfig     `yaml:"mysql"`
	Redis      RedisConfig     `yaml:"redis"`
	Kafka      KafkaConfig     `yaml:"kafka"`
	Gateway    GatewayConfig   `yaml:"gateway"`
	HTTP       ServerConfig    `yaml:"http"`
	GRPC       ServerConfig    `yaml:"grpc"`
	Log        LogConfig       `yaml:"log"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

type OrderConfig struct {
	// Timeout is how long an order may wait for payment.
	Timeout time.Duration `yaml:"timeout"`
}

type TicketingConfig struct {
	MaxRetries              int           `yaml:"max_retries"`
	StuckThreshold          time.Duration `yaml:"stuck_threshold"`
	GatewayTimeout          time.Duration `yaml:"gateway_timeout"`
	CancelOnFlightCancelled bool          `yaml:"cancel_on_flight_cancelled"`
}

// Lock backends.
const (
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type LocksConfig struct {
	OrderLease time.Duration `yaml:"order_lease"`
	Backend    string        `yaml:"backend"`
}

type JobConfig struct {
	Period         time.Duration `yaml:"period"`
	LockAtMostFor  time.Duration `yaml:"lock_at_most_for"`
	LockAtLeastFor time.Duration `yaml:"lock_at_least_for"`
}

type JobsConfig struct {
	Timeout   JobConfig `yaml:"timeout"`
	Ticketing JobConfig `yaml:"ticketing"`
	Retry     JobConfig `yaml:"retry"`
	Stuck     JobConfig `yaml:"stuck"`
}

type SweepConfig struct {
	Concurrency int `yaml:"concurrency"`
	BatchSize   int `yaml:"batch_size"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	PoolSize int    `yaml:"pool_size"`
}

type KafkaConfig struct {
	// Brokers left empty routes status changes to the log instead.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Gateway modes.
const (
	GatewaySimulated = "simulated"
	GatewayHTTP      = "http"
)

type GatewayConfig struct {
	Mode          string         `yaml:"mode"`
	URL           string         `yaml:"url"`
	MinLatency    time.Duration  `yaml:"min_latency"`
	MaxLatency    time.Duration  `yaml:"max_latency"`
	SeatsPerClass int            `yaml:"seats_per_class"`
	Weights       OutcomeWeights `yaml:"weights"`
}

type OutcomeWeights struct {
	Success          int `yaml:"success"`
	Timeout          int `yaml:"timeout"`
	Network          int `yaml:"network"`
	Maintenance      int `yaml:"maintenance"`
	NoSeat           int `yaml:"no_seat"`
	FlightCancelled  int `yaml:"flight_cancelled"`
	InvalidPassenger int `yaml:"invalid_passenger"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	// JaegerEndpoint left empty disables tracing export.
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

func Default() *Config {
	return &Config{
		Order: OrderConfig{Timeout: 30 * time.Minute},
		Ticketing: TicketingConfig{
			MaxRetries:              3,
			StuckThreshold:          10 * time.Minute,
			GatewayTimeout:          8 * time.Second,
			CancelOnFlightCancelled: true,
		},
		Locks: LocksConfig{OrderLease: 30 * time.Second, Backend: BackendMySQL},
		Jobs: JobsConfig{
			Timeout:   JobConfig{Period: time.Minute, LockAtMostFor: 50 * time.Second, LockAtLeastFor: 5 * time.Second},
			Ticketing: JobConfig{Period: 5 * time.Minute, LockAtMostFor: 4 * time.Minute, LockAtLeastFor: 30 * time.Second},
			Retry:     JobConfig{Period: 30 * time.Minute, LockAtMostFor: 25 * time.Minute, LockAtLeastFor: time.Minute},
			Stuck:     JobConfig{Period: 3 * time.Minute, LockAtMostFor: 2 * time.Minute, LockAtLeastFor: 10 * time.Second},
		},
		Sweep: SweepConfig{Concurrency: 4, BatchSize: 500},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/airline?parseTime=true&loc=UTC",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 100},
		Kafka: KafkaConfig{Topic: "order.status.changed"},
		Gateway: GatewayConfig{
			Mode:          GatewaySimulated,
			MinLatency:    100 * time.Millisecond,
			MaxLatency:    5 * time.Second,
			SeatsPerClass: 30,
			Weights: OutcomeWeights{
				Success:          70,
				Timeout:          8,
				Network:          7,
				Maintenance:      3,
				NoSeat:           7,
				FlightCancelled:  2,
				InvalidPassenger: 3,
			},
		},
		HTTP:    ServerConfig{Addr: ":8080"},
		GRPC:    ServerConfig{Addr: ":50051"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "airline-order-reconciler"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"INSTANCE_ID":     &c.InstanceID,
		"LOCKS_BACKEND":   &c.Locks.Backend,
		"MYSQL_DSN":       &c.MySQL.DSN,
		"REDIS_ADDR":      &c.Redis.Addr,
		"KAFKA_TOPIC":     &c.Kafka.Topic,
		"GATEWAY_MODE":    &c.Gateway.Mode,
		"GATEWAY_URL":     &c.Gateway.URL,
		"HTTP_ADDR":       &c.HTTP.Addr,
		"GRPC_ADDR":       &c.GRPC.Addr,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
		"JAEGER_ENDPOINT": &c.Tracing.JaegerEndpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"ORDER_TIMEOUT":             &c.Order.Timeout,
		"TICKETING_STUCK_THRESHOLD": &c.Ticketing.StuckThreshold,
		"TICKETING_GATEWAY_TIMEOUT": &c.Ticketing.GatewayTimeout,
		"LOCKS_ORDER_LEASE":         &c.Locks.OrderLease,
	}
	for key, dst := range durations {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", envPrefix, key)
		}
		*dst = d
	}

	ints := map[string]*int{
		"TICKETING_MAX_RETRIES": &c.Ticketing.MaxRetries,
		"SWEEP_CONCURRENCY":     &c.Sweep.Concurrency,
		"SWEEP_BATCH_SIZE":      &c.Sweep.BatchSize,
	}
	for key, dst := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", envPrefix, key)
		}
		*dst = n
	}

	if v, ok := lookup(envPrefix + "TICKETING_CANCEL_ON_FLIGHT_CANCELLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sTICKETING_CANCEL_ON_FLIGHT_CANCELLED", envPrefix)
		}
		c.Ticketing.CancelOnFlightCancelled = b
	}
	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Order.Timeout <= 0 {
		return errors.New("order.timeout must be positive")
	}
	if c.Ticketing.MaxRetries < 0 {
		return errors.New("ticketing.max_retries must not be negative")
	}
	if c.Ticketing.StuckThreshold <= 0 {
		return errors.New("ticketing.stuck_threshold must be positive")
	}
	if c.Ticketing.GatewayTimeout <= 0 {
		return errors.New("ticketing.gateway_timeout must be positive")
	}
	if c.Locks.OrderLease <= c.Ticketing.GatewayTimeout {
		return errors.Errorf("locks.order_lease (%s) must exceed ticketing.gateway_timeout (%s)",
			c.Locks.OrderLease, c.Ticketing.GatewayTimeout)
	}

	switch c.Locks.Backend {
	case BackendMySQL, BackendRedis, BackendMemory:
	default:
		return errors.Errorf("locks.backend %q is not one of mysql, redis, memory", c.Locks.Backend)
	}

	for name, job := range map[string]JobConfig{
		"timeout":   c.Jobs.Timeout,
		"ticketing": c.Jobs.Ticketing,
		"retry":     c.Jobs.Retry,
		"stuck":     c.Jobs.Stuck,
	} {
		if err := job.validate(); err != nil {
			return errors.Wrapf(err, "jobs.%s", name)
		}
	}

	if c.Sweep.Concurrency <= 0 {
		return errors.New("sweep.concurrency must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		return errors.New("sweep.batch_size must be positive")
	}

	switch c.Gateway.Mode {
	case GatewaySimulated:
		if c.Gateway.MinLatency < 0 || c.Gateway.MaxLatency < c.Gateway.MinLatency {
			return errors.New("gateway latency range is invalid")
		}
	case GatewayHTTP:
		if c.Gateway.URL == "" {
			return errors.New("gateway.url is required in http mode")
		}
	default:
		return errors.Errorf("gateway.mode %q is not one of simulated, http", c.Gateway.Mode)
	}

	if c.Locks.Backend != BackendMemory && c.MySQL.DSN == "" {
		return errors.New("mysql.dsn is required unless locks.backend is memory")
	}
	return nil
}

func (j JobConfig) validate() error {
	if j.Period <= 0 {
		return errors.New("period must be positive")
	}
	if j.LockAtMostFor <= 0 {
		return errors.New("lock_at_most_for must be positive")
	}
	if j.LockAtLeastFor < 0 || j.LockAtLeastFor > j.LockAtMostFor {
		return errors.New("lock_at_least_for must be between zero and lock_at_most_for")
	}
	return nil
}
