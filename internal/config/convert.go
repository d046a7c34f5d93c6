package config

import (
	"github.com/buoooou/airline-order-course-sub001/internal/adapter/gateway"
	"github.com/buoooou/airline-order-course-sub001/internal/core/service"
)

func (c *Config) ReconcilerConfig(instanceID string) service.ReconcilerConfig {
	return service.ReconcilerConfig{
		OrderLease:              c.Locks.OrderLease,
		GatewayTimeout:          c.Ticketing.GatewayTimeout,
		CancelOnFlightCancelled: c.Ticketing.CancelOnFlightCancelled,
		InstanceID:              instanceID,
	}
}

func (c *Config) SweepConfig() service.SweepConfig {
	return service.SweepConfig{
		OrderTimeout:        c.Order.Timeout,
		StuckThreshold:      c.Ticketing.StuckThreshold,
		MaxTicketingRetries: c.Ticketing.MaxRetries,
		Concurrency:         c.Sweep.Concurrency,
		BatchSize:           c.Sweep.BatchSize,
	}
}

func (c *Config) Schedule() service.Schedule {
	return service.Schedule{
		Timeout:   c.Jobs.Timeout.timing(),
		Ticketing: c.Jobs.Ticketing.timing(),
		Retry:     c.Jobs.Retry.timing(),
		Stuck:     c.Jobs.Stuck.timing(),
	}
}

func (j JobConfig) timing() service.JobTiming {
	return service.JobTiming{
		Period:         j.Period,
		LockAtMostFor:  j.LockAtMostFor,
		LockAtLeastFor: j.LockAtLeastFor,
	}
}

func (c *Config) SimulatedGateway() gateway.SimulatedConfig {
	w := c.Gateway.Weights
	return gateway.SimulatedConfig{
		MinLatency:    c.Gateway.MinLatency,
		MaxLatency:    c.Gateway.MaxLatency,
		SeatsPerClass: c.Gateway.SeatsPerClass,
		Weights: gateway.Weights{
			Success:          w.Success,
			Timeout:          w.Timeout,
			Network:          w.Network,
			Maintenance:      w.Maintenance,
			NoSeat:           w.NoSeat,
			FlightCancelled:  w.FlightCancelled,
			InvalidPassenger: w.InvalidPassenger,
		},
	}
}
