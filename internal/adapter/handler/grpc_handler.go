package handler

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ReconcilerServiceName is the health-checked service name; the empty name
// reports overall server health.
const ReconcilerServiceName = "airline.OrderReconciler"

// GRPCHandler exposes the standard gRPC health protocol for the reconciler.
type GRPCHandler struct {
	health *health.Server
}

func NewGRPCHandler() *GRPCHandler {
	h := &GRPCHandler{health: health.NewServer()}
	h.SetServing(true)
	return h
}

func (h *GRPCHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
}

func (h *GRPCHandler) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ReconcilerServiceName, status)
}

// Shutdown flips every service to NOT_SERVING and ignores later updates.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}
