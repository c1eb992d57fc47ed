package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthProbe drives the standard gRPC health service from a dependency
// check, typically a Redis ping.
type HealthProbe struct {
	server   *health.Server
	check    func(ctx context.Context) error
	services []string
	interval time.Duration
	logger   *slog.Logger
}

// NewServer returns a gRPC server with the health service registered and a
// probe bound to it. services are reported alongside the overall "" entry.
func NewServer(logger *slog.Logger, check func(ctx context.Context) error, interval time.Duration, services ...string) (*grpc.Server, *HealthProbe) {
	server := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	return server, NewHealthProbe(logger, healthSrv, check, interval, services...)
}

func NewHealthProbe(logger *slog.Logger, server *health.Server, check func(ctx context.Context) error, interval time.Duration, services ...string) *HealthProbe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthProbe{
		server:   server,
		check:    check,
		services: append([]string{""}, services...),
		interval: interval,
		logger:   logger,
	}
}

func (p *HealthProbe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.probeOnce(ctx)
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *HealthProbe) probeOnce(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if p.check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, p.interval)
		err := p.check(checkCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			p.logger.WarnContext(ctx, "dependency health check failed",
				"module", "grpc.health",
				"layer", "adapter",
				"operation", "probe",
				"outcome", "failure",
				"error", err,
			)
		}
	}
	for _, service := range p.services {
		p.server.SetServingStatus(service, status)
	}
}
