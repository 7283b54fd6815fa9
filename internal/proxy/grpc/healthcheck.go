package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker probes backends over the standard grpc.health.v1 service,
// used by the discovery cache for gRPC-protocol instances.
type HealthChecker struct {
	service string
}

// NewHealthChecker builds a checker asking about the named service; the
// empty name asks about the server as a whole.
func NewHealthChecker(service string) *HealthChecker {
	return &HealthChecker{service: service}
}

// Check dials address and asks for the service's status, returning nil only
// for SERVING.
func (hc *HealthChecker) Check(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc health check: dial %s: %w", address, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{
		Service: hc.service,
	})
	if err != nil {
		return fmt.Errorf("grpc health check: %w", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health check: service %q status %s", hc.service, resp.GetStatus().String())
	}

	return nil
}
