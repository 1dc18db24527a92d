// Package monitor exposes process health over gRPC and Prometheus metrics
// over HTTP for long-running services.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Monitor serves the standard gRPC health service and a /metrics endpoint.
type Monitor struct {
	service string
	grpc    *grpc.Server
	health  *health.Server
	http    *http.Server
	log     *slog.Logger
}

// New creates a Monitor reporting the health of service and exposing the
// metrics gathered by gatherer.
func New(service string, gatherer prometheus.Gatherer) *Monitor {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Monitor{
		service: service,
		grpc:    gs,
		health:  hs,
		http:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:     slog.Default().With("component", "monitor"),
	}
}

// SetServing flips the reported status of the service.
func (m *Monitor) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus(m.service, status)
}

// Run listens on grpcAddr and metricsAddr and serves until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, grpcAddr, metricsAddr string) error {
	gl, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", grpcAddr, err)
	}
	hl, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		gl.Close()
		return fmt.Errorf("listening on %s: %w", metricsAddr, err)
	}
	return m.Serve(ctx, gl, hl)
}

// Serve serves gRPC on gl and HTTP on hl until ctx is cancelled, then shuts
// both down.
func (m *Monitor) Serve(ctx context.Context, gl, hl net.Listener) error {
	errc := make(chan error, 2)
	go func() {
		m.log.Info("health service listening", "addr", gl.Addr().String())
		errc <- m.grpc.Serve(gl)
	}()
	go func() {
		m.log.Info("metrics listening", "addr", hl.Addr().String())
		if err := m.http.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	m.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := m.http.Shutdown(shutdownCtx); serr != nil {
		m.log.Error("metrics shutdown", "error", serr)
	}
	m.grpc.GracefulStop()
	return err
}

// CheckHealth asks the health service at addr for the status of service.
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("checking %s: %w", service, err)
	}
	return resp.GetStatus(), nil
}
