package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cartograph/cartograph/internal/logging"
)

// ServiceName is the gRPC health service name reported by the ingester.
const ServiceName = "cartograph.Ingestion"

// Probe reports whether the service is ready to do work.
type Probe interface {
	Ready() bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() bool

// Ready calls f.
func (f ProbeFunc) Ready() bool { return f() }

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
}

// HTTPConfig configures the operator HTTP server.
type HTTPConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewHandler returns the operator mux: /health is always 200 while the
// process serves, /ready is 200 only while probe is ready, /metrics serves
// the metrics handler.
func NewHandler(service string, probe Probe, metrics http.Handler, sm *ShutdownManager, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger).Named("http")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "healthy", Service: service})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if probe == nil || !probe.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready", Service: service})
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: service})
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		AccessLogMiddleware(logger),
	}
	if sm != nil {
		middlewares = append([]func(http.Handler) http.Handler{ShutdownMiddleware(sm)}, middlewares...)
	}
	return ChainMiddleware(middlewares...)(mux)
}

// NewHTTPServer builds the operator HTTP server.
func NewHTTPServer(cfg HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// GRPCHealth serves grpc.health.v1 and mirrors a Probe into it.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	probe  Probe
	logger *zap.Logger
}

// NewGRPCHealth creates a gRPC server exposing the health and reflection
// services. Both the overall ("") and ServiceName statuses start NOT_SERVING.
func NewGRPCHealth(probe Probe, logger *zap.Logger) *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	g := &GRPCHealth{
		server: srv,
		health: hs,
		probe:  probe,
		logger: logging.OrNop(logger).Named("grpc"),
	}
	g.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

func (g *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Serve serves on lis until Stop.
func (g *GRPCHealth) Serve(lis net.Listener) error {
	g.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return g.server.Serve(lis)
}

// Watch updates the serving status from the probe every interval until ctx
// ends.
func (g *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if g.probe != nil && g.probe.Ready() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			g.set(status)
			g.logger.Debug("serving status changed", zap.String("status", status.String()))
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close marks the service NOT_SERVING and stops the server gracefully.
func (g *GRPCHealth) Close() error {
	g.health.Shutdown()
	g.server.GracefulStop()
	return nil
}
