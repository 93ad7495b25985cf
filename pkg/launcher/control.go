package launcher

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service reflecting overall supervisor status.
// Each slot is reported as ServiceName + "." + slot ID.
const ServiceName = "prefork"

// controlPlane serves gRPC health and Prometheus metrics. Either listener
// may be absent.
type controlPlane struct {
	log *slog.Logger

	grpcServer *grpc.Server
	health     *health.Server
	grpcLn     net.Listener

	metricsServer *http.Server
	metricsLn     net.Listener
}

func startControlPlane(controlBind, metricsBind string, reg *prometheus.Registry, log *slog.Logger) (*controlPlane, error) {
	cp := &controlPlane{
		log:    log,
		health: health.NewServer(),
	}

	if controlBind != "" {
		ln, err := net.Listen("tcp", controlBind)
		if err != nil {
			return nil, ErrBind(controlBind, err).WithContext("listener", "control")
		}
		cp.grpcLn = ln
		cp.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(cp.grpcServer, cp.health)
		reflection.Register(cp.grpcServer)

		go func() {
			log.Info("control plane listening", "addr", ln.Addr().String())
			if err := cp.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("control plane serve error", "error", err)
			}
		}()
	}

	if metricsBind != "" {
		ln, err := net.Listen("tcp", metricsBind)
		if err != nil {
			cp.stop()
			return nil, ErrBind(metricsBind, err).WithContext("listener", "metrics")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		cp.metricsLn = ln
		cp.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info("metrics endpoint listening", "addr", ln.Addr().String())
			if err := cp.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	cp.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cp.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return cp, nil
}

// setServing flips the supervisor-level services
func (cp *controlPlane) setServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	cp.health.SetServingStatus("", st)
	cp.health.SetServingStatus(ServiceName, st)
}

// setSlot reports one slot; only a ready worker is SERVING
func (cp *controlPlane) setSlot(slot int, state WorkerState) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == StateReady {
		st = healthpb.HealthCheckResponse_SERVING
	}
	cp.health.SetServingStatus(SlotService(slot), st)
}

// SlotService is the health service name for a slot
func SlotService(slot int) string {
	return ServiceName + "." + string(slotID(slot))
}

// GRPCAddr returns the bound control address, or "" when disabled
func (cp *controlPlane) GRPCAddr() string {
	if cp.grpcLn == nil {
		return ""
	}
	return cp.grpcLn.Addr().String()
}

// MetricsAddr returns the bound metrics address, or "" when disabled
func (cp *controlPlane) MetricsAddr() string {
	if cp.metricsLn == nil {
		return ""
	}
	return cp.metricsLn.Addr().String()
}

func (cp *controlPlane) stop() {
	cp.health.Shutdown()

	if cp.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cp.metricsServer.Shutdown(ctx); err != nil {
			cp.log.Warn("metrics server shutdown", "error", err)
		}
	}
	if cp.grpcServer != nil {
		cp.grpcServer.GracefulStop()
	}
}
