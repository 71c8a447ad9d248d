package server

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dray-io/lsmttl/internal/logging"
)

// ServiceName is the grpc.health.v1 service the expiry daemon reports
// under, alongside the overall "" service.
const ServiceName = "lsmttl.Expiry"

// DefaultSyncInterval is how often readiness is mirrored into the gRPC
// health status.
const DefaultSyncInterval = 5 * time.Second

// GRPCServer serves grpc.health.v1. Its status follows the readiness of a
// HealthServer and turns NOT_SERVING for good once that server starts
// shutting down.
type GRPCServer struct {
	addr     string
	checks   *HealthServer
	status   *health.Server
	interval time.Duration
	logger   *logging.Logger

	mu        sync.RWMutex
	boundAddr string
	ready     chan struct{}
}

// NewGRPCServer creates a gRPC health server mirroring checks.
func NewGRPCServer(addr string, checks *HealthServer, logger *logging.Logger) *GRPCServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	g := &GRPCServer{
		addr:     addr,
		checks:   checks,
		status:   health.NewServer(),
		interval: DefaultSyncInterval,
		logger:   logger.With(map[string]any{"component": "grpc_health"}),
		ready:    make(chan struct{}),
	}
	checks.OnShutdown(g.status.Shutdown)
	return g
}

// SetSyncInterval changes the readiness polling interval. Call before Run.
func (g *GRPCServer) SetSyncInterval(d time.Duration) {
	if d > 0 {
		g.interval = d
	}
}

// Sync evaluates readiness once and publishes the result.
func (g *GRPCServer) Sync(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if g.checks.CheckReadiness(ctx).Status != StatusOK {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.status.SetServingStatus("", st)
	g.status.SetServingStatus(ServiceName, st)
}

// Run serves until ctx is done, then stops gracefully.
func (g *GRPCServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, g.status)
	g.Sync(ctx)

	g.mu.Lock()
	g.boundAddr = ln.Addr().String()
	g.mu.Unlock()
	close(g.ready)

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.status.Shutdown()
				g.logger.Info("stopping gRPC health server")
				srv.GracefulStop()
				return
			case <-ticker.C:
				g.Sync(ctx)
			}
		}
	}()

	g.logger.Infof("gRPC health server listening", map[string]any{"addr": ln.Addr().String()})
	return srv.Serve(ln)
}

// Ready is closed once Run is listening.
func (g *GRPCServer) Ready() <-chan struct{} {
	return g.ready
}

// Addr returns the bound address, or the configured one before Run.
func (g *GRPCServer) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.boundAddr != "" {
		return g.boundAddr
	}
	return g.addr
}
