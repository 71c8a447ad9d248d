// Package server implements the health endpoints of the lsmttl daemon: an
// HTTP server with /healthz and /readyz, and a gRPC server exposing the
// standard grpc.health.v1 service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dray-io/lsmttl/internal/logging"
)

// ReadinessChecker gates /readyz. The daemon registers the metadata store,
// the object store, the policy cache and the sweep worker.
type ReadinessChecker interface {
	Name() string
	CheckReady(ctx context.Context) error
}

// HealthStatus is the JSON body of both endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

const (
	StatusOK           = "ok"
	StatusShuttingDown = "shutting_down"
	StatusNotReady     = "not_ready"
)

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// HealthServer answers liveness on /healthz and readiness on /readyz, and
// mounts net/http/pprof under /debug/pprof/. Liveness only fails once the
// daemon is shutting down; readiness also runs every registered check.
type HealthServer struct {
	addr     string
	logger   *logging.Logger
	shutDown atomic.Bool

	mu         sync.RWMutex
	bound      string
	srv        *http.Server
	checks     []ReadinessChecker
	timeout    time.Duration
	onShutdown []func()
}

func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:    addr,
		logger:  logger.With(map[string]any{"component": "health"}),
		timeout: DefaultReadinessTimeout,
	}
}

func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// OnShutdown registers fn to run on the first SetShuttingDown.
func (h *HealthServer) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onShutdown = append(h.onShutdown, fn)
}

// SetShuttingDown flips both endpoints to 503 and runs the OnShutdown
// hooks once.
func (h *HealthServer) SetShuttingDown() {
	if h.shutDown.Swap(true) {
		return
	}
	h.mu.RLock()
	hooks := append([]func(){}, h.onShutdown...)
	h.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Readiness checks run inside the request, hence the write timeout.
	srv := &http.Server{Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	h.mu.Lock()
	h.bound = ln.Addr().String()
	h.srv = srv
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr is the bound address once started, the configured one before.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.bound == "" {
		return h.addr
	}
	return h.bound
}

func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.srv
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(context.Context) HealthStatus { return h.liveness() })
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.CheckReadiness)
}

func (h *HealthServer) respond(w http.ResponseWriter, r *http.Request, check func(context.Context) HealthStatus) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := check(r.Context())

	code := http.StatusOK
	if status.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodGet {
		_ = json.NewEncoder(w).Encode(status)
	}
}

func (h *HealthServer) liveness() HealthStatus {
	if h.shutDown.Load() {
		return HealthStatus{
			Status: StatusShuttingDown,
			Checks: map[string]CheckResult{"shutdown": {Healthy: false, Message: "daemon is shutting down"}},
		}
	}
	return HealthStatus{
		Status: StatusOK,
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "daemon is running"}},
	}
}

// CheckReadiness runs every registered check concurrently, each under the
// readiness timeout.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	status := h.liveness()
	if status.Status != StatusOK {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.timeout
	h.mu.RUnlock()

	errs := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			errs[i] = c.CheckReady(cctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range checks {
		if errs[i] != nil {
			status.Status = StatusNotReady
			status.Checks[c.Name()] = CheckResult{Healthy: false, Message: errs[i].Error()}
			continue
		}
		status.Checks[c.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}
