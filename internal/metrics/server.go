package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dray-io/lsmttl/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Server exposes /metrics for Prometheus scrapes.
type Server struct {
	addr    string
	handler http.Handler

	mu    sync.RWMutex
	bound string
	srv   *http.Server
}

// NewServer serves the default Prometheus registry on addr.
func NewServer(addr string) *Server {
	return &Server{addr: addr, handler: promhttp.Handler()}
}

// NewServerWithRegistry serves only the metrics of g. The daemon uses this
// when it owns a private registry.
func NewServerWithRegistry(addr string, g prometheus.Gatherer) *Server {
	return &Server{
		addr:    addr,
		handler: promhttp.HandlerFor(g, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logging.Warnf("metrics listener failed", map[string]any{
				"addr":  ln.Addr().String(),
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Addr is the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bound == "" {
		return s.addr
	}
	return s.bound
}

func (s *Server) Close() error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
