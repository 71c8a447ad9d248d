package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestGRPCServer_FollowsReadiness(t *testing.T) {
	h := NewHealthServer(":0", nil)
	var failing atomic.Bool
	h.RegisterReadinessCheck(NewFuncChecker("store", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("unreachable")
		}
		return nil
	}))

	g := NewGRPCServer("127.0.0.1:0", h, nil)
	g.SetSyncInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	select {
	case <-g.Ready():
	case err := <-errCh:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	conn, err := grpc.NewClient(g.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", got)
	}
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", got)
	}

	failing.Store(true)
	g.Sync(context.Background())
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING, got %v", got)
	}

	failing.Store(false)
	g.Sync(context.Background())
	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING after recovery, got %v", got)
	}

	h.SetShuttingDown()
	if got := check(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING on shutdown, got %v", got)
	}
	g.Sync(context.Background())
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("shutdown status must stick, got %v", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
