package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/config"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/keys"
	"github.com/dray-io/lsmttl/internal/objectstore"
	"github.com/dray-io/lsmttl/internal/sext"
)

func testDaemonConfig() *config.Config {
	cfg := config.Default()
	cfg.Metadata.OxiaEndpoint = ""
	cfg.ObjectStore.Bucket = "test-bucket"
	cfg.Sweep.Enabled = true
	cfg.Sweep.IntervalMs = 50
	cfg.Cache.MaxWaitMs = 2000
	cfg.Observability.HealthAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	cfg.Observability.GRPCAddr = "127.0.0.1:0"
	return cfg
}

type runningDaemon struct {
	d      *Daemon
	cancel context.CancelFunc
	errCh  chan error
}

func startTestDaemon(t *testing.T, cfg *config.Config, meta metadata.MetadataStore, objects objectstore.Store) *runningDaemon {
	t.Helper()

	d, err := NewDaemon(DaemonOptions{
		Config:   cfg,
		Logger:   logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Version:  "test",
		Owner:    "test-owner",
		Meta:     meta,
		Objects:  objects,
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewDaemon failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rd := &runningDaemon{d: d, cancel: cancel, errCh: make(chan error, 1)}
	go func() {
		rd.errCh <- d.Run(ctx)
	}()

	select {
	case <-d.Ready():
	case err := <-rd.errCh:
		cancel()
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("timeout waiting for daemon to start")
	}
	return rd
}

func (rd *runningDaemon) stop(t *testing.T) {
	t.Helper()
	rd.cancel()
	select {
	case err := <-rd.errCh:
		if err != nil {
			t.Errorf("daemon returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for daemon to stop")
	}
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestNewDaemonRequiresConfig(t *testing.T) {
	if _, err := NewDaemon(DaemonOptions{}); err == nil {
		t.Error("expected error without config")
	}

	cfg := testDaemonConfig()
	cfg.Policy.TTL = "whenever"
	if _, err := NewDaemon(DaemonOptions{Config: cfg, Registry: prometheus.NewRegistry()}); err == nil {
		t.Error("expected error for invalid default ttl")
	}
}

func TestDaemonServesHealthAndMetrics(t *testing.T) {
	meta := metadata.NewMockStore()
	defer meta.Close()
	objects := objectstore.NewMockStore()

	rd := startTestDaemon(t, testDaemonConfig(), meta, objects)

	code, body := httpGet(t, "http://"+rd.d.HealthAddr()+"/healthz")
	if code != http.StatusOK {
		t.Errorf("healthz returned %d: %s", code, body)
	}
	code, body = httpGet(t, "http://"+rd.d.HealthAddr()+"/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz returned %d: %s", code, body)
	}
	for _, check := range []string{"metadata_store", "object_store", "policy_cache", "sweep"} {
		if !strings.Contains(body, check) {
			t.Errorf("readyz missing check %q: %s", check, body)
		}
	}

	code, body = httpGet(t, "http://"+rd.d.MetricsAddr()+"/metrics")
	if code != http.StatusOK {
		t.Errorf("metrics returned %d", code)
	}
	if !strings.Contains(body, "lsmttl_") {
		t.Errorf("metrics output has no lsmttl metrics")
	}
	if rd.d.GRPCAddr() == "" {
		t.Error("expected gRPC address")
	}

	rd.stop(t)

	// Stores passed in are left open.
	if _, err := meta.Get(context.Background(), keys.DefaultPolicyKey); err != nil {
		t.Errorf("metadata store closed by daemon: %v", err)
	}
}

func TestDaemonResolvesCollectionPolicies(t *testing.T) {
	meta := metadata.NewMockStore()
	defer meta.Close()

	_, err := collection.NewStore(meta).Put(context.Background(), collection.PutRequest{
		Name:       "events",
		Properties: map[string]string{collection.PropExpiryTTL: "30"},
		NowMs:      1000,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rd := startTestDaemon(t, testDaemonConfig(), meta, objectstore.NewMockStore())
	defer rd.stop(t)

	p, ok := rd.d.Module().Policy(sext.ObjectKey("", "events", []byte("k1")))
	if !ok {
		t.Fatal("expected policy to resolve")
	}
	if p.TTLMinutes != 30 || p.Unlimited {
		t.Errorf("unexpected policy: %+v", p)
	}

	p, ok = rd.d.Module().Policy(sext.ObjectKey("", "other", []byte("k1")))
	if !ok {
		t.Fatal("expected default policy for a collection without a record")
	}
	if !p.Unlimited {
		t.Errorf("expected the configured unlimited default, got %+v", p)
	}
}

func TestDaemonFollowsStoredDefault(t *testing.T) {
	meta := metadata.NewMockStore()
	defer meta.Close()
	ctx := context.Background()
	store := collection.NewStore(meta)

	if err := store.PutDefault(ctx, map[string]string{collection.PropExpiryTTL: "1w"}); err != nil {
		t.Fatalf("PutDefault failed: %v", err)
	}

	rd := startTestDaemon(t, testDaemonConfig(), meta, objectstore.NewMockStore())
	defer rd.stop(t)

	if got := rd.d.Module().Default(); got.TTLMinutes != 7*24*60 || got.Unlimited {
		t.Fatalf("stored default not applied: %+v", got)
	}

	if err := store.PutDefault(ctx, map[string]string{collection.PropExpiryTTL: "90"}); err != nil {
		t.Fatalf("PutDefault failed: %v", err)
	}
	meta.SimulateNotification(metadata.Notification{Key: keys.DefaultPolicyKey, Version: 2})
	waitFor(t, func() bool { return rd.d.Module().Default().TTLMinutes == 90 })

	if err := store.DeleteDefault(ctx); err != nil {
		t.Fatalf("DeleteDefault failed: %v", err)
	}
	meta.SimulateNotification(metadata.Notification{Key: keys.DefaultPolicyKey, Deleted: true})
	waitFor(t, func() bool { return rd.d.Module().Default().Unlimited })
}

func TestDaemonSweepNeedsStores(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Authority.Source = config.AuthorityNone

	d, err := NewDaemon(DaemonOptions{
		Config:   cfg,
		Logger:   logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Objects:  objectstore.NewMockStore(),
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewDaemon failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err == nil {
		t.Error("expected sweep without a metadata store to fail")
	}
	select {
	case <-d.Ready():
		t.Error("daemon should not report ready after a failed start")
	default:
	}
}

func TestDaemonRunTwice(t *testing.T) {
	meta := metadata.NewMockStore()
	defer meta.Close()

	rd := startTestDaemon(t, testDaemonConfig(), meta, objectstore.NewMockStore())
	rd.stop(t)

	if err := rd.d.Run(context.Background()); err == nil {
		t.Error("expected second Run to fail")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
