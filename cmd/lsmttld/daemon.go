package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/dray-io/lsmttl/internal/authority"
	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/config"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/manifest"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/oxia"
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/module"
	"github.com/dray-io/lsmttl/internal/objectstore"
	"github.com/dray-io/lsmttl/internal/objectstore/s3"
	"github.com/dray-io/lsmttl/internal/policycache"
	"github.com/dray-io/lsmttl/internal/server"
	"github.com/dray-io/lsmttl/internal/sweep"
)

const responderGroup = "lsmttl-policy-responder"

// DaemonOptions contains the configuration for creating a daemon.
type DaemonOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string
	// Owner names this process in the sweep lease.
	Owner string

	// Meta and Objects replace the stores built from Config. The daemon
	// does not close stores it was given.
	Meta    metadata.MetadataStore
	Objects objectstore.Store
	// Registry receives every metric and backs the metrics endpoint.
	// Nil uses the default Prometheus registry.
	Registry *prometheus.Registry
}

type daemonMetrics struct {
	expiry    *metrics.ExpiryMetrics
	cache     *metrics.PolicyCacheMetrics
	authority *metrics.AuthorityMetrics
	metadata  *metrics.MetadataMetrics
	objects   *metrics.ObjectStoreMetrics
	sweep     *metrics.SweepMetrics
}

func newDaemonMetrics(reg *prometheus.Registry) daemonMetrics {
	if reg == nil {
		return daemonMetrics{
			expiry:    metrics.NewExpiryMetrics(),
			cache:     metrics.NewPolicyCacheMetrics(),
			authority: metrics.NewAuthorityMetrics(),
			metadata:  metrics.NewMetadataMetrics(),
			objects:   metrics.NewObjectStoreMetrics(),
			sweep:     metrics.NewSweepMetrics(),
		}
	}
	return daemonMetrics{
		expiry:    metrics.NewExpiryMetricsWithRegistry(reg),
		cache:     metrics.NewPolicyCacheMetricsWithRegistry(reg),
		authority: metrics.NewAuthorityMetricsWithRegistry(reg),
		metadata:  metrics.NewMetadataMetricsWithRegistry(reg),
		objects:   metrics.NewObjectStoreMetricsWithRegistry(reg),
		sweep:     metrics.NewSweepMetricsWithRegistry(reg),
	}
}

// Daemon runs the expiry module outside an engine: it resolves and
// refreshes collection policies, answers policy requests, sweeps manifests
// and serves health and metrics.
type Daemon struct {
	opts    DaemonOptions
	logger  *logging.Logger
	metrics daemonMetrics

	meta      metadata.MetadataStore
	objects   objectstore.Store
	ownsMeta  bool
	ownsObj   bool
	module    *module.Module
	baseDef   expiry.ExpiryPolicy
	fetcher   interface{ Close() error }
	watcher   *authority.Watcher
	kafka     *kgo.Client
	responder *kgo.Client
	worker    *sweep.Worker

	healthServer  *server.HealthServer
	metricsServer *metrics.Server
	grpcServer    *server.GRPCServer

	ready chan struct{}
	mu    sync.Mutex
	state daemonState
}

type daemonState int

const (
	stateNew daemonState = iota
	stateRunning
	stateStopped
)

// NewDaemon creates a daemon but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	base, err := opts.Config.DefaultPolicy()
	if err != nil {
		return nil, fmt.Errorf("daemon: default policy: %w", err)
	}
	return &Daemon{
		opts:    opts,
		logger:  opts.Logger,
		metrics: newDaemonMetrics(opts.Registry),
		baseDef: base,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once every component has started.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Module returns the expiry module. It is nil before Run.
func (d *Daemon) Module() *module.Module {
	return d.module
}

// HealthAddr returns the bound health address once Ready is closed.
func (d *Daemon) HealthAddr() string {
	if d.healthServer == nil {
		return ""
	}
	return d.healthServer.Addr()
}

// MetricsAddr returns the bound metrics address once Ready is closed.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// GRPCAddr returns the bound gRPC address once Ready is closed.
func (d *Daemon) GRPCAddr() string {
	if d.grpcServer == nil {
		return ""
	}
	return d.grpcServer.Addr()
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateNew {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.state = stateRunning
	d.mu.Unlock()

	cfg := d.opts.Config
	d.logger.Infof("starting daemon", map[string]any{
		"version":   d.opts.Version,
		"authority": cfg.Authority.Source,
		"sweep":     cfg.Sweep.Enabled,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var result *multierror.Error
	if err := d.start(gctx, g); err != nil {
		result = multierror.Append(result, err)
		cancel()
	} else {
		close(d.ready)
		d.logger.Info("daemon started")
	}

	<-gctx.Done()
	if err := d.shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (d *Daemon) start(ctx context.Context, g *errgroup.Group) error {
	cfg := d.opts.Config

	if err := d.openStores(ctx); err != nil {
		return err
	}

	mod, err := module.New(module.Options{
		Default: &d.baseDef,
		Cache: policycache.Config{
			Capacity:     cfg.Cache.Capacity,
			PollInterval: cfg.Cache.PollInterval(),
			MaxWait:      cfg.Cache.MaxWait(),
			Metrics:      d.metrics.cache,
		},
		Metrics: d.metrics.expiry,
		Logger:  d.logger,
	})
	if err != nil {
		return fmt.Errorf("daemon: create module: %w", err)
	}
	d.module = mod

	if d.meta != nil {
		d.loadStoredDefault(ctx)
	}
	if err := d.startAuthority(ctx, g); err != nil {
		return err
	}
	if err := d.startSweep(); err != nil {
		return err
	}
	if err := d.startServers(ctx, g); err != nil {
		return err
	}
	mod.Dump()
	return nil
}

func (d *Daemon) openStores(ctx context.Context) error {
	cfg := d.opts.Config

	meta := d.opts.Meta
	if meta == nil && cfg.Metadata.OxiaEndpoint != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := oxia.New(connectCtx, oxia.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      cfg.Metadata.Namespace,
			RequestTimeout: cfg.Metadata.RequestTimeout(),
			SessionTimeout: 15 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("daemon: connect to oxia at %s: %w", cfg.Metadata.OxiaEndpoint, err)
		}
		meta = store
		d.ownsMeta = true
	}
	if meta != nil {
		d.meta = metadata.NewInstrumentedStore(meta, d.metrics.metadata)
	}

	objects := d.opts.Objects
	if objects == nil && cfg.ObjectStore.Bucket != "" {
		store, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.ObjectStore.Bucket,
			Region:          cfg.ObjectStore.Region,
			Endpoint:        cfg.ObjectStore.Endpoint,
			AccessKeyID:     cfg.ObjectStore.AccessKey,
			SecretAccessKey: cfg.ObjectStore.SecretKey,
			UsePathStyle:    cfg.ObjectStore.Endpoint != "",
			MaxAttempts:     cfg.ObjectStore.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("daemon: open object store: %w", err)
		}
		objects = store
		d.ownsObj = true
	}
	if objects != nil {
		d.objects = objectstore.NewInstrumentedStore(objects, d.metrics.objects)
	}
	return nil
}

// loadStoredDefault applies the default policy override kept in the
// metadata store, if any.
func (d *Daemon) loadStoredDefault(ctx context.Context) {
	props, ok, err := collection.NewStore(d.meta).GetDefault(ctx)
	if err != nil {
		d.logger.Warnf("failed to read stored default policy", map[string]any{"error": err.Error()})
		return
	}
	d.applyDefault(props, ok)
}

func (d *Daemon) applyDefault(props map[string]string, ok bool) {
	if !ok {
		d.module.SetDefault(d.baseDef)
		d.logger.Info("using configured default policy")
		return
	}
	p, err := collection.ToPolicy(props, d.baseDef)
	if err != nil {
		d.logger.Warnf("ignoring invalid stored default policy", map[string]any{"error": err.Error()})
		return
	}
	d.module.SetDefault(p)
	d.logger.Infof("using stored default policy", map[string]any{
		"expiry_enabled": p.Enabled,
		"expiry_minutes": p.TTLMinutes,
		"unlimited":      p.Unlimited,
	})
}

func (d *Daemon) startAuthority(ctx context.Context, g *errgroup.Group) error {
	cfg := d.opts.Config
	cache := d.module.Cache()
	defaults := authority.Defaults(d.module.Default)

	switch cfg.Authority.Source {
	case config.AuthorityMetadata:
		if d.meta == nil {
			return errors.New("daemon: metadata authority needs a metadata store")
		}
		f, err := authority.NewMetadataFetcher(authority.MetadataFetcherConfig{
			Store:          collection.NewStore(d.meta),
			Cache:          cache,
			Defaults:       defaults,
			MaxRetries:     cfg.Authority.MaxRetries,
			RequestTimeout: cfg.Metadata.RequestTimeout(),
			FreshLifetime:  cfg.Authority.FreshLifetime(),
			Metrics:        d.metrics.authority,
			Logger:         d.logger,
		})
		if err != nil {
			return err
		}
		cache.SetFetcher(f)
		d.fetcher = f

	case config.AuthorityKafka:
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Authority.KafkaBrokers...),
			kgo.ConsumeTopics(cfg.Authority.ReplyTopic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		)
		if err != nil {
			return fmt.Errorf("daemon: kafka client: %w", err)
		}
		d.kafka = client
		if err := d.ensureTopics(ctx, client); err != nil {
			return err
		}
		f, err := authority.NewKafkaFetcher(authority.KafkaFetcherConfig{
			Client:        client,
			Cache:         cache,
			Defaults:      defaults,
			RequestTopic:  cfg.Authority.RequestTopic,
			ReplyTopic:    cfg.Authority.ReplyTopic,
			FreshLifetime: cfg.Authority.FreshLifetime(),
			Metrics:       d.metrics.authority,
			Logger:        d.logger,
		})
		if err != nil {
			return err
		}
		f.Start()
		cache.SetFetcher(f)
		d.fetcher = f

	case config.AuthorityNone:
		d.logger.Warn("no policy authority configured, collection lookups stay unresolved")
	}

	if cfg.Authority.Watch && d.meta != nil {
		w, err := authority.NewWatcher(authority.WatcherConfig{
			Meta:            d.meta,
			Cache:           cache,
			Defaults:        defaults,
			OnDefaultChange: d.applyDefault,
			Metrics:         d.metrics.authority,
			Logger:          d.logger,
		})
		if err != nil {
			return err
		}
		w.Start()
		d.watcher = w
	}

	if cfg.Authority.Respond {
		if d.meta == nil {
			return errors.New("daemon: responding to policy requests needs a metadata store")
		}
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Authority.KafkaBrokers...),
			kgo.ConsumeTopics(cfg.Authority.RequestTopic),
			kgo.ConsumerGroup(responderGroup),
		)
		if err != nil {
			return fmt.Errorf("daemon: kafka responder client: %w", err)
		}
		d.responder = client
		if d.kafka == nil {
			if err := d.ensureTopics(ctx, client); err != nil {
				return err
			}
		}
		responder := authority.NewKafkaResponder(client, collection.NewStore(d.meta), d.logger)
		g.Go(func() error { return responder.Run(ctx) })
	}
	return nil
}

func (d *Daemon) ensureTopics(ctx context.Context, client *kgo.Client) error {
	cfg := d.opts.Config
	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return authority.EnsureTopics(createCtx, kadm.NewClient(client), 1, -1,
		cfg.Authority.RequestTopic, cfg.Authority.ReplyTopic)
}

func (d *Daemon) startSweep() error {
	cfg := d.opts.Config
	if !cfg.Sweep.Enabled {
		return nil
	}
	if d.meta == nil || d.objects == nil {
		return errors.New("daemon: sweeps need a metadata store and an object store")
	}
	w, err := sweep.NewWorker(d.meta, d.objects, d.module, sweep.Config{
		ManifestPrefix: cfg.ObjectStore.ManifestPrefix,
		EditPrefix:     cfg.ObjectStore.EditPrefix,
		Codec:          manifest.Codec(cfg.Sweep.Codec),
		Interval:       cfg.Sweep.Interval(),
		Owner:          d.opts.Owner,
		Metrics:        d.metrics.sweep,
		Logger:         d.logger,
	})
	if err != nil {
		return err
	}
	w.Start()
	d.worker = w
	return nil
}

func (d *Daemon) startServers(ctx context.Context, g *errgroup.Group) error {
	cfg := d.opts.Config

	d.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, d.logger)
	if d.meta != nil {
		d.healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(d.meta))
	}
	if d.objects != nil {
		d.healthServer.RegisterReadinessCheck(server.NewObjectStoreChecker(d.objects, cfg.ObjectStore.ManifestPrefix))
	}
	d.healthServer.RegisterReadinessCheck(server.NewPolicyCacheChecker(d.module.Cache().Done()))
	if d.worker != nil {
		d.healthServer.RegisterReadinessCheck(server.NewWorkerChecker("sweep", d.worker.Running))
	}
	if err := d.healthServer.Start(); err != nil {
		return fmt.Errorf("daemon: start health server: %w", err)
	}
	d.logger.Infof("health server started", map[string]any{"addr": d.healthServer.Addr()})

	if d.opts.Registry != nil {
		d.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, d.opts.Registry)
	} else {
		d.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr)
	}
	if err := d.metricsServer.Start(); err != nil {
		return fmt.Errorf("daemon: start metrics server: %w", err)
	}
	d.logger.Infof("metrics server started", map[string]any{"addr": d.metricsServer.Addr()})

	if cfg.Observability.GRPCAddr != "" {
		d.grpcServer = server.NewGRPCServer(cfg.Observability.GRPCAddr, d.healthServer, d.logger)
		g.Go(func() error { return d.grpcServer.Run(ctx) })
		select {
		case <-d.grpcServer.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// shutdown stops components in reverse start order. It is safe to call
// after a partial start.
func (d *Daemon) shutdown() error {
	d.mu.Lock()
	if d.state == stateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = stateStopped
	d.mu.Unlock()

	d.logger.Info("shutting down daemon")
	var result *multierror.Error
	closeStep := func(name string, fn func() error) {
		if err := fn(); err != nil {
			d.logger.Warnf("error during shutdown", map[string]any{"component": name, "error": err.Error()})
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	if d.healthServer != nil {
		d.healthServer.SetShuttingDown()
	}
	if d.worker != nil {
		d.worker.Stop()
	}
	if d.watcher != nil {
		closeStep("watcher", d.watcher.Close)
	}
	if d.fetcher != nil {
		closeStep("fetcher", d.fetcher.Close)
	}
	if d.module != nil {
		closeStep("module", d.module.Shutdown)
	}
	if d.responder != nil {
		d.responder.Close()
	}
	if d.kafka != nil {
		d.kafka.Close()
	}
	if d.metricsServer != nil {
		closeStep("metrics server", d.metricsServer.Close)
	}
	if d.healthServer != nil {
		closeStep("health server", d.healthServer.Close)
	}
	if d.ownsObj && d.objects != nil {
		closeStep("object store", d.objects.Close)
	}
	if d.ownsMeta && d.meta != nil {
		closeStep("metadata store", d.meta.Close)
	}

	d.logger.Info("daemon shutdown complete")
	return result.ErrorOrNil()
}
