package authority

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/keys"
	"github.com/dray-io/lsmttl/internal/metrics"
)

// Watcher reconnect backoff defaults.
const (
	defaultWatchInitialBackoff = 100 * time.Millisecond
	defaultWatchMaxBackoff     = 30 * time.Second
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Meta  metadata.MetadataStore
	Cache Cache
	// Defaults is the policy refreshed records are merged over.
	Defaults Defaults
	// OnDefaultChange is called with the stored default policy properties
	// whenever they change; ok is false once they are removed.
	OnDefaultChange func(props map[string]string, ok bool)

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Metrics *metrics.AuthorityMetrics
	Logger  *logging.Logger
}

// Watcher follows metadata notifications and keeps cached policies in step
// with their collection records. Changed records that are cached are
// re-read; deleted ones are dropped. While the notification stream is down
// nothing can be trusted, so the cache is purged on every disconnect.
type Watcher struct {
	cfg         WatcherConfig
	collections *collection.Store
	logger      *logging.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher. Call Start to begin watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Meta == nil {
		return nil, errors.New("authority: metadata store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("authority: cache is required")
	}
	if cfg.Defaults == nil {
		cfg.Defaults = staticDefaults(expiry.DefaultPolicy())
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultWatchInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultWatchMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:         cfg,
		collections: collection.NewStore(cfg.Meta),
		logger:      logger.With(map[string]any{"component": "policy_watcher"}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		w.cancel()
	})
	w.wg.Wait()
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	connected := false
	for {
		if w.ctx.Err() != nil {
			return
		}

		stream, err := w.cfg.Meta.Notifications(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			delay := b.NextBackOff()
			w.logger.Warnf("notification stream connection failed", map[string]any{
				"error":   err.Error(),
				"backoff": delay.String(),
			})
			w.cfg.Cache.Purge()
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		b.Reset()
		if connected {
			w.cfg.Metrics.RecordReconnect()
			w.logger.Info("notification stream reconnected")
		}
		connected = true

		err = w.process(stream)
		stream.Close()
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warnf("notification stream disconnected", map[string]any{
				"error": err.Error(),
			})
		}
		w.cfg.Cache.Purge()

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (w *Watcher) process(stream metadata.NotificationStream) error {
	for {
		n, err := stream.Next(w.ctx)
		if err != nil {
			return err
		}
		w.Handle(n)
	}
}

// Handle applies one notification to the cache.
func (w *Watcher) Handle(n metadata.Notification) {
	if n.RangeEnd != "" {
		// Cached collections inside the range cannot be picked out cheaply.
		w.cfg.Cache.Purge()
		w.cfg.Metrics.RecordInvalidation()
		return
	}
	if n.Key == keys.DefaultPolicyKey {
		w.handleDefault(n)
		return
	}
	id, err := collection.IDFromKey(n.Key)
	if err != nil {
		return
	}

	if n.Deleted {
		if w.cfg.Cache.Invalidate(id) {
			w.cfg.Metrics.RecordInvalidation()
		}
		return
	}
	if _, cached := w.cfg.Cache.Get(id); !cached {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, DefaultRequestTimeout)
	defer cancel()
	rec, _, err := w.collections.Get(ctx, id)
	if err == nil {
		var p expiry.ExpiryPolicy
		if p, err = rec.Policy(w.cfg.Defaults()); err == nil {
			err = w.cfg.Cache.Insert(id, p)
		}
	}
	if err != nil {
		w.logger.Debugf("dropping cached policy after change", map[string]any{
			"collection": describe(id),
			"error":      err.Error(),
		})
		w.cfg.Cache.Invalidate(id)
	}
	w.cfg.Metrics.RecordInvalidation()
}

func (w *Watcher) handleDefault(n metadata.Notification) {
	var (
		props map[string]string
		ok    bool
	)
	if !n.Deleted {
		ctx, cancel := context.WithTimeout(w.ctx, DefaultRequestTimeout)
		defer cancel()
		var err error
		props, ok, err = w.collections.GetDefault(ctx)
		if err != nil {
			w.logger.Warnf("failed to read default policy", map[string]any{"error": err.Error()})
			return
		}
	}
	if w.cfg.OnDefaultChange != nil {
		w.cfg.OnDefaultChange(props, ok)
	}
	w.cfg.Cache.Purge()
	w.cfg.Metrics.RecordInvalidation()
}
