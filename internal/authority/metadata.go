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
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/policycache"
	"github.com/dray-io/lsmttl/internal/sext"
)

// Retry defaults for metadata reads.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

// MetadataFetcherConfig configures a MetadataFetcher.
type MetadataFetcherConfig struct {
	Store *collection.Store
	Cache Cache
	// Defaults supplies the policy records are merged over. Defaults to
	// expiry.DefaultPolicy.
	Defaults Defaults

	// MaxRetries bounds retries of a failing read. Zero uses
	// DefaultMaxRetries; negative disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestTimeout bounds each metadata read.
	RequestTimeout time.Duration
	// FreshLifetime is the lifetime of default policies cached for
	// collections without a record.
	FreshLifetime time.Duration

	Metrics *metrics.AuthorityMetrics
	Logger  *logging.Logger
}

// MetadataFetcher resolves policies from collection records in the
// metadata store.
type MetadataFetcher struct {
	cfg    MetadataFetcherConfig
	logger *logging.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMetadataFetcher creates a fetcher. Store and Cache are required.
func NewMetadataFetcher(cfg MetadataFetcherConfig) (*MetadataFetcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("authority: collection store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("authority: cache is required")
	}
	if cfg.Defaults == nil {
		cfg.Defaults = staticDefaults(expiry.DefaultPolicy())
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.FreshLifetime <= 0 {
		cfg.FreshLifetime = DefaultFreshLifetime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MetadataFetcher{
		cfg:    cfg,
		logger: logger.With(map[string]any{"component": "metadata_fetcher"}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// FetchPolicy accepts a request and resolves it in the background. It
// returns false after Close and for actions it does not serve.
func (f *MetadataFetcher) FetchPolicy(req policycache.FetchRequest) bool {
	if req.Action != policycache.ActionCollectionProperties || len(req.ReplyKey) == 0 {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.resolve(req.ReplyKey)
	}()
	return true
}

// Resolve reads a collection's record and answers the cache. It blocks
// until the cache has been answered.
func (f *MetadataFetcher) Resolve(id sext.CollectionID) {
	f.resolve(id)
}

func (f *MetadataFetcher) resolve(id sext.CollectionID) {
	start := time.Now()
	log := f.logger.WithCorrelationID(logging.NewCorrelationID())

	rec, err := f.readWithRetry(id)
	def := f.cfg.Defaults()

	switch {
	case errors.Is(err, collection.ErrCollectionNotFound):
		f.answer(f.cfg.Cache.InsertWithLifetime(id, def, f.cfg.FreshLifetime), log)
		f.cfg.Metrics.RecordResolved(SourceMetadata, ResultAbsent, time.Since(start).Seconds())
		return
	case err != nil:
		log.Warnf("policy fetch failed", map[string]any{
			"collection": describe(id),
			"error":      err.Error(),
		})
		f.answer(f.cfg.Cache.Reject(id), log)
		f.cfg.Metrics.RecordResolved(SourceMetadata, ResultRejected, time.Since(start).Seconds())
		return
	}

	p, err := rec.Policy(def)
	if err != nil {
		log.Warnf("invalid collection record", map[string]any{
			"collection": describe(id),
			"error":      err.Error(),
		})
		f.answer(f.cfg.Cache.Reject(id), log)
		f.cfg.Metrics.RecordResolved(SourceMetadata, ResultRejected, time.Since(start).Seconds())
		return
	}

	log.Debugf("policy resolved", map[string]any{
		"collection": describe(id),
		"policy":     p.String(),
	})
	f.answer(f.cfg.Cache.Insert(id, p), log)
	f.cfg.Metrics.RecordResolved(SourceMetadata, ResultFound, time.Since(start).Seconds())
}

func (f *MetadataFetcher) readWithRetry(id sext.CollectionID) (*collection.Record, error) {
	var rec *collection.Record
	op := func() error {
		ctx, cancel := context.WithTimeout(f.ctx, f.cfg.RequestTimeout)
		defer cancel()
		r, _, err := f.cfg.Store.Get(ctx, id)
		if errors.Is(err, collection.ErrCollectionNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		rec = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if f.cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(f.cfg.MaxRetries))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, f.ctx), func(err error, d time.Duration) {
		f.logger.Debugf("retrying policy read", map[string]any{
			"collection": describe(id),
			"error":      err.Error(),
			"backoff":    d.String(),
		})
	})
	return rec, err
}

func (f *MetadataFetcher) answer(err error, log *logging.Logger) {
	if err != nil && !errors.Is(err, policycache.ErrCacheClosed) {
		log.Errorf("policy cache update failed", map[string]any{"error": err.Error()})
	}
}

// Close stops accepting requests, cancels in-flight reads and waits for
// them to answer the cache.
func (f *MetadataFetcher) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		f.cancel()
	})
	f.wg.Wait()
	return nil
}

func describe(id sext.CollectionID) string {
	typ, name, ok := sext.ParseCollection(id)
	switch {
	case !ok:
		return "<undecodable>"
	case typ == "":
		return name
	default:
		return typ + "/" + name
	}
}
