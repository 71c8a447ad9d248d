// Package sweep implements the manifest sweep worker. It periodically
// reads every level manifest under a prefix, asks the expiry module which
// files have fully expired, and writes one expiry edit per level that has
// any. The engine owning the manifest applies the edits.
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/manifest"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/keys"
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/objectstore"
)

// DefaultInterval is the time between sweep passes.
const DefaultInterval = 5 * time.Minute

// Finalizer decides which files of a level can be deleted outright.
// *module.Module implements it.
type Finalizer interface {
	OnCompactionFinalize(wantAll bool, v *expiry.Version, level int, now uint64) ([]expiry.FileRef, bool)
}

// Config configures a Worker.
type Config struct {
	// ManifestPrefix is listed for manifests on every pass.
	ManifestPrefix string
	// EditPrefix is where edits are written.
	EditPrefix string
	Codec      manifest.Codec
	// Interval between passes. Default: 5 minutes.
	Interval time.Duration
	// Owner identifies this worker in the sweep lease. Defaults to a
	// random id.
	Owner   string
	Now     func() time.Time
	Metrics *metrics.SweepMetrics
	Logger  *logging.Logger
}

// State is the sweep record kept per manifest in the metadata store.
type State struct {
	ETag      string `json:"etag"`
	SweptAtMs int64  `json:"sweptAtMs"`
	Edits     int    `json:"edits"`
}

// Result summarizes one pass.
type Result struct {
	// Leader is false when another worker holds the sweep lease and the
	// pass did nothing.
	Leader    bool
	Scanned   int
	Skipped   int
	Edits     []string
	FilesDead int
}

// Worker sweeps level manifests for fully expired files.
type Worker struct {
	meta   metadata.MetadataStore
	obj    objectstore.Store
	fin    Finalizer
	config Config
	logger *logging.Logger

	leaseMu      sync.Mutex
	leaseVersion *metadata.Version

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWorker creates a sweep worker.
func NewWorker(meta metadata.MetadataStore, obj objectstore.Store, fin Finalizer, config Config) (*Worker, error) {
	if meta == nil || obj == nil || fin == nil {
		return nil, errors.New("sweep: metadata store, object store and finalizer are required")
	}
	codec, err := manifest.ParseCodec(string(config.Codec))
	if err != nil {
		return nil, err
	}
	config.Codec = codec
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Owner == "" {
		config.Owner = uuid.New().String()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Worker{
		meta:   meta,
		obj:    obj,
		fin:    fin,
		config: config,
		logger: logger.With(map[string]any{"component": "sweep", "owner": config.Owner}),
	}, nil
}

// Start begins the background loop.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

// Stop stops the loop, waits for the pass in progress and releases the
// sweep lease.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.releaseLease(ctx)
}

// Running reports whether the background loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.pass(ctx)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	res, err := w.ScanOnce(ctx)
	if err != nil {
		w.logger.Warnf("sweep pass failed", map[string]any{"error": err.Error()})
		return
	}
	if res.Leader {
		w.logger.Debugf("sweep pass complete", map[string]any{
			"scanned": res.Scanned,
			"skipped": res.Skipped,
			"edits":   len(res.Edits),
			"files":   res.FilesDead,
		})
	}
}

// ScanOnce performs one pass synchronously. A manifest that fails is left
// for the next pass; the errors of all failed manifests are returned
// together.
func (w *Worker) ScanOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := w.scan(ctx)
	if res.Leader || err != nil {
		w.config.Metrics.RecordRun(err, time.Since(start))
	}
	return res, err
}

func (w *Worker) scan(ctx context.Context) (Result, error) {
	var res Result
	leader, err := w.acquireLease(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep lease: %w", err)
	}
	if !leader {
		return res, nil
	}
	res.Leader = true

	objs, err := w.obj.List(ctx, objectstore.NormalizeKey(w.config.ManifestPrefix))
	if err != nil {
		return res, fmt.Errorf("list manifests: %w", err)
	}

	var result *multierror.Error
	for _, o := range objs {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := w.sweepManifest(ctx, o, &res); err != nil {
			result = multierror.Append(result, fmt.Errorf("manifest %s: %w", o.Key, err))
		}
	}
	return res, result.ErrorOrNil()
}

func (w *Worker) sweepManifest(ctx context.Context, obj objectstore.ObjectMeta, res *Result) error {
	stateKey := keys.SweepKeyPath(obj.Key)
	prev, err := w.meta.Get(ctx, stateKey)
	if err != nil {
		return err
	}
	if prev.Exists {
		var st State
		if err := json.Unmarshal(prev.Value, &st); err == nil && obj.ETag != "" && st.ETag == obj.ETag {
			res.Skipped++
			w.config.Metrics.RecordManifest(true)
			return nil
		}
	}

	v, meta, err := manifest.Load(ctx, w.obj, obj.Key)
	if err != nil {
		return err
	}
	res.Scanned++
	w.config.Metrics.RecordManifest(false)

	now := w.config.Now()
	nowMicros := uint64(now.UnixMicro())
	edits := 0
	for level := 0; level < v.NumLevels(); level++ {
		refs, ok := w.fin.OnCompactionFinalize(true, v, level, nowMicros)
		if !ok {
			continue
		}
		key, err := manifest.PutEdit(ctx, w.obj, w.config.EditPrefix, w.config.Codec, manifest.Edit{
			Manifest:    obj.Key,
			ETag:        meta.ETag,
			Level:       level,
			Files:       refs,
			CreatedAtMs: now.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("write edit for level %d: %w", level, err)
		}
		edits++
		res.Edits = append(res.Edits, key)
		res.FilesDead += len(refs)
		w.config.Metrics.RecordEdit(len(refs))
		w.logger.Infof("wrote expiry edit", map[string]any{
			"manifest": obj.Key,
			"level":    level,
			"files":    len(refs),
			"edit":     key,
		})
	}

	data, err := json.Marshal(State{ETag: meta.ETag, SweptAtMs: now.UnixMilli(), Edits: edits})
	if err != nil {
		return err
	}
	_, err = w.meta.Put(ctx, stateKey, data)
	return err
}

// acquireLease takes or renews the sweep lease. It reports false when
// another worker holds it.
func (w *Worker) acquireLease(ctx context.Context) (bool, error) {
	w.leaseMu.Lock()
	defer w.leaseMu.Unlock()

	value := []byte(w.config.Owner)
	if w.leaseVersion != nil {
		v, err := w.meta.PutEphemeral(ctx, keys.SweepLeaseKey, value, metadata.WithEphemeralExpectedVersion(*w.leaseVersion))
		if err == nil {
			w.leaseVersion = &v
			return true, nil
		}
		if !errors.Is(err, metadata.ErrVersionMismatch) && !errors.Is(err, metadata.ErrSessionExpired) {
			return false, err
		}
		w.leaseVersion = nil
		w.logger.Warn("sweep lease lost")
	}

	v, err := w.meta.PutEphemeral(ctx, keys.SweepLeaseKey, value, metadata.WithEphemeralExpectNotExists())
	if errors.Is(err, metadata.ErrVersionMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.leaseVersion = &v
	w.logger.Info("sweep lease acquired")
	return true, nil
}

func (w *Worker) releaseLease(ctx context.Context) {
	w.leaseMu.Lock()
	defer w.leaseMu.Unlock()

	if w.leaseVersion == nil {
		return
	}
	err := w.meta.Delete(ctx, keys.SweepLeaseKey, metadata.WithDeleteExpectedVersion(*w.leaseVersion))
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) && !errors.Is(err, metadata.ErrVersionMismatch) {
		w.logger.Warnf("failed to release sweep lease", map[string]any{"error": err.Error()})
	}
	w.leaseVersion = nil
}
