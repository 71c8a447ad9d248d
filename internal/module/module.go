// Package module wires the expiry engine, the collection key decoder, the
// object envelope decoder and the policy cache into the callbacks an LSM
// engine invokes on insert, on key retirement, while building a table file
// and when finalizing a compaction.
//
// A Module is constructed once by the engine's startup path and shut down
// once by its teardown path. Every callback is safe for concurrent use.
package module

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/lsmttl/internal/envelope"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/policycache"
	"github.com/dray-io/lsmttl/internal/sext"
)

// Callback labels used for unresolved-policy metrics.
const (
	CallbackInsert   = "insert"
	CallbackRetire   = "retire"
	CallbackBuild    = "build"
	CallbackFinalize = "finalize"
)

// ErrUnresolved is returned by ResolveFile when the policy governing a
// file's key range can't be determined.
var ErrUnresolved = errors.New("module: policy unresolved")

// Options configures a Module.
type Options struct {
	// Default is the process default policy. Nil uses
	// expiry.DefaultPolicy.
	Default *expiry.ExpiryPolicy
	// Cache configures the policy cache. Its Fetcher may be nil and set
	// later through Cache().SetFetcher.
	Cache policycache.Config
	// Now returns the current time. Defaults to time.Now.
	Now     func() time.Time
	Metrics *metrics.ExpiryMetrics
	Logger  *logging.Logger
}

// Module holds the process default policy and the collection policy cache.
type Module struct {
	def     atomic.Pointer[expiry.ExpiryPolicy]
	cache   *policycache.Cache
	now     func() time.Time
	metrics *metrics.ExpiryMetrics
	logger  *logging.Logger

	shutdownOnce sync.Once
}

// New creates a module and its policy cache.
func New(opts Options) (*Module, error) {
	cache, err := policycache.New(opts.Cache)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Module{
		cache:   cache,
		now:     now,
		metrics: opts.Metrics,
		logger:  logger.With(map[string]any{"component": "expiry_module"}),
	}
	def := expiry.DefaultPolicy()
	if opts.Default != nil {
		def = *opts.Default
	}
	m.def.Store(&def)
	return m, nil
}

// Cache returns the module's policy cache.
func (m *Module) Cache() *policycache.Cache {
	return m.cache
}

// Default returns the current process default policy.
func (m *Module) Default() expiry.ExpiryPolicy {
	return *m.def.Load()
}

// SetDefault replaces the process default policy. Callbacks already in
// flight keep the policy they loaded.
func (m *Module) SetDefault(p expiry.ExpiryPolicy) {
	m.def.Store(&p)
}

// Shutdown stops the policy cache. Blocked lookups return and later
// callbacks fall back as if no policy could be resolved. Shutdown is
// idempotent.
func (m *Module) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.cache.Shutdown()
		m.logger.Info("expiry module shut down")
	})
	return nil
}

// Dump logs the default policy and the number of cached collection
// policies.
func (m *Module) Dump() {
	def := m.Default()
	m.logger.Infof("expiry module state", map[string]any{
		"expiry_enabled":  def.Enabled,
		"expiry_minutes":  def.TTLMinutes,
		"unlimited":       def.Unlimited,
		"whole_files":     def.WholeFileExpiry,
		"cached_policies": m.cache.Len(),
	})
}

func (m *Module) nowMicros() uint64 {
	return uint64(m.now().UnixMicro())
}

// Policy returns the policy governing a user key. Keys outside the object
// key convention use the default policy. For collection keys the cache is
// consulted and may block while the policy is fetched. ok is false when the
// collection's policy could not be resolved.
func (m *Module) Policy(userKey []byte) (p expiry.ExpiryPolicy, ok bool) {
	id, isObject := sext.CollectionFromKey(userKey)
	if !isObject {
		return m.Default(), true
	}
	return m.cache.Lookup(id)
}

// decisionPolicy resolves the policy for a retire or finalize decision.
// An unresolved collection gets the disabled policy so that a failed
// lookup never expires more than a resolved one would.
func (m *Module) decisionPolicy(userKey []byte, callback string) expiry.ExpiryPolicy {
	p, ok := m.Policy(userKey)
	if !ok {
		m.metrics.RecordUnresolved(callback)
		return expiry.Disabled()
	}
	return p
}

// OnInsert returns the kind a record is written with. Plain records under
// an active policy, and write-time records without a time, are stamped with
// the write time found in the value's object envelope, or the current time
// when the value carries none.
//
// An unresolved collection is stamped under the default policy. Stamping
// only records when the value was written; it never expires anything.
func (m *Module) OnInsert(userKey, value []byte, kind expiry.RecordKind) expiry.RecordKind {
	if kind.Type != expiry.TypeValue && !(kind.Type == expiry.TypeWriteTime && kind.Time == 0) {
		return kind
	}

	p, ok := m.Policy(userKey)
	if !ok {
		m.metrics.RecordUnresolved(CallbackInsert)
		p = m.Default()
	}

	writeTime, found := envelope.LastWriteTime(value)
	if !found {
		writeTime = m.nowMicros()
	}
	stamped := expiry.StampOnInsert(kind, p, writeTime)
	if stamped != kind {
		m.metrics.RecordStamped()
	}
	return stamped
}

// OnKeyRetire reports whether the record behind an internal key has
// expired and can be dropped. Corrupt keys are kept.
func (m *Module) OnKeyRetire(internalKey []byte) bool {
	ik, err := expiry.ParseInternalKey(internalKey)
	if err != nil || !ik.Kind.Type.HasTime() {
		return false
	}
	p := m.decisionPolicy(ik.UserKey, CallbackRetire)
	if !expiry.IsExpired(ik.Kind, p, m.nowMicros()) {
		return false
	}
	m.metrics.RecordRetired(ik.Kind.Type.String())
	return true
}

// FileBuildState accumulates what a table file records about its keys
// while it is written.
type FileBuildState struct {
	Summary  expiry.FileExpirySummary
	Smallest []byte
	Largest  []byte
	Entries  uint64
}

// NewFileBuildState returns an empty build state.
func NewFileBuildState() *FileBuildState {
	return &FileBuildState{Summary: expiry.NewFileExpirySummary()}
}

// ExpiredCount returns the number of records that had already expired
// when they were written to the file.
func (s *FileBuildState) ExpiredCount() uint64 {
	return s.Summary.ExpiredCount
}

// Meta returns the file metadata for a finished file.
func (s *FileBuildState) Meta(level int, number, size uint64) expiry.FileMeta {
	return expiry.FileMeta{
		Level:    level,
		Number:   number,
		Smallest: s.Smallest,
		Largest:  s.Largest,
		Size:     size,
		Summary:  s.Summary,
	}
}

// OnFileBuild folds one internal key into the state of the file being
// built. Records that have already expired are counted; they act as
// tombstones until the file is compacted. Corrupt keys are skipped.
func (m *Module) OnFileBuild(internalKey []byte, state *FileBuildState) {
	ik, err := expiry.ParseInternalKey(internalKey)
	if err != nil {
		return
	}

	state.Entries++
	if state.Smallest == nil || bytes.Compare(ik.UserKey, state.Smallest) < 0 {
		state.Smallest = append([]byte(nil), ik.UserKey...)
	}
	if state.Largest == nil || bytes.Compare(ik.UserKey, state.Largest) > 0 {
		state.Largest = append([]byte(nil), ik.UserKey...)
	}

	state.Summary.Accumulate(ik.Kind)
	if !ik.Kind.Type.HasTime() {
		return
	}
	p := m.decisionPolicy(ik.UserKey, CallbackBuild)
	if p.TTLMinutes != 0 && expiry.IsExpired(ik.Kind, p, m.nowMicros()) {
		state.Summary.ExpiredCount++
	}
}

// ResolveFile returns the policy governing every key in a file's range. A
// file whose range may hold keys of more than one collection, or of a
// collection and plain keys, has no single policy and reports
// ErrUnresolved, as does a collection whose policy can't be fetched.
func (m *Module) ResolveFile(f *expiry.FileMeta) (expiry.ExpiryPolicy, error) {
	lowID, lowIsObject := sext.CollectionFromKey(f.Smallest)
	highID, highIsObject := sext.CollectionFromKey(f.Largest)

	switch {
	case !lowIsObject && !highIsObject:
		if sext.MayContainObjectKeys(f.Smallest, f.Largest) {
			return expiry.ExpiryPolicy{}, ErrUnresolved
		}
		return m.Default(), nil
	case lowIsObject != highIsObject, !bytes.Equal(lowID, highID):
		return expiry.ExpiryPolicy{}, ErrUnresolved
	}

	p, ok := m.cache.Lookup(lowID)
	if !ok {
		return expiry.ExpiryPolicy{}, ErrUnresolved
	}
	return p, nil
}

// OnCompactionFinalize returns the files of level that can be deleted
// without being rewritten, and whether there are any. With wantAll false
// it stops at the first such file. now is in microseconds since the Unix
// epoch; zero uses the module's clock.
func (m *Module) OnCompactionFinalize(wantAll bool, v *expiry.Version, level int, now uint64) ([]expiry.FileRef, bool) {
	if v == nil {
		return nil, false
	}
	if now == 0 {
		now = m.nowMicros()
	}

	start := time.Now()
	refs := expiry.FinalizeLevel(v, level, now, wantAll, func(f *expiry.FileMeta) (expiry.ExpiryPolicy, error) {
		p, err := m.ResolveFile(f)
		if err != nil {
			m.metrics.RecordUnresolved(CallbackFinalize)
		}
		return p, err
	})
	m.metrics.ObserveFinalize(time.Since(start).Seconds())
	m.metrics.RecordFilesExpired(level, len(refs))
	return refs, len(refs) > 0
}
