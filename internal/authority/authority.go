// Package authority answers policy cache misses.
//
// A policy cache hands every cold lookup to a policycache.Fetcher. The
// fetchers here accept the request immediately and resolve it in the
// background, finishing with exactly one of Insert, InsertWithLifetime or
// Reject on the cache:
//
//   - a stored collection record is merged over the current default policy
//     and inserted without a lifetime;
//   - a collection without a record gets the default policy for a short
//     lifetime, so a record created later is picked up;
//   - an invalid record or an unreachable authority is rejected, and the
//     engine falls back to the disabled policy for that decision.
//
// MetadataFetcher reads records from the metadata store directly.
// KafkaFetcher sends requests to a responder over Kafka topics.
// Watcher keeps cached entries in step with record changes.
package authority

import (
	"time"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/policycache"
	"github.com/dray-io/lsmttl/internal/sext"
)

// Metric label values.
const (
	SourceMetadata = "metadata"
	SourceKafka    = "kafka"

	ResultFound    = "found"
	ResultAbsent   = "absent"
	ResultRejected = "rejected"
)

// DefaultFreshLifetime bounds how long the default policy is cached for a
// collection that has no record.
const DefaultFreshLifetime = 5 * time.Minute

// Cache is the part of the policy cache an authority writes to.
type Cache interface {
	Get(id sext.CollectionID) (expiry.ExpiryPolicy, bool)
	Insert(id sext.CollectionID, p expiry.ExpiryPolicy) error
	InsertWithLifetime(id sext.CollectionID, p expiry.ExpiryPolicy, lifetime time.Duration) error
	Reject(id sext.CollectionID) error
	Invalidate(id sext.CollectionID) bool
	Purge()
}

var _ Cache = (*policycache.Cache)(nil)

// Defaults returns the current process default policy.
type Defaults func() expiry.ExpiryPolicy

func staticDefaults(p expiry.ExpiryPolicy) Defaults {
	return func() expiry.ExpiryPolicy { return p }
}
