package server

import (
	"context"
	"errors"

	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/keys"
	"github.com/dray-io/lsmttl/internal/objectstore"
)

// healthCheckKey is read, never written, to check the metadata store.
const healthCheckKey = keys.Prefix + "/health-check"

// MetadataStoreChecker checks the metadata store with a Get.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

// CheckReady succeeds when the store answers, whether or not the health key
// exists.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, healthCheckKey)
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// ObjectStoreChecker checks the object store by listing a prefix.
type ObjectStoreChecker struct {
	store  objectstore.Store
	prefix string
}

// NewObjectStoreChecker lists prefix on every check. The manifest prefix is
// the natural choice.
func NewObjectStoreChecker(store objectstore.Store, prefix string) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store, prefix: prefix}
}

func (c *ObjectStoreChecker) Name() string {
	return "object_store"
}

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, c.prefix)
	if err == nil || errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// PolicyCacheChecker fails once the policy cache has shut down.
type PolicyCacheChecker struct {
	done <-chan struct{}
}

// NewPolicyCacheChecker watches a cache's done channel.
func NewPolicyCacheChecker(done <-chan struct{}) *PolicyCacheChecker {
	return &PolicyCacheChecker{done: done}
}

func (c *PolicyCacheChecker) Name() string {
	return "policy_cache"
}

func (c *PolicyCacheChecker) CheckReady(ctx context.Context) error {
	select {
	case <-c.done:
		return errors.New("policy cache is shut down")
	default:
		return nil
	}
}

// WorkerChecker reports a background worker as unready while it isn't
// running.
type WorkerChecker struct {
	name      string
	isRunning func() bool
}

// NewWorkerChecker creates a checker for the named worker. A nil isRunning
// means the worker is not configured and is always ready.
func NewWorkerChecker(name string, isRunning func() bool) *WorkerChecker {
	return &WorkerChecker{name: name, isRunning: isRunning}
}

func (c *WorkerChecker) Name() string {
	return c.name
}

func (c *WorkerChecker) CheckReady(ctx context.Context) error {
	if c.isRunning == nil {
		return nil
	}
	if !c.isRunning() {
		return errors.New(c.name + " is not running")
	}
	return nil
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
