// Package collection stores per-collection expiry properties in the
// metadata store and resolves them into expiry policies.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/keys"
	"github.com/dray-io/lsmttl/internal/sext"
)

// Common errors.
var (
	ErrCollectionNotFound = errors.New("collection: collection not found")
	ErrInvalidName        = errors.New("collection: invalid collection name")
	ErrConcurrentUpdate   = errors.New("collection: concurrent update")
)

// Record is the stored form of a collection's properties.
type Record struct {
	Type        string            `json:"type,omitempty" yaml:"type,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Properties  map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	CreatedAtMs int64             `json:"createdAtMs" yaml:"-"`
	UpdatedAtMs int64             `json:"updatedAtMs" yaml:"-"`
}

// ID returns the encoded collection id the record applies to.
func (r *Record) ID() sext.CollectionID {
	return sext.Collection(r.Type, r.Name)
}

// Policy resolves the record's properties against def.
func (r *Record) Policy(def expiry.ExpiryPolicy) (expiry.ExpiryPolicy, error) {
	return ToPolicy(r.Properties, def)
}

// Store provides collection property operations backed by MetadataStore.
type Store struct {
	meta metadata.MetadataStore
}

// NewStore creates a new collection store.
func NewStore(meta metadata.MetadataStore) *Store {
	return &Store{meta: meta}
}

// KeyFor returns the metadata key of a collection's record.
func KeyFor(id sext.CollectionID) (string, error) {
	return keys.CollectionKeyPath(id)
}

// IDFromKey returns the collection id a record key belongs to.
func IDFromKey(key string) (sext.CollectionID, error) {
	raw, err := keys.ParseCollectionKey(key)
	if err != nil {
		return nil, err
	}
	return sext.CollectionID(raw), nil
}

// Get retrieves the record of a collection.
func (s *Store) Get(ctx context.Context, id sext.CollectionID) (*Record, metadata.Version, error) {
	key, err := KeyFor(id)
	if err != nil {
		return nil, 0, err
	}
	result, err := s.meta.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("collection: get: %w", err)
	}
	if !result.Exists {
		return nil, 0, ErrCollectionNotFound
	}

	var rec Record
	if err := json.Unmarshal(result.Value, &rec); err != nil {
		return nil, 0, fmt.Errorf("collection: unmarshal record: %w", err)
	}
	return &rec, result.Version, nil
}

// GetByName retrieves a record by collection type and name.
func (s *Store) GetByName(ctx context.Context, typ, name string) (*Record, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	rec, _, err := s.Get(ctx, sext.Collection(typ, name))
	return rec, err
}

// PutRequest holds parameters for creating or replacing a collection record.
type PutRequest struct {
	Type       string
	Name       string
	Properties map[string]string
	NowMs      int64
}

// Put validates and stores a collection record. The write is conditional
// on the version read, so a concurrent writer yields ErrConcurrentUpdate.
func (s *Store) Put(ctx context.Context, req PutRequest) (*Record, error) {
	if req.Name == "" {
		return nil, ErrInvalidName
	}
	props, err := NormalizeProperties(req.Properties)
	if err != nil {
		return nil, err
	}

	id := sext.Collection(req.Type, req.Name)
	key, err := KeyFor(id)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Type:        req.Type,
		Name:        req.Name,
		Properties:  props,
		CreatedAtMs: req.NowMs,
		UpdatedAtMs: req.NowMs,
	}

	existing, version, err := s.Get(ctx, id)
	switch {
	case errors.Is(err, ErrCollectionNotFound):
		version = 0
	case err != nil:
		return nil, err
	default:
		rec.CreatedAtMs = existing.CreatedAtMs
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("collection: marshal record: %w", err)
	}
	if _, err := s.meta.Put(ctx, key, data, metadata.WithExpectedVersion(version)); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return nil, ErrConcurrentUpdate
		}
		return nil, fmt.Errorf("collection: put: %w", err)
	}
	return rec, nil
}

// Delete removes a collection record.
func (s *Store) Delete(ctx context.Context, typ, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	id := sext.Collection(typ, name)
	_, version, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	key, _ := KeyFor(id)
	if err := s.meta.Delete(ctx, key, metadata.WithDeleteExpectedVersion(version)); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return ErrConcurrentUpdate
		}
		return fmt.Errorf("collection: delete: %w", err)
	}
	return nil
}

// List returns every stored collection record in key order. Malformed
// records are skipped.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	kvs, err := s.meta.List(ctx, keys.CollectionsListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("collection: list: %w", err)
	}

	records := make([]Record, 0, len(kvs))
	for _, kv := range kvs {
		if !keys.IsCollectionKey(kv.Key) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetDefault returns the stored default policy properties, if any.
func (s *Store) GetDefault(ctx context.Context) (map[string]string, bool, error) {
	result, err := s.meta.Get(ctx, keys.DefaultPolicyKey)
	if err != nil {
		return nil, false, fmt.Errorf("collection: get default: %w", err)
	}
	if !result.Exists {
		return nil, false, nil
	}
	var props map[string]string
	if err := json.Unmarshal(result.Value, &props); err != nil {
		return nil, false, fmt.Errorf("collection: unmarshal default: %w", err)
	}
	return props, true, nil
}

// PutDefault stores default policy properties that override the configured
// default for every collection without its own record.
func (s *Store) PutDefault(ctx context.Context, props map[string]string) error {
	normalized, err := NormalizeProperties(props)
	if err != nil {
		return err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("collection: marshal default: %w", err)
	}
	if _, err := s.meta.Put(ctx, keys.DefaultPolicyKey, data); err != nil {
		return fmt.Errorf("collection: put default: %w", err)
	}
	return nil
}

// DeleteDefault removes the stored default policy override.
func (s *Store) DeleteDefault(ctx context.Context) error {
	if err := s.meta.Delete(ctx, keys.DefaultPolicyKey); err != nil {
		return fmt.Errorf("collection: delete default: %w", err)
	}
	return nil
}

// DecodeRecords reads a YAML list of collection records, as accepted by
// "lsmttld policy apply". Every record is validated.
func DecodeRecords(r io.Reader) ([]Record, error) {
	var doc struct {
		Collections []Record `yaml:"collections"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("collection: decode records: %w", err)
	}
	for i := range doc.Collections {
		rec := &doc.Collections[i]
		if rec.Name == "" {
			return nil, fmt.Errorf("collection: record %d: %w", i, ErrInvalidName)
		}
		if err := ValidateProperties(rec.Properties); err != nil {
			return nil, fmt.Errorf("collection: record %q: %w", rec.Name, err)
		}
	}
	return doc.Collections, nil
}
