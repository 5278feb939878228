// Package store provides the durable key-value persistence consumed by
// the sync engine. All engine state (quota, retry queue, import jobs,
// mappings, dedup index) lives behind this interface as serialized
// records keyed by stable strings.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal durable key-value surface the engine depends on.
// SetTTL exists for lease records; implementations without native
// expiry may store the deadline inside the value instead.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Engine state keys. Mutable shared records (quota, retry queue) are
// replaced wholesale on every mutation.
const (
	KeyQuotaState  = "sync:quota"
	KeyRetryQueue  = "sync:retry_queue"
	KeyImportJob   = "sync:import_job"
	KeyBatches     = "sync:batches"
	prefixMapping = "sync:mapping:"
	prefixImage   = "sync:image:"
	prefixLease   = "sync:lease:"
)

// MappingKey addresses one remote-to-local entity mapping.
func MappingKey(kind, remoteID string) string {
	return prefixMapping + kind + ":" + remoteID
}

// ImageKey addresses one image dedup entry by exact source URL.
func ImageKey(sourceURL string) string {
	return prefixImage + sourceURL
}

// LeaseKey addresses a named run-exclusion lease.
func LeaseKey(name string) string {
	return prefixLease + name
}

// LoadJSON reads and unmarshals the record at key into v. The boolean
// reports whether the key existed.
func LoadJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	data, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON marshals v and replaces the record at key atomically.
func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
