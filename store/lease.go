package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// leaseRecord is the persisted form of a run-exclusion lease. The
// expiry is stored in the value as well as the key TTL so that
// backends without native expiry still self-heal after a crash.
type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lease provides cooperative run exclusion: a drain or batch pass
// acquires the named lease before starting and releases it on exit.
// An unreleased lease whose expiry has passed is eligible for a new
// owner, so a crashed run never wedges the engine.
type Lease struct {
	kv    KV
	name  string
	ttl   time.Duration
	owner string
	now   func() time.Time
}

// NewLease builds a lease with a fresh owner id.
func NewLease(kv KV, name string, ttl time.Duration) *Lease {
	return &Lease{
		kv:    kv,
		name:  name,
		ttl:   ttl,
		owner: uuid.NewString(),
		now:   time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Lease) SetClock(now func() time.Time) {
	l.now = now
}

// Acquire attempts to take the lease. It returns false when another
// live owner holds it. Re-acquiring one's own lease extends it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	var current leaseRecord
	ok, err := LoadJSON(ctx, l.kv, LeaseKey(l.name), &current)
	if err != nil {
		return false, err
	}
	now := l.now()
	if ok && current.Owner != l.owner && now.Before(current.ExpiresAt) {
		return false, nil
	}

	record := leaseRecord{Owner: l.owner, ExpiresAt: now.Add(l.ttl)}
	data, err := encodeLease(record)
	if err != nil {
		return false, err
	}
	if err := l.kv.SetTTL(ctx, LeaseKey(l.name), data, l.ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lease if this instance still owns it.
func (l *Lease) Release(ctx context.Context) error {
	var current leaseRecord
	ok, err := LoadJSON(ctx, l.kv, LeaseKey(l.name), &current)
	if err != nil {
		return err
	}
	if !ok || current.Owner != l.owner {
		return nil
	}
	return l.kv.Delete(ctx, LeaseKey(l.name))
}

func encodeLease(record leaseRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}
	return data, nil
}
