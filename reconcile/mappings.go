// Package reconcile maps remote catalog entities onto local commerce
// records: one remote id to one local record, with image deduplication
// by source URL.
package reconcile

import (
	"context"
	"time"

	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/store"
)

// Mappings persists remote-to-local entity links. A mapping is created
// on first successful create and refreshed on every successful update;
// it is never deleted automatically.
type Mappings struct {
	kv  store.KV
	now func() time.Time
}

// NewMappings wires the mapping index over the KV store.
func NewMappings(kv store.KV) *Mappings {
	return &Mappings{kv: kv, now: time.Now}
}

// SetClock overrides the time source for tests.
func (m *Mappings) SetClock(now func() time.Time) {
	m.now = now
}

// Lookup returns the mapping for one remote entity, if any.
func (m *Mappings) Lookup(ctx context.Context, kind models.MappingKind, remoteID string) (*models.EntityMapping, bool, error) {
	var mapping models.EntityMapping
	found, err := store.LoadJSON(ctx, m.kv, store.MappingKey(string(kind), remoteID), &mapping)
	if err != nil || !found {
		return nil, false, err
	}
	return &mapping, true, nil
}

// Save records or refreshes the link between a remote id and its local
// record, stamping the sync time.
func (m *Mappings) Save(ctx context.Context, kind models.MappingKind, remoteID string, localID int64) error {
	mapping := models.EntityMapping{
		RemoteID:     remoteID,
		LocalID:      localID,
		Kind:         kind,
		LastSyncedAt: m.now().UTC(),
	}
	return store.SaveJSON(ctx, m.kv, store.MappingKey(string(kind), remoteID), mapping)
}
