// Package retry holds the durable retry queue and its drain loop.
// Failed API calls are enqueued with a due time, replayed in due order,
// and dropped after the maximum-attempts ceiling. The queue is the
// engine's only self-perpetuating timer: as long as items remain, a
// next wake-up is kept scheduled, across process restarts included.
package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/store"
)

// Queue persists deferred calls ordered ascending by due time. Every
// mutation replaces the whole record; Version increments per save.
type Queue struct {
	kv  store.KV
	cfg *config.Config

	mu  sync.Mutex
	now func() time.Time
}

// NewQueue builds a queue over the given store.
func NewQueue(kv store.KV, cfg *config.Config) *Queue {
	return &Queue{kv: kv, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue inserts an item in due order and persists the queue. A
// missing id is assigned; Attempts is floored at 1. When no wake-up is
// pending, the next one is scheduled for the later of now+drain
// interval and the head's due time.
func (q *Queue) Enqueue(ctx context.Context, item models.RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Attempts == 0 {
		item.Attempts = 1
	}

	state, err := q.load(ctx)
	if err != nil {
		return err
	}

	state.Items = append(state.Items, item)
	sortByDue(state.Items)

	now := q.now()
	if state.NextWakeAt.IsZero() || !state.NextWakeAt.After(now) {
		state.NextWakeAt = nextWake(now, q.cfg.DrainInterval, state.Items)
	}

	return q.save(ctx, state)
}

// Snapshot returns the current persisted queue record.
func (q *Queue) Snapshot(ctx context.Context) (*models.RetryQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len reports the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	state, err := q.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(state.Items), nil
}

// popDue removes and returns the first item due at or before now.
// The mutated queue is persisted before the item is handed out, so a
// crash mid-replay loses at most one in-flight call, never the queue.
func (q *Queue) popDue(ctx context.Context, now time.Time) (*models.RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(state.Items) == 0 || state.Items[0].DueAt.After(now) {
		return nil, nil
	}

	item := state.Items[0]
	state.Items = append([]models.RetryItem(nil), state.Items[1:]...)
	state.NextWakeAt = nextWake(now, q.cfg.DrainInterval, state.Items)
	if err := q.save(ctx, state); err != nil {
		return nil, err
	}
	return &item, nil
}

// reschedule re-inserts an item whose due time was recomputed without
// counting a new attempt (lockout deferral).
func (q *Queue) reschedule(ctx context.Context, item models.RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.load(ctx)
	if err != nil {
		return err
	}
	state.Items = append(state.Items, item)
	sortByDue(state.Items)
	state.NextWakeAt = nextWake(q.now(), q.cfg.DrainInterval, state.Items)
	return q.save(ctx, state)
}

func (q *Queue) load(ctx context.Context) (*models.RetryQueue, error) {
	state := &models.RetryQueue{}
	if _, err := store.LoadJSON(ctx, q.kv, store.KeyRetryQueue, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (q *Queue) save(ctx context.Context, state *models.RetryQueue) error {
	state.Version++
	return store.SaveJSON(ctx, q.kv, store.KeyRetryQueue, state)
}

func sortByDue(items []models.RetryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].DueAt.Before(items[j].DueAt)
	})
}

func nextWake(now time.Time, interval time.Duration, items []models.RetryItem) time.Time {
	if len(items) == 0 {
		return time.Time{}
	}
	floor := now.Add(interval)
	if head := items[0].DueAt; head.After(floor) {
		return head
	}
	return floor
}
