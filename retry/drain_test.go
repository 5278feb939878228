package retry

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/ratelimit"
	"github.com/aluiziolira/go-catalog-sync/remote"
	"github.com/aluiziolira/go-catalog-sync/store"
)

// drainRig wires a real queue, tracker and governor over one memory
// store, with a scripted handler and a controllable clock.
type drainRig struct {
	cfg     *config.Config
	kv      *store.Memory
	queue   *Queue
	tracker *ratelimit.Tracker
	drainer *Drainer
	clock   *fakeClock
	calls   *callLog
}

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

type callLog struct {
	mu      sync.Mutex
	replays []string
	results map[string][]error
}

func (c *callLog) handler(_ context.Context, item models.RetryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replays = append(c.replays, item.ID)
	queue := c.results[item.ID]
	if len(queue) == 0 {
		return nil
	}
	result := queue[0]
	c.results[item.ID] = queue[1:]
	return result
}

func (c *callLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replays)
}

func (c *callLog) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.replays))
	copy(out, c.replays)
	return out
}

func newDrainRig(t *testing.T, mutate func(*config.Config)) *drainRig {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemory()
	kv.SetClock(clock.Now)

	queue := NewQueue(kv, cfg)
	queue.SetClock(clock.Now)

	tracker := ratelimit.NewTracker(kv, cfg)
	tracker.SetClock(clock.Now)

	governor := ratelimit.NewGovernor(tracker, queue, cfg)
	governor.SetClock(clock.Now)

	calls := &callLog{results: make(map[string][]error)}
	registry := NewRegistry()
	registry.Register(models.CallProductFetch, calls.handler)
	registry.Register(models.CallOrderPush, calls.handler)

	lease := store.NewLease(kv, "drain", cfg.LeaseTTL)
	lease.SetClock(clock.Now)

	drainer := NewDrainer(queue, registry, tracker, governor, lease, cfg)
	drainer.SetClock(clock.Now)

	return &drainRig{cfg: cfg, kv: kv, queue: queue, tracker: tracker, drainer: drainer, clock: clock, calls: calls}
}

func (r *drainRig) enqueue(t *testing.T, id string, due time.Time, attempts uint) {
	t.Helper()
	err := r.queue.Enqueue(context.Background(), models.RetryItem{
		ID:       id,
		Kind:     models.CallProductFetch,
		Endpoint: "/products/" + id,
		DueAt:    due,
		Attempts: attempts,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestDrainProcessesDueItemsInOrder(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, nil)
	now := rig.clock.Now()

	rig.enqueue(t, "late", now.Add(-time.Second), 1)
	rig.enqueue(t, "earliest", now.Add(-time.Minute), 1)
	rig.enqueue(t, "future", now.Add(time.Hour), 1)

	processed, remaining, err := rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want the future item", remaining)
	}
	if got := rig.calls.order(); len(got) != 2 || got[0] != "earliest" || got[1] != "late" {
		t.Fatalf("replay order = %v", got)
	}
}

func TestDrainRespectsBatchCap(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, func(cfg *config.Config) {
		cfg.DrainBatch = 10
		cfg.PerMinuteLimit = 1000
	})
	now := rig.clock.Now()

	for i := 0; i < 14; i++ {
		rig.enqueue(t, string(rune('a'+i)), now.Add(-time.Minute), 1)
	}

	processed, remaining, err := rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 10 {
		t.Fatalf("processed = %d, want the drain batch cap of 10", processed)
	}
	if remaining != 4 {
		t.Fatalf("remaining = %d, want 4", remaining)
	}
}

func TestDrainTransientFailureReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, nil)
	now := rig.clock.Now()

	rig.calls.results["flaky"] = []error{
		&remote.CallError{Endpoint: "/products/flaky", Status: http.StatusBadGateway, Err: nil},
	}
	rig.enqueue(t, "flaky", now.Add(-time.Second), 1)

	if _, _, err := rig.drainer.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	state, _ := rig.queue.Snapshot(ctx)
	if len(state.Items) != 1 {
		t.Fatalf("item should be rescheduled, queue = %+v", state.Items)
	}
	item := state.Items[0]
	if item.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", item.Attempts)
	}
	// Second attempt backs off 30 * 2^(2-1) = 60s.
	if want := rig.clock.Now().Add(60 * time.Second); !item.DueAt.Equal(want) {
		t.Fatalf("due at %v, want %v", item.DueAt, want)
	}
}

func TestDrainDropsItemAtAttemptsCeiling(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, nil)

	rig.calls.results["doomed"] = []error{
		&remote.CallError{Endpoint: "/products/doomed", Status: http.StatusInternalServerError},
	}
	// Four failures already recorded; the replay is failure number five.
	rig.enqueue(t, "doomed", rig.clock.Now().Add(-time.Second), 4)

	processed, remaining, err := rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}
	if remaining != 0 {
		t.Fatalf("item at the ceiling must be dropped, remaining = %d", remaining)
	}

	// Nothing left to replay a sixth time.
	rig.clock.Advance(24 * time.Hour)
	if _, _, err := rig.drainer.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if rig.calls.count() != 1 {
		t.Fatalf("replays = %d, want exactly 1", rig.calls.count())
	}
}

func TestDrainPermanentFailureDropped(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, nil)

	rig.calls.results["gone"] = []error{
		&remote.CallError{Endpoint: "/products/gone", Status: http.StatusNotFound},
	}
	rig.enqueue(t, "gone", rig.clock.Now().Add(-time.Second), 1)

	if _, remaining, err := rig.drainer.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	} else if remaining != 0 {
		t.Fatalf("permanent failure must not be requeued, remaining = %d", remaining)
	}
}

func TestDrainLockoutDefersWithoutCountingAttempts(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, nil)
	now := rig.clock.Now()

	rig.enqueue(t, "held", now.Add(-time.Second), 3)

	lockoutUntil := now.Add(10 * time.Minute)
	if err := rig.tracker.SetLockout(ctx, lockoutUntil); err != nil {
		t.Fatalf("set lockout: %v", err)
	}

	processed, remaining, err := rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 0 {
		t.Fatalf("nothing should be replayed under lockout, processed = %d", processed)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
	if rig.calls.count() != 0 {
		t.Fatalf("handler must not run under lockout")
	}

	state, _ := rig.queue.Snapshot(ctx)
	item := state.Items[0]
	if item.Attempts != 3 {
		t.Fatalf("lockout deferral must not touch attempts, got %d", item.Attempts)
	}
	if !item.DueAt.Equal(lockoutUntil) {
		t.Fatalf("due at %v, want lockout end %v", item.DueAt, lockoutUntil)
	}

	// After the lockout passes the item replays normally.
	rig.clock.Advance(11 * time.Minute)
	processed, _, err = rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain after lockout: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d after lockout, want 1", processed)
	}
}

func TestDrainHaltsWhenQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, func(cfg *config.Config) {
		cfg.DailyLimit = 1
	})
	now := rig.clock.Now()

	// Burn the whole daily quota.
	if err := rig.tracker.RecordSuccess(ctx, "/products", nil); err != nil {
		t.Fatalf("record success: %v", err)
	}

	rig.enqueue(t, "starved", now.Add(-time.Second), 1)

	processed, remaining, err := rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 0 || remaining != 1 {
		t.Fatalf("processed=%d remaining=%d, want 0/1", processed, remaining)
	}
	if rig.calls.count() != 0 {
		t.Fatalf("handler must not run without admission")
	}
}

func TestDrainLeaseExcludesConcurrentPass(t *testing.T) {
	ctx := context.Background()
	rig := newDrainRig(t, nil)
	rig.enqueue(t, "solo", rig.clock.Now().Add(-time.Second), 1)

	// A competing holder owns the lease.
	competitor := store.NewLease(rig.kv, "drain", rig.cfg.LeaseTTL)
	competitor.SetClock(rig.clock.Now)
	if ok, _ := competitor.Acquire(ctx); !ok {
		t.Fatalf("competitor acquire failed")
	}

	processed, remaining, err := rig.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 0 || remaining != 1 {
		t.Fatalf("lease-blocked pass must be a no-op, processed=%d remaining=%d", processed, remaining)
	}

	if err := competitor.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if processed, _, _ = rig.drainer.Drain(ctx); processed != 1 {
		t.Fatalf("processed = %d after lease freed, want 1", processed)
	}
}

func TestDrainerDueOnStartup(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	kv := store.NewMemory()
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	seeder := NewQueue(kv, cfg)
	seeder.SetClock(clock.Now)
	err := seeder.Enqueue(ctx, models.RetryItem{
		ID: "carried-over", Kind: models.CallProductFetch, DueAt: clock.Now().Add(-time.Hour), Attempts: 1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Fresh process: a new queue and drainer over the persisted store.
	restarted := NewQueue(kv, cfg)
	restarted.SetClock(clock.Now)
	tracker := ratelimit.NewTracker(kv, cfg)
	tracker.SetClock(clock.Now)
	governor := ratelimit.NewGovernor(tracker, restarted, cfg)
	drainer := NewDrainer(restarted, NewRegistry(), tracker, governor, store.NewLease(kv, "drain", cfg.LeaseTTL), cfg)
	drainer.SetClock(clock.Now)

	// The wake-up persisted at enqueue time still governs: one drain
	// interval after the last mutation, even though the head is overdue.
	if due, err := drainer.Due(ctx); err != nil || due {
		t.Fatalf("due before wake-up = (%v, %v), want (false, nil)", due, err)
	}
	clock.Advance(cfg.DrainInterval)
	due, err := drainer.Due(ctx)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !due {
		t.Fatalf("non-empty persisted queue must come due after restart")
	}
}

func TestDrainerDueHonorsWakeFloor(t *testing.T) {
	rig := newDrainRig(t, nil)
	ctx := context.Background()

	// Head due 5s from now, but the wake-up lands at now+30s: the pass
	// must wait for the wake-up, not the head.
	rig.enqueue(t, "early-head", rig.clock.Now().Add(5*time.Second), 1)

	rig.clock.Advance(6 * time.Second)
	if due, err := rig.drainer.Due(ctx); err != nil || due {
		t.Fatalf("due with head overdue but wake pending = (%v, %v), want (false, nil)", due, err)
	}

	rig.clock.Advance(25 * time.Second)
	if due, err := rig.drainer.Due(ctx); err != nil || !due {
		t.Fatalf("due after wake-up = (%v, %v), want (true, nil)", due, err)
	}
}
