package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/ratelimit"
	"github.com/aluiziolira/go-catalog-sync/remote"
	"github.com/aluiziolira/go-catalog-sync/store"
)

// Gate is the admission surface the drain loop consults. Satisfied by
// ratelimit.Tracker.
type Gate interface {
	Allowed(ctx context.Context, endpoint string) (bool, error)
	LockoutUntil(ctx context.Context) (time.Time, bool, error)
}

// FailureHandler requeues a failed replay with a recomputed delay.
// Satisfied by ratelimit.Governor.
type FailureHandler interface {
	HandleFailure(ctx context.Context, item models.RetryItem, status int, headers http.Header) error
}

// Drainer periodically replays due retry items, respecting the global
// lockout and the admission quotas. Runs are serialized through a
// store-backed lease so overlapping host invocations are harmless.
type Drainer struct {
	queue    *Queue
	registry *Registry
	gate     Gate
	governor FailureHandler
	lease    *store.Lease
	cfg      *config.Config
	now      func() time.Time
	onDrop   func(item models.RetryItem, reason string)
}

// NewDrainer wires a drainer over the queue.
func NewDrainer(queue *Queue, registry *Registry, gate Gate, governor FailureHandler, lease *store.Lease, cfg *config.Config) *Drainer {
	return &Drainer{
		queue:    queue,
		registry: registry,
		gate:     gate,
		governor: governor,
		lease:    lease,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (d *Drainer) SetClock(now func() time.Time) {
	d.now = now
}

// OnDrop installs a hook invoked whenever an item is removed without a
// successful replay (attempts ceiling or permanent remote failure).
func (d *Drainer) OnDrop(fn func(item models.RetryItem, reason string)) {
	d.onDrop = fn
}

func (d *Drainer) reportDrop(item models.RetryItem, reason string) {
	if d.onDrop != nil {
		d.onDrop(item, reason)
	}
}

// Due reports whether a drain pass should run now: the queue is
// non-empty and its scheduled wake-up has arrived. The wake-up floor
// (never sooner than one drain interval after the last mutation) is
// what keeps passes from firing the moment the head turns due. A
// persisted record without a wake-up, from a crash between saves, is
// due immediately.
func (d *Drainer) Due(ctx context.Context) (bool, error) {
	state, err := d.queue.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if len(state.Items) == 0 {
		return false, nil
	}
	if state.NextWakeAt.IsZero() {
		return true, nil
	}
	return !state.NextWakeAt.After(d.now()), nil
}

// Drain replays at most the configured batch of due items and returns
// how many were acted on and how many remain queued. A pass that loses
// the lease race returns (0, remaining, nil).
func (d *Drainer) Drain(ctx context.Context) (processed, remaining int, err error) {
	acquired, err := d.lease.Acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !acquired {
		count, err := d.queue.Len(ctx)
		return 0, count, err
	}
	defer func() {
		if releaseErr := d.lease.Release(ctx); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	for processed < d.cfg.DrainBatch {
		now := d.now()

		// A lockout deferral is distinct from a failed attempt: the
		// item's due time moves past the lockout, attempts untouched.
		if until, locked, gateErr := d.gate.LockoutUntil(ctx); gateErr != nil {
			return processed, 0, gateErr
		} else if locked {
			if deferErr := d.deferDue(ctx, now, until); deferErr != nil {
				return processed, 0, deferErr
			}
			break
		}

		item, popErr := d.queue.popDue(ctx, now)
		if popErr != nil {
			return processed, 0, popErr
		}
		if item == nil {
			break
		}

		// Quota exhaustion halts the pass; the item goes back intact.
		if allowed, gateErr := d.gate.Allowed(ctx, item.Endpoint); gateErr != nil {
			return processed, 0, gateErr
		} else if !allowed {
			if requeueErr := d.queue.reschedule(ctx, *item); requeueErr != nil {
				return processed, 0, requeueErr
			}
			break
		}

		if handleErr := d.replay(ctx, *item); handleErr != nil {
			return processed, 0, handleErr
		}
		processed++
	}

	remaining, err = d.queue.Len(ctx)
	return processed, remaining, err
}

// replay runs one item through its registered handler and routes the
// outcome: success drops it, transient failure reschedules with
// backoff, the attempts ceiling or a permanent status drops it with a
// terminal-failure report.
func (d *Drainer) replay(ctx context.Context, item models.RetryItem) error {
	handler, ok := d.registry.Handler(item.Kind)
	if !ok {
		slog.Error("retry item has no registered handler, dropping",
			slog.String("id", item.ID),
			slog.String("kind", string(item.Kind)),
		)
		return nil
	}

	callErr := handler(ctx, item)
	if callErr == nil {
		slog.Debug("retry succeeded",
			slog.String("id", item.ID),
			slog.String("endpoint", item.Endpoint),
			slog.Uint64("attempts", uint64(item.Attempts)),
		)
		return nil
	}

	item.Attempts++
	if item.Attempts >= d.cfg.MaxAttempts {
		slog.Error("retry ceiling reached, dropping permanently",
			slog.String("id", item.ID),
			slog.String("endpoint", item.Endpoint),
			slog.Uint64("attempts", uint64(item.Attempts)),
			slog.Any("error", callErr),
		)
		d.reportDrop(item, "attempts_exhausted")
		return nil
	}

	ce, ok := remote.AsCallError(callErr)
	if !ok {
		// Non-call failures (local store hiccups during replay) get the
		// server-error treatment.
		return ignorePermanent(d.governor.HandleFailure(ctx, item, 0, nil))
	}
	if ce.Permanent() {
		slog.Error("retry hit permanent remote failure, dropping",
			slog.String("id", item.ID),
			slog.String("endpoint", item.Endpoint),
			slog.Int("status", ce.Status),
		)
		d.reportDrop(item, "permanent_failure")
		return nil
	}
	return ignorePermanent(d.governor.HandleFailure(ctx, item, ce.Status, ce.Headers))
}

// deferDue pushes every currently-due item past the lockout without
// incrementing attempts.
func (d *Drainer) deferDue(ctx context.Context, now, lockoutUntil time.Time) error {
	deferred := lockoutUntil
	if floor := now.Add(d.cfg.DrainInterval); floor.After(deferred) {
		deferred = floor
	}

	for {
		item, err := d.queue.popDue(ctx, now)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		item.DueAt = deferred
		if err := d.queue.reschedule(ctx, *item); err != nil {
			return err
		}
		slog.Info("lockout active, deferring retry item",
			slog.String("id", item.ID),
			slog.Time("due_at", item.DueAt),
		)
	}
}

func ignorePermanent(err error) error {
	// HandleFailure reports non-retryable statuses via ErrPermanent;
	// inside a drain pass that is a terminal drop, not a pass failure.
	if errors.Is(err, ratelimit.ErrPermanent) {
		return nil
	}
	return err
}
