package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/remote"
)

// ErrPermanent marks a non-retryable remote failure. The call is never
// queued; callers count it and move on.
var ErrPermanent = errors.New("permanent remote failure")

// Enqueuer accepts deferred calls for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, item models.RetryItem) error
}

// Governor converts failed API calls into backoff decisions. Rate-limit
// responses pause everyone through the tracker's global lockout; server
// errors only delay the one call.
type Governor struct {
	tracker *Tracker
	queue   Enqueuer
	cfg     *config.Config
	now     func() time.Time
}

// NewGovernor wires a governor over the tracker and retry queue.
func NewGovernor(tracker *Tracker, queue Enqueuer, cfg *config.Config) *Governor {
	return &Governor{tracker: tracker, queue: queue, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}

// HandleFailure records the failed call against the quota, then either
// queues it for retry with a computed delay or reports it permanent.
// The item's Attempts must already reflect the failed attempt (>= 1).
// Image fetches go to the CDN, not the API, so they never touch the
// quota counters.
func (g *Governor) HandleFailure(ctx context.Context, item models.RetryItem, status int, headers http.Header) error {
	if item.Attempts == 0 {
		item.Attempts = 1
	}

	if item.Kind != models.CallImageFetch {
		if err := g.tracker.RecordFailure(ctx, item.Endpoint, status, headers); err != nil {
			return err
		}
	}

	now := g.now()
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		delay := RateLimitDelay(g.cfg, item.Attempts, headers, now)
		if err := g.tracker.SetLockout(ctx, now.Add(delay)); err != nil {
			return err
		}
		item.DueAt = now.Add(delay)
		slog.Warn("rate limited, locking out",
			slog.String("endpoint", item.Endpoint),
			slog.Duration("delay", delay),
			slog.Uint64("attempts", uint64(item.Attempts)),
		)
		return g.queue.Enqueue(ctx, item)

	case status == 0 || (status >= 500 && status <= 599):
		// Timeouts and transport failures land here with status 0 and
		// are treated the same as a 5xx.
		delay := ServerErrorDelay(g.cfg, item.Attempts)
		item.DueAt = now.Add(delay)
		slog.Warn("transient server error, queueing retry",
			slog.String("endpoint", item.Endpoint),
			slog.Int("status", status),
			slog.Duration("delay", delay),
			slog.Uint64("attempts", uint64(item.Attempts)),
		)
		return g.queue.Enqueue(ctx, item)

	default:
		return fmt.Errorf("%w: %s returned status %d", ErrPermanent, item.Endpoint, status)
	}
}

// HandleCallError is a convenience wrapper around HandleFailure for
// errors produced by the remote client.
func (g *Governor) HandleCallError(ctx context.Context, item models.RetryItem, err error) error {
	if ce, ok := remote.AsCallError(err); ok {
		return g.HandleFailure(ctx, item, ce.Status, ce.Headers)
	}
	return g.HandleFailure(ctx, item, 0, nil)
}

// RateLimitDelay computes the pause after a 429/403. Priority order:
// an explicit retry-after header, then the x-ratelimit-reset timestamp
// clamped to the configured floor, then exponential backoff.
func RateLimitDelay(cfg *config.Config, attempts uint, headers http.Header, now time.Time) time.Duration {
	if raw := headers.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if raw := headers.Get("X-RateLimit-Reset"); raw != "" {
		if resetUnix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			delay := time.Unix(resetUnix, 0).Sub(now)
			if delay < cfg.RateLimitFloor {
				delay = cfg.RateLimitFloor
			}
			return delay
		}
	}

	return expBackoff(cfg.RateLimitBase, attempts, 0)
}

// ServerErrorDelay computes the per-call backoff after a 5xx/timeout.
func ServerErrorDelay(cfg *config.Config, attempts uint) time.Duration {
	return expBackoff(cfg.ServerErrorBase, attempts, cfg.ServerErrorCap)
}

func expBackoff(base time.Duration, attempts uint, ceiling time.Duration) time.Duration {
	if attempts == 0 {
		attempts = 1
	}
	// Shift saturates well before the ceiling matters for sane configs.
	if attempts > 16 {
		attempts = 16
	}
	delay := base * time.Duration(1<<(attempts-1))
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}
