// Package ratelimit enforces the remote API's quotas. The Tracker
// answers admission questions from a persisted QuotaState record; the
// Governor turns failed calls into backoff delays and retry queue items.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/store"
)

// minuteWindow is the span of the sliding per-minute counter.
const minuteWindow = time.Minute

// Tracker maintains the daily and sliding per-minute call counters plus
// the global lockout gate. State is read-modify-written as one record;
// the scheduling model guarantees a single logical writer, the mutex
// only guards in-process callers.
type Tracker struct {
	kv  store.KV
	cfg *config.Config

	mu  sync.Mutex
	now func() time.Time
}

// NewTracker builds a tracker over the given store.
func NewTracker(kv store.KV, cfg *config.Config) *Tracker {
	return &Tracker{kv: kv, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Allowed reports whether a call to the endpoint may be dispatched now.
// Denial is a backpressure signal, not an error; the error return is
// reserved for store failures.
func (t *Tracker) Allowed(ctx context.Context, endpoint string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return false, err
	}

	now := t.now()
	changed := rollDay(state, now)
	changed = pruneWindow(state, now) || changed

	allowed := true
	switch {
	case state.GlobalLockoutUntil != nil && now.Before(*state.GlobalLockoutUntil):
		allowed = false
	case state.DailyCount >= t.cfg.DailyLimit:
		allowed = false
	case len(state.MinuteWindow) >= t.cfg.PerMinuteLimit:
		allowed = false
	}

	if changed {
		if err := t.save(ctx, state); err != nil {
			return false, err
		}
	}
	return allowed, nil
}

// RecordSuccess counts an admitted call and caches any x-ratelimit-*
// headers the remote sent. The cached headers are read-only signals,
// never used to gate admission directly.
func (t *Tracker) RecordSuccess(ctx context.Context, endpoint string, headers http.Header) error {
	return t.record(ctx, headers)
}

// RecordFailure counts a failed call against the same quotas; a rejected
// call still consumed a request slot on the remote side.
func (t *Tracker) RecordFailure(ctx context.Context, endpoint string, status int, headers http.Header) error {
	return t.record(ctx, headers)
}

// LockoutUntil reports the active global lockout deadline, if any.
func (t *Tracker) LockoutUntil(ctx context.Context) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	now := t.now()
	if rollDay(state, now) {
		if err := t.save(ctx, state); err != nil {
			return time.Time{}, false, err
		}
	}
	if state.GlobalLockoutUntil == nil || !now.Before(*state.GlobalLockoutUntil) {
		return time.Time{}, false, nil
	}
	return *state.GlobalLockoutUntil, true, nil
}

// SetLockout declares a global lockout window during which no calls of
// any kind are admitted. A shorter window never shortens an active one.
func (t *Tracker) SetLockout(ctx context.Context, until time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return err
	}
	if state.GlobalLockoutUntil == nil || until.After(*state.GlobalLockoutUntil) {
		state.GlobalLockoutUntil = &until
	}
	return t.save(ctx, state)
}

func (t *Tracker) record(ctx context.Context, headers http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return err
	}

	now := t.now()
	rollDay(state, now)
	pruneWindow(state, now)

	state.DailyCount++
	state.MinuteWindow = append(state.MinuteWindow, now)
	cacheRateLimitHeaders(state, headers)

	return t.save(ctx, state)
}

func (t *Tracker) load(ctx context.Context) (*models.QuotaState, error) {
	state := &models.QuotaState{}
	ok, err := store.LoadJSON(ctx, t.kv, store.KeyQuotaState, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		state.DailyResetAt = nextUTCMidnight(t.now())
	}
	return state, nil
}

func (t *Tracker) save(ctx context.Context, state *models.QuotaState) error {
	state.Version++
	return store.SaveJSON(ctx, t.kv, store.KeyQuotaState, state)
}

// rollDay resets the daily counter when the clock crosses the stored
// UTC day boundary; the reset also clears any stale global lockout.
func rollDay(state *models.QuotaState, now time.Time) bool {
	if state.DailyResetAt.IsZero() {
		state.DailyResetAt = nextUTCMidnight(now)
		return true
	}
	if now.Before(state.DailyResetAt) {
		return false
	}
	state.DailyCount = 0
	state.DailyResetAt = nextUTCMidnight(now)
	state.GlobalLockoutUntil = nil
	return true
}

func pruneWindow(state *models.QuotaState, now time.Time) bool {
	cutoff := now.Add(-minuteWindow)
	kept := state.MinuteWindow[:0]
	for _, ts := range state.MinuteWindow {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	changed := len(kept) != len(state.MinuteWindow)
	state.MinuteWindow = kept
	return changed
}

func cacheRateLimitHeaders(state *models.QuotaState, headers http.Header) {
	for name, values := range headers {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-ratelimit-") || len(values) == 0 {
			continue
		}
		if state.RateLimitHeaders == nil {
			state.RateLimitHeaders = make(map[string]string)
		}
		state.RateLimitHeaders[lower] = values[0]
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
