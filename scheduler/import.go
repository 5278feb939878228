// Package scheduler runs catalog imports as staggered batches against
// the admission-controlled remote API, and pushes local order state
// back out through the same gate.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/events"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/ratelimit"
	"github.com/aluiziolira/go-catalog-sync/remote"
	"github.com/aluiziolira/go-catalog-sync/store"
)

var (
	// ErrImportRunning is returned when a new import is requested while
	// the previous one still has unprocessed entities.
	ErrImportRunning = errors.New("an import is already running")
	// ErrAdmissionDenied signals quota or lockout backpressure. Callers
	// must not retry immediately.
	ErrAdmissionDenied = errors.New("call denied by rate-limit admission")
	// ErrNoJob is returned when no import job exists.
	ErrNoJob = errors.New("no import job found")
)

// errBatchDeferred stops a processing pass when admission dries up
// mid-batch; the remaining work stays scheduled.
var errBatchDeferred = errors.New("batch deferred by admission")

// Reconciler applies one remote entity onto the local store.
type Reconciler interface {
	Reconcile(ctx context.Context, p *models.RemoteProduct) (localID int64, created bool, err error)
}

// Scheduler owns import jobs: candidate resolution, batching with
// staggered due times, per-item processing with failure isolation, and
// the order push-back path.
type Scheduler struct {
	kv        store.KV
	client    *remote.Client
	tracker   *ratelimit.Tracker
	governor  *ratelimit.Governor
	rec       Reconciler
	lease     *store.Lease
	publisher events.Publisher
	metrics   *Metrics
	cfg       *config.Config
	now       func() time.Time
}

// New wires a scheduler. The lease serializes batch-processing passes
// the same way the drain loop serializes its own.
func New(kv store.KV, client *remote.Client, tracker *ratelimit.Tracker, governor *ratelimit.Governor, rec Reconciler, lease *store.Lease, publisher events.Publisher, metrics *Metrics, cfg *config.Config) *Scheduler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Scheduler{
		kv:        kv,
		client:    client,
		tracker:   tracker,
		governor:  governor,
		rec:       rec,
		lease:     lease,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// StartImport resolves the candidate entity list once, records the job,
// and schedules fixed-size batches due at now + index*stagger. The
// stagger spreads load against the same quota the admission gate
// enforces instead of bursting.
func (s *Scheduler) StartImport(ctx context.Context, filter string, mode models.SyncMode) (*models.ImportJob, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid sync mode %q", mode)
	}

	var current models.ImportJob
	if found, err := store.LoadJSON(ctx, s.kv, store.KeyImportJob, &current); err != nil {
		return nil, err
	} else if found && current.Running() {
		return nil, ErrImportRunning
	}

	if allowed, err := s.tracker.Allowed(ctx, "/products"); err != nil {
		return nil, err
	} else if !allowed {
		s.metrics.IncAdmissionDenied()
		return nil, ErrAdmissionDenied
	}

	ids, err := s.client.ListProductIDs(ctx, filter)
	if err != nil {
		if ce, ok := remote.AsCallError(err); ok {
			if recordErr := s.tracker.RecordFailure(ctx, "/products", ce.Status, ce.Headers); recordErr != nil {
				return nil, recordErr
			}
		}
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}
	if err := s.tracker.RecordSuccess(ctx, "/products", nil); err != nil {
		return nil, err
	}

	if mode == models.SyncNewOnly {
		ids, err = s.filterUnmapped(ctx, ids)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	job := &models.ImportJob{
		JobID:        uuid.NewString(),
		SourceFilter: filter,
		Mode:         mode,
		Total:        len(ids),
		StartedAt:    now,
	}
	if len(ids) == 0 {
		completed := now
		job.CompletedAt = &completed
	}

	if err := store.SaveJSON(ctx, s.kv, store.KeyImportJob, job); err != nil {
		return nil, err
	}
	if err := s.saveSchedule(ctx, buildSchedule(job.JobID, ids, now, s.cfg)); err != nil {
		return nil, err
	}

	s.metrics.IncImport("started")
	s.publishImportEvent(ctx, events.TypeImportStarted, job)
	slog.Info("import started",
		slog.String("job_id", job.JobID),
		slog.String("filter", filter),
		slog.String("mode", string(mode)),
		slog.Int("total", job.Total),
	)
	return job, nil
}

// buildSchedule chunks the candidate ids and assigns staggered due times.
func buildSchedule(jobID string, ids []string, now time.Time, cfg *config.Config) *models.BatchSchedule {
	schedule := &models.BatchSchedule{JobID: jobID}
	for i := 0; i < len(ids); i += cfg.BatchSize {
		end := i + cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		index := len(schedule.Batches)
		schedule.Batches = append(schedule.Batches, models.Batch{
			JobID:     jobID,
			Index:     index,
			EntityIDs: append([]string(nil), ids[i:end]...),
			DueAt:     now.Add(time.Duration(index) * cfg.StaggerInterval),
		})
	}
	return schedule
}

// ProcessDue runs every batch whose due time has arrived. Passes are
// serialized by the lease; a pass that loses the race does nothing.
func (s *Scheduler) ProcessDue(ctx context.Context) (batches int, err error) {
	acquired, err := s.lease.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if releaseErr := s.lease.Release(ctx); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	schedule, found, err := s.loadSchedule(ctx)
	if err != nil || !found {
		return 0, err
	}

	job := &models.ImportJob{}
	if found, err := store.LoadJSON(ctx, s.kv, store.KeyImportJob, job); err != nil {
		return 0, err
	} else if !found || job.JobID != schedule.JobID {
		return 0, nil
	}

	for i := range schedule.Batches {
		batch := &schedule.Batches[i]
		if batch.Done || batch.DueAt.After(s.now()) {
			continue
		}

		start := s.now()
		err := s.processBatch(ctx, job, batch)
		s.metrics.ObserveBatchDuration(s.now().Sub(start).Seconds())

		if persistErr := s.persistProgress(ctx, job, schedule); persistErr != nil {
			return batches, persistErr
		}
		if job.CancelledAt != nil {
			return batches, nil
		}
		if errors.Is(err, errBatchDeferred) {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches++
		s.metrics.IncBatch()
	}
	return batches, nil
}

// processBatch walks the chunk's entity ids. One bad remote record must
// not stall the rest: per-item failures are counted and skipped. Only
// admission backpressure or a broken store stops the batch early.
func (s *Scheduler) processBatch(ctx context.Context, job *models.ImportJob, batch *models.Batch) error {
	for len(batch.EntityIDs) > 0 {
		id := batch.EntityIDs[0]
		endpoint := "/products/" + id

		allowed, err := s.tracker.Allowed(ctx, endpoint)
		if err != nil {
			return err
		}
		if !allowed {
			s.metrics.IncAdmissionDenied()
			return s.deferBatch(ctx, batch)
		}

		if err := s.processItem(ctx, job, id, endpoint); err != nil {
			return err
		}
		batch.EntityIDs = batch.EntityIDs[1:]
		job.Processed++
	}

	batch.Done = true
	return nil
}

// processItem fetches one entity and reconciles it. Transient call
// failures are absorbed into the retry queue and count the item failed;
// only infrastructure errors propagate.
func (s *Scheduler) processItem(ctx context.Context, job *models.ImportJob, id, endpoint string) error {
	product, headers, err := s.client.GetProduct(ctx, id)
	if err != nil {
		job.Failed++
		s.metrics.IncItem("failed")
		return s.absorbCallFailure(ctx, models.RetryItem{
			Kind:     models.CallProductFetch,
			Endpoint: endpoint,
			Attempts: 1,
		}, err, id)
	}
	if err := s.tracker.RecordSuccess(ctx, endpoint, headers); err != nil {
		return err
	}

	localID, created, err := s.rec.Reconcile(ctx, product)
	if err != nil {
		job.Failed++
		s.metrics.IncItem("failed")
		if ce, ok := remote.AsCallError(err); ok {
			// The broken call was an image download, not the product
			// fetch; queue that exact call for replay.
			return s.absorbCallFailure(ctx, models.RetryItem{
				Kind:     models.CallImageFetch,
				Endpoint: ce.Endpoint,
				Attempts: 1,
			}, err, id)
		}
		slog.Error("reconciliation failed",
			slog.String("remote_id", id),
			slog.Any("error", err),
		)
		return nil
	}

	if created {
		job.Imported++
		s.metrics.IncItem("imported")
	} else {
		job.Updated++
		s.metrics.IncItem("updated")
	}
	slog.Debug("entity synced",
		slog.String("remote_id", id),
		slog.Int64("local_id", localID),
		slog.Bool("created", created),
	)
	return nil
}

// absorbCallFailure routes a failed API call through the backoff
// governor. Transient failures land in the retry queue; permanent ones
// are already counted and simply dropped here.
func (s *Scheduler) absorbCallFailure(ctx context.Context, item models.RetryItem, callErr error, remoteID string) error {
	err := s.governor.HandleCallError(ctx, item, callErr)
	if errors.Is(err, ratelimit.ErrPermanent) {
		slog.Warn("permanent remote failure, not retrying",
			slog.String("remote_id", remoteID),
			slog.String("endpoint", item.Endpoint),
			slog.Any("error", callErr),
		)
		return nil
	}
	if err == nil {
		s.metrics.IncRetryQueued()
	}
	return err
}

// deferBatch moves the remaining work past the lockout (or one stagger
// interval for plain quota exhaustion) and stops the pass.
func (s *Scheduler) deferBatch(ctx context.Context, batch *models.Batch) error {
	deferred := s.now().Add(s.cfg.StaggerInterval)
	if until, locked, err := s.tracker.LockoutUntil(ctx); err != nil {
		return err
	} else if locked && until.After(deferred) {
		deferred = until
	}
	batch.DueAt = deferred
	slog.Info("admission denied, deferring batch",
		slog.String("job_id", batch.JobID),
		slog.Int("index", batch.Index),
		slog.Int("remaining", len(batch.EntityIDs)),
		slog.Time("due_at", deferred),
	)
	return errBatchDeferred
}

// persistProgress writes the updated job counts and schedule, stamping
// completion when the last entity is processed. The stored record is
// re-read first: a cancel that landed while this batch was in flight
// must survive the write-back, and its cleared schedule must not be
// resurrected by an in-memory copy.
func (s *Scheduler) persistProgress(ctx context.Context, job *models.ImportJob, schedule *models.BatchSchedule) error {
	stored := &models.ImportJob{}
	if found, err := store.LoadJSON(ctx, s.kv, store.KeyImportJob, stored); err != nil {
		return err
	} else if found && stored.JobID == job.JobID && stored.CancelledAt != nil {
		job.CancelledAt = stored.CancelledAt
	}

	if job.CancelledAt != nil {
		// Counts from the in-flight batch are still recorded; the
		// pending batches stay cleared.
		return store.SaveJSON(ctx, s.kv, store.KeyImportJob, job)
	}

	if job.CompletedAt == nil && job.Processed >= job.Total {
		completed := s.now()
		job.CompletedAt = &completed
		s.metrics.IncImport("completed")
		s.publishImportEvent(ctx, events.TypeImportCompleted, job)
		slog.Info("import completed",
			slog.String("job_id", job.JobID),
			slog.Int("imported", job.Imported),
			slog.Int("updated", job.Updated),
			slog.Int("failed", job.Failed),
		)
	}
	if err := store.SaveJSON(ctx, s.kv, store.KeyImportJob, job); err != nil {
		return err
	}
	return s.saveSchedule(ctx, schedule)
}

// Cancel clears all scheduled batches for the job. Work already
// dispatched is not interrupted.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job := &models.ImportJob{}
	found, err := store.LoadJSON(ctx, s.kv, store.KeyImportJob, job)
	if err != nil {
		return err
	}
	if !found || job.JobID != jobID {
		return ErrNoJob
	}
	if job.CompletedAt != nil || job.CancelledAt != nil {
		return nil
	}

	cancelled := s.now()
	job.CancelledAt = &cancelled
	if err := store.SaveJSON(ctx, s.kv, store.KeyImportJob, job); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, store.KeyBatches); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.metrics.IncImport("cancelled")
	s.publishImportEvent(ctx, events.TypeImportCancelled, job)
	slog.Info("import cancelled", slog.String("job_id", jobID))
	return nil
}

// Status reports the last-known counts of the current (or most recent)
// import job.
func (s *Scheduler) Status(ctx context.Context) (*models.ImportStatus, error) {
	job := &models.ImportJob{}
	found, err := store.LoadJSON(ctx, s.kv, store.KeyImportJob, job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoJob
	}
	return &models.ImportStatus{
		JobID:           job.JobID,
		Total:           job.Total,
		Processed:       job.Processed,
		Imported:        job.Imported,
		Updated:         job.Updated,
		Failed:          job.Failed,
		ProgressPercent: job.ProgressPercent(),
		IsRunning:       job.Running(),
	}, nil
}

// filterUnmapped keeps only candidates without an existing product
// mapping.
func (s *Scheduler) filterUnmapped(ctx context.Context, ids []string) ([]string, error) {
	var unmapped []string
	for _, id := range ids {
		var mapping models.EntityMapping
		found, err := store.LoadJSON(ctx, s.kv, store.MappingKey(string(models.MappingProduct), id), &mapping)
		if err != nil {
			return nil, err
		}
		if !found {
			unmapped = append(unmapped, id)
		}
	}
	return unmapped, nil
}

func (s *Scheduler) loadSchedule(ctx context.Context) (*models.BatchSchedule, bool, error) {
	schedule := &models.BatchSchedule{}
	found, err := store.LoadJSON(ctx, s.kv, store.KeyBatches, schedule)
	return schedule, found, err
}

func (s *Scheduler) saveSchedule(ctx context.Context, schedule *models.BatchSchedule) error {
	schedule.Version++
	return store.SaveJSON(ctx, s.kv, store.KeyBatches, schedule)
}

func (s *Scheduler) publishImportEvent(ctx context.Context, eventType string, job *models.ImportJob) {
	payload, err := json.Marshal(events.ImportEvent{
		JobID:        job.JobID,
		SourceFilter: job.SourceFilter,
		Mode:         string(job.Mode),
		Total:        job.Total,
		Processed:    job.Processed,
		Imported:     job.Imported,
		Updated:      job.Updated,
		Failed:       job.Failed,
		At:           s.now().UTC(),
	})
	if err != nil {
		slog.Error("encode import event", slog.Any("error", err))
		return
	}
	if err := s.publisher.Publish(ctx, eventType, payload, job.JobID); err != nil {
		slog.Error("publish import event",
			slog.String("type", eventType),
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}
