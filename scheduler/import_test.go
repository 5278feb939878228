package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-catalog-sync/commerce"
	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/ratelimit"
	"github.com/aluiziolira/go-catalog-sync/reconcile"
	"github.com/aluiziolira/go-catalog-sync/remote"
	"github.com/aluiziolira/go-catalog-sync/retry"
	"github.com/aluiziolira/go-catalog-sync/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type nullFetcher struct{}

func (nullFetcher) Fetch(context.Context, string) (string, []byte, error) {
	return "image/jpeg", []byte("img"), nil
}

type capturePublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *capturePublisher) Publish(_ context.Context, eventType string, _ []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type schedRig struct {
	clock     *fakeClock
	kv        *store.Memory
	local     *commerce.MemoryStore
	queue     *retry.Queue
	tracker   *ratelimit.Tracker
	mappings  *reconcile.Mappings
	publisher *capturePublisher
	transport *httpmock.MockTransport
	sched     *Scheduler
}

func newSchedRig(t *testing.T) *schedRig {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.RemoteBaseURL = "https://api.catalog.test/v1"

	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	kv := store.NewMemory()
	kv.SetClock(clock.Now)

	client, err := remote.NewClient(cfg)
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	transport := httpmock.NewMockTransport()
	client.WithTransport(transport)

	queue := retry.NewQueue(kv, cfg)
	queue.SetClock(clock.Now)
	tracker := ratelimit.NewTracker(kv, cfg)
	tracker.SetClock(clock.Now)
	governor := ratelimit.NewGovernor(tracker, queue, cfg)
	governor.SetClock(clock.Now)

	local := commerce.NewMemoryStore()
	mappings := reconcile.NewMappings(kv)
	mappings.SetClock(clock.Now)
	images, err := reconcile.NewImageStore(kv, local, nullFetcher{}, 64)
	if err != nil {
		t.Fatalf("NewImageStore: %v", err)
	}

	lease := store.NewLease(kv, "import", cfg.LeaseTTL)
	lease.SetClock(clock.Now)
	publisher := &capturePublisher{}

	sched := New(kv, client, tracker, governor,
		reconcile.NewReconciler(local, mappings, images),
		lease, publisher, NewMetrics(), cfg)
	sched.SetClock(clock.Now)

	return &schedRig{
		clock:     clock,
		kv:        kv,
		local:     local,
		queue:     queue,
		tracker:   tracker,
		mappings:  mappings,
		publisher: publisher,
		transport: transport,
		sched:     sched,
	}
}

func (r *schedRig) mockCatalog(t *testing.T, ids []string) {
	t.Helper()
	list := struct {
		Products []map[string]string `json:"products"`
	}{}
	for _, id := range ids {
		list.Products = append(list.Products, map[string]string{"id": id})
	}
	body, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("encode product list: %v", err)
	}
	r.transport.RegisterResponder(http.MethodGet, "https://api.catalog.test/v1/products",
		httpmock.NewBytesResponder(http.StatusOK, body))
	for _, id := range ids {
		r.transport.RegisterResponder(http.MethodGet, "https://api.catalog.test/v1/products/"+id,
			httpmock.NewStringResponder(http.StatusOK, productJSON(id)))
	}
}

func productJSON(id string) string {
	return fmt.Sprintf(`{"product":{"id":%q,"title":"Product %s","price":"10.00","status":"active"}}`, id, id)
}

func catalogIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("p%d", i))
	}
	return ids
}

func (r *schedRig) status(t *testing.T) *models.ImportStatus {
	t.Helper()
	status, err := r.sched.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return status
}

func TestStartImportBuildsStaggeredBatches(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(12))
	start := rig.clock.Now()

	job, err := rig.sched.StartImport(ctx, "", models.SyncAll)
	if err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if job.Total != 12 {
		t.Errorf("total = %d, want 12", job.Total)
	}

	var schedule models.BatchSchedule
	if found, err := store.LoadJSON(ctx, rig.kv, store.KeyBatches, &schedule); err != nil || !found {
		t.Fatalf("load schedule: found=%v err=%v", found, err)
	}
	if len(schedule.Batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(schedule.Batches))
	}
	for i, batch := range schedule.Batches {
		wantDue := start.Add(time.Duration(i) * 10 * time.Second)
		if !batch.DueAt.Equal(wantDue) {
			t.Errorf("batch %d due at %v, want %v", i, batch.DueAt, wantDue)
		}
	}
	if got := len(schedule.Batches[2].EntityIDs); got != 2 {
		t.Errorf("last batch size = %d, want remainder 2", got)
	}
}

func TestImportAllBatchesSucceed(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(12))

	if _, err := rig.sched.StartImport(ctx, "", models.SyncAll); err != nil {
		t.Fatalf("StartImport: %v", err)
	}

	// Only the first batch is due at start; the rest wait their stagger.
	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("first pass = (%d, %v), want (1, nil)", n, err)
	}
	if got := rig.status(t).Processed; got != 5 {
		t.Errorf("processed after first batch = %d, want 5", got)
	}

	rig.clock.Advance(10 * time.Second)
	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("second pass = (%d, %v), want (1, nil)", n, err)
	}
	rig.clock.Advance(10 * time.Second)
	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("third pass = (%d, %v), want (1, nil)", n, err)
	}

	status := rig.status(t)
	if status.Total != 12 || status.Processed != 12 || status.Imported != 12 ||
		status.Updated != 0 || status.Failed != 0 {
		t.Errorf("final status = %+v, want 12/12/12/0/0", status)
	}
	if status.IsRunning {
		t.Error("job should no longer be running")
	}
	if products, _ := rig.local.Counts(); products != 12 {
		t.Errorf("local products = %d, want 12", products)
	}

	types := rig.publisher.seen()
	if len(types) != 2 || types[0] != "sync.import.started" || types[1] != "sync.import.completed" {
		t.Errorf("events = %v, want started then completed", types)
	}
}

func TestImportServerErrorCountsFailedAndQueuesRetry(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(12))
	rig.transport.RegisterResponder(http.MethodGet, "https://api.catalog.test/v1/products/p7",
		httpmock.NewStringResponder(http.StatusInternalServerError, "upstream broke"))

	if _, err := rig.sched.StartImport(ctx, "", models.SyncAll); err != nil {
		t.Fatalf("StartImport: %v", err)
	}

	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	rig.clock.Advance(10 * time.Second)
	secondPassAt := rig.clock.Now()
	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	rig.clock.Advance(10 * time.Second)
	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("third pass: %v", err)
	}

	status := rig.status(t)
	if status.Processed != 12 || status.Failed != 1 || status.Imported != 11 {
		t.Errorf("status = %+v, want processed 12, failed 1, imported 11", status)
	}
	if status.IsRunning {
		t.Error("job should be complete despite the failed item")
	}

	snapshot, err := rig.queue.Snapshot(ctx)
	if err != nil {
		t.Fatalf("queue snapshot: %v", err)
	}
	if len(snapshot.Items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(snapshot.Items))
	}
	item := snapshot.Items[0]
	if item.Kind != models.CallProductFetch {
		t.Errorf("item kind = %q, want product_fetch", item.Kind)
	}
	if item.Endpoint != "/products/p7" {
		t.Errorf("item endpoint = %q", item.Endpoint)
	}
	if item.Attempts != 1 {
		t.Errorf("item attempts = %d, want 1", item.Attempts)
	}
	// 5xx backoff base with one attempt: due 30s after the failed call.
	if wantDue := secondPassAt.Add(30 * time.Second); !item.DueAt.Equal(wantDue) {
		t.Errorf("item due at %v, want %v", item.DueAt, wantDue)
	}
}

func TestImportPermanentFailureNotQueued(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(3))
	rig.transport.RegisterResponder(http.MethodGet, "https://api.catalog.test/v1/products/p2",
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))

	if _, err := rig.sched.StartImport(ctx, "", models.SyncAll); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}

	status := rig.status(t)
	if status.Failed != 1 || status.Imported != 2 {
		t.Errorf("status = %+v, want failed 1, imported 2", status)
	}
	if n, err := rig.queue.Len(ctx); err != nil || n != 0 {
		t.Errorf("queue length = (%d, %v), want 0: 4xx is never retried", n, err)
	}
}

func TestImportDefersBatchDuringLockout(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(3))

	if _, err := rig.sched.StartImport(ctx, "", models.SyncAll); err != nil {
		t.Fatalf("StartImport: %v", err)
	}

	lockoutEnd := rig.clock.Now().Add(120 * time.Second)
	if err := rig.tracker.SetLockout(ctx, lockoutEnd); err != nil {
		t.Fatalf("SetLockout: %v", err)
	}

	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 0 {
		t.Fatalf("locked pass = (%d, %v), want (0, nil)", n, err)
	}
	if got := rig.status(t).Processed; got != 0 {
		t.Errorf("processed during lockout = %d, want 0", got)
	}

	var schedule models.BatchSchedule
	if _, err := store.LoadJSON(ctx, rig.kv, store.KeyBatches, &schedule); err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	if !schedule.Batches[0].DueAt.Equal(lockoutEnd) {
		t.Errorf("deferred batch due %v, want lockout end %v", schedule.Batches[0].DueAt, lockoutEnd)
	}

	rig.clock.Advance(121 * time.Second)
	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("post-lockout pass = (%d, %v), want (1, nil)", n, err)
	}
	if got := rig.status(t).Processed; got != 3 {
		t.Errorf("processed after lockout = %d, want 3", got)
	}
}

func TestStartImportRejectsOverlappingRun(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(3))

	if _, err := rig.sched.StartImport(ctx, "", models.SyncAll); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if _, err := rig.sched.StartImport(ctx, "", models.SyncAll); err != ErrImportRunning {
		t.Fatalf("second StartImport err = %v, want ErrImportRunning", err)
	}
}

func TestStartImportNewOnlySkipsMappedEntities(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(3))

	for _, id := range []string{"p1", "p3"} {
		if err := rig.mappings.Save(ctx, models.MappingProduct, id, 100); err != nil {
			t.Fatalf("seed mapping %s: %v", id, err)
		}
	}

	job, err := rig.sched.StartImport(ctx, "", models.SyncNewOnly)
	if err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if job.Total != 1 {
		t.Errorf("total = %d, want 1 unmapped candidate", job.Total)
	}

	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if products, _ := rig.local.Counts(); products != 1 {
		t.Errorf("local products = %d, want only p2", products)
	}
}

func TestCancelClearsPendingBatches(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(12))

	job, err := rig.sched.StartImport(ctx, "", models.SyncAll)
	if err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}

	if err := rig.sched.Cancel(ctx, job.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	status := rig.status(t)
	if status.IsRunning {
		t.Error("cancelled job must not report running")
	}
	if status.Processed != 5 {
		t.Errorf("processed = %d, want counts frozen at 5", status.Processed)
	}

	rig.clock.Advance(time.Minute)
	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 0 {
		t.Errorf("pass after cancel = (%d, %v), want (0, nil)", n, err)
	}

	if err := rig.sched.Cancel(ctx, "no-such-job"); err != ErrNoJob {
		t.Errorf("Cancel unknown job err = %v, want ErrNoJob", err)
	}
}

// cancelMidBatch cancels the running job after a set number of entities
// have been reconciled, while the processing pass still holds the job
// and schedule in memory.
type cancelMidBatch struct {
	inner Reconciler
	sched *Scheduler
	jobID string
	after int
	seen  int
	t     *testing.T
}

func (c *cancelMidBatch) Reconcile(ctx context.Context, p *models.RemoteProduct) (int64, bool, error) {
	c.seen++
	if c.seen == c.after {
		if err := c.sched.Cancel(ctx, c.jobID); err != nil {
			c.t.Fatalf("Cancel mid-batch: %v", err)
		}
	}
	return c.inner.Reconcile(ctx, p)
}

func TestCancelDuringBatchSurvivesProgressWrite(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()
	rig.mockCatalog(t, catalogIDs(12))

	job, err := rig.sched.StartImport(ctx, "", models.SyncAll)
	if err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	rig.sched.rec = &cancelMidBatch{
		inner: rig.sched.rec,
		sched: rig.sched,
		jobID: job.JobID,
		after: 3,
		t:     t,
	}

	if _, err := rig.sched.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}

	stored := &models.ImportJob{}
	if found, err := store.LoadJSON(ctx, rig.kv, store.KeyImportJob, stored); err != nil || !found {
		t.Fatalf("load job: found=%v err=%v", found, err)
	}
	if stored.CancelledAt == nil {
		t.Fatal("cancel stamp lost in the progress write-back")
	}
	if stored.Processed != 5 {
		t.Errorf("processed = %d, want the in-flight batch counted", stored.Processed)
	}

	var schedule models.BatchSchedule
	if found, err := store.LoadJSON(ctx, rig.kv, store.KeyBatches, &schedule); err != nil || found {
		t.Fatalf("cleared schedule came back: found=%v err=%v", found, err)
	}

	rig.clock.Advance(time.Minute)
	if n, err := rig.sched.ProcessDue(ctx); err != nil || n != 0 {
		t.Errorf("pass after cancel = (%d, %v), want (0, nil)", n, err)
	}
	status := rig.status(t)
	if status.IsRunning {
		t.Error("cancelled job must not report running")
	}
	if status.Processed != 5 {
		t.Errorf("processed = %d, want counts frozen at 5", status.Processed)
	}
}

func TestPushOrderQueuesTransientFailure(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()

	update := &models.OrderUpdate{OrderID: "local-9", RemoteID: "r9", Status: "shipped"}
	rig.transport.RegisterResponder(http.MethodPut, "https://api.catalog.test/v1/orders/r9",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))

	if err := rig.sched.PushOrder(ctx, update); err != nil {
		t.Fatalf("PushOrder: %v", err)
	}

	snapshot, err := rig.queue.Snapshot(ctx)
	if err != nil {
		t.Fatalf("queue snapshot: %v", err)
	}
	if len(snapshot.Items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(snapshot.Items))
	}
	item := snapshot.Items[0]
	if item.Kind != models.CallOrderPush {
		t.Errorf("item kind = %q, want order_push", item.Kind)
	}
	var queued models.OrderUpdate
	if err := json.Unmarshal(item.Payload, &queued); err != nil {
		t.Fatalf("decode queued payload: %v", err)
	}
	if queued.RemoteID != "r9" || queued.Status != "shipped" {
		t.Errorf("queued payload = %+v", queued)
	}
}

func TestPushOrderPermanentRejectionSurfaces(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()

	rig.transport.RegisterResponder(http.MethodPut, "https://api.catalog.test/v1/orders/r9",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, "bad state"))

	err := rig.sched.PushOrder(ctx, &models.OrderUpdate{OrderID: "local-9", RemoteID: "r9", Status: "nope"})
	if err == nil {
		t.Fatal("expected permanent rejection to surface")
	}
	if n, _ := rig.queue.Len(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestPushOrderDeniedDuringLockout(t *testing.T) {
	rig := newSchedRig(t)
	ctx := context.Background()

	if err := rig.tracker.SetLockout(ctx, rig.clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SetLockout: %v", err)
	}
	err := rig.sched.PushOrder(ctx, &models.OrderUpdate{OrderID: "o", RemoteID: "r", Status: "shipped"})
	if err != ErrAdmissionDenied {
		t.Fatalf("err = %v, want ErrAdmissionDenied", err)
	}
}
