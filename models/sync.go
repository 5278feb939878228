package models

import "time"

// SyncMode selects which remote entities an import considers.
type SyncMode string

const (
	// SyncAll reconciles every remote entity, mapped or not.
	SyncAll SyncMode = "all"
	// SyncNewOnly reconciles only entities without a local mapping.
	SyncNewOnly SyncMode = "new_only"
)

// Valid reports whether the mode is one of the known values.
func (m SyncMode) Valid() bool {
	return m == SyncAll || m == SyncNewOnly
}

// CallKind tags a deferred API call with the handler that replays it.
// Dispatch goes through an explicit registry keyed by kind, never by
// inspecting the endpoint string.
type CallKind string

const (
	CallProductFetch CallKind = "product_fetch"
	CallImageFetch   CallKind = "image_fetch"
	CallOrderPush    CallKind = "order_push"
)

// QuotaState is the persisted admission-control record. It is replaced
// wholesale on every mutation; Version increments on each save.
type QuotaState struct {
	Version            uint64            `json:"version"`
	DailyCount         uint              `json:"daily_count"`
	DailyResetAt       time.Time         `json:"daily_reset_at"`
	MinuteWindow       []time.Time       `json:"minute_window"`
	GlobalLockoutUntil *time.Time        `json:"global_lockout_until,omitempty"`
	RateLimitHeaders   map[string]string `json:"rate_limit_headers,omitempty"`
}

// RetryItem is one deferred API call in the durable retry queue.
// Attempts is at least 1; DueAt strictly increases across re-enqueues
// of the same logical call.
type RetryItem struct {
	ID       string    `json:"id"`
	Kind     CallKind  `json:"kind"`
	Endpoint string    `json:"endpoint"`
	Payload  []byte    `json:"payload,omitempty"`
	DueAt    time.Time `json:"due_at"`
	Attempts uint      `json:"attempts"`
}

// RetryQueue is the persisted queue record, ordered ascending by DueAt.
type RetryQueue struct {
	Version    uint64      `json:"version"`
	Items      []RetryItem `json:"items"`
	NextWakeAt time.Time   `json:"next_wake_at"`
}

// ImportJob tracks cumulative progress of one catalog import. The last
// job is retained as the run record until superseded by the next one.
type ImportJob struct {
	JobID        string     `json:"job_id"`
	SourceFilter string     `json:"source_filter"`
	Mode         SyncMode   `json:"sync_mode"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Imported     int        `json:"imported"`
	Updated      int        `json:"updated"`
	Failed       int        `json:"failed"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

// ProgressPercent reports completion as a 0-100 percentage.
func (j *ImportJob) ProgressPercent() float64 {
	if j == nil || j.Total == 0 {
		return 0
	}
	return float64(j.Processed) / float64(j.Total) * 100
}

// Running reports whether the job still has unprocessed entities.
func (j *ImportJob) Running() bool {
	if j == nil {
		return false
	}
	return j.CompletedAt == nil && j.CancelledAt == nil && j.Processed < j.Total
}

// ImportStatus is the read-only progress surface consumed by callers.
type ImportStatus struct {
	JobID           string  `json:"job_id"`
	Total           int     `json:"total"`
	Processed       int     `json:"processed"`
	Imported        int     `json:"imported"`
	Updated         int     `json:"updated"`
	Failed          int     `json:"failed"`
	ProgressPercent float64 `json:"progress_percent"`
	IsRunning       bool    `json:"is_running"`
}

// Batch is one staggered unit of import work.
type Batch struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	EntityIDs []string  `json:"entity_ids"`
	DueAt     time.Time `json:"due_at"`
	Done      bool      `json:"done"`
}

// BatchSchedule is the persisted list of pending batches for a job.
type BatchSchedule struct {
	Version uint64  `json:"version"`
	JobID   string  `json:"job_id"`
	Batches []Batch `json:"batches"`
}

// MappingKind distinguishes product-level from variant-level mappings.
type MappingKind string

const (
	MappingProduct MappingKind = "product"
	MappingVariant MappingKind = "variant"
)

// EntityMapping links one remote entity id to one local record id of the
// same kind. Created on first successful create, refreshed on every
// successful update, never auto-deleted.
type EntityMapping struct {
	RemoteID     string      `json:"remote_id"`
	LocalID      int64       `json:"local_id"`
	Kind         MappingKind `json:"kind"`
	LastSyncedAt time.Time   `json:"last_synced_at"`
}

// ImageDedupEntry records that an image URL was already fetched and
// stored, so later references reuse the local asset.
type ImageDedupEntry struct {
	SourceURL    string `json:"source_url"`
	LocalAssetID int64  `json:"local_asset_id"`
}
