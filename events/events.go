// Package events publishes sync lifecycle notifications for downstream
// consumers. The engine treats publishing as best effort: a failed
// publish is logged, never fatal.
package events

import (
	"context"
	"time"
)

// Event types emitted by the engine.
const (
	TypeImportStarted   = "sync.import.started"
	TypeImportCompleted = "sync.import.completed"
	TypeImportCancelled = "sync.import.cancelled"
	TypeRetryDropped    = "sync.retry.dropped"
)

// ImportEvent describes a lifecycle transition of one import job.
type ImportEvent struct {
	JobID        string    `json:"job_id"`
	SourceFilter string    `json:"source_filter,omitempty"`
	Mode         string    `json:"sync_mode,omitempty"`
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Imported     int       `json:"imported"`
	Updated      int       `json:"updated"`
	Failed       int       `json:"failed"`
	At           time.Time `json:"at"`
}

// RetryDroppedEvent reports a retry item dropped after exhausting its
// attempts.
type RetryDroppedEvent struct {
	ItemID   string    `json:"item_id"`
	Kind     string    `json:"kind"`
	Endpoint string    `json:"endpoint"`
	Attempts uint      `json:"attempts"`
	At       time.Time `json:"at"`
}

// Publisher delivers one serialized event. The partition key groups
// related events for ordered consumption.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
	Close() error
}

// Nop discards all events; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte, string) error { return nil }
func (Nop) Close() error                                          { return nil }
