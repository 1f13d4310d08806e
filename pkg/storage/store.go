// Package storage defines the engine's storage contract (spec.md §6)
// and an embedded BoltDB implementation of it, so the core is runnable
// standalone without a caller-supplied SQL/document backend.
package storage

import (
	"time"

	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/scan"
	"github.com/scanforge/engine/pkg/telemetry"
)

// EventFilter restricts a ListEvents query to a type and/or a minimum
// publish sequence.
type EventFilter struct {
	Type     event.Type
	FromSeq  uint64
	IncludeFP bool // include events marked is_false_positive
}

// Page bounds a ListEvents query.
type Page struct {
	Limit  int
	Offset int
}

// ScanLogEntry is one line of a scan's append-only operational log,
// surfaced to observers per spec.md §7's "exposed to observers via the
// scan log" propagation policy.
type ScanLogEntry struct {
	ScanID    string    `json:"scan_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredEvent wraps an Event with the storage-owned out-of-band
// metadata spec.md §3 requires never be mutated on the in-flight Event
// itself: false-positive marking and the durable publish sequence
// number used for ordering and re-drive.
type StoredEvent struct {
	Event           *event.Event `json:"event"`
	Seq             uint64       `json:"seq"`
	IsFalsePositive bool         `json:"is_false_positive"`
}

// Store is the engine-agnostic storage contract from spec.md §6: SQL,
// document, or embedded key-value backends all satisfy it identically.
type Store interface {
	// AppendEvent durably persists e; must be idempotent on e.ID so
	// re-driving an already-seen event_id never double-stores it, per
	// spec.md §4.1's durable-write-before-fanout invariant.
	AppendEvent(e *event.Event) error

	// HasEvent reports whether eventID has been durably stored for
	// scanID, letting the engine enforce causal integrity (a
	// SourceEventID must resolve within the same scan) without
	// scanning every stored event.
	HasEvent(scanID, eventID string) (bool, error)

	// ListEvents returns events for scanID matching filter, paginated.
	ListEvents(scanID string, filter EventFilter, page Page) ([]*StoredEvent, error)

	// MarkFalsePositive flags a persisted event out-of-band, per
	// spec.md §9's open question (iii): this never mutates an
	// in-flight Event, only the stored record.
	MarkFalsePositive(scanID, eventID string, isFalsePositive bool) error

	// UpsertScan writes scan metadata (create or full replace).
	UpsertScan(s *scan.Record) error
	// GetScan reads one scan's metadata.
	GetScan(scanID string) (*scan.Record, error)
	// SetScanStatus updates only a scan's status/timestamps field.
	SetScanStatus(scanID string, status scan.State, at time.Time) error
	// ListScans returns every known scan's metadata.
	ListScans() ([]*scan.Record, error)

	// AppendScanLog appends one operational log line for scanID.
	AppendScanLog(scanID string, entry ScanLogEntry) error
	// ListScanLog returns scanID's log lines in append order.
	ListScanLog(scanID string) ([]ScanLogEntry, error)

	// ArchiveErrorRecord persists one error telemetry record, giving
	// pkg/telemetry's in-memory ring buffer a durable backing archive.
	ArchiveErrorRecord(rec *telemetry.Record) error
	// ListErrorRecords returns archived records for scanID.
	ListErrorRecords(scanID string) ([]*telemetry.Record, error)

	Close() error
}
