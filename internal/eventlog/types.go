package eventlog

import "time"

// ============================================================================
// Event Type Definitions
// Responsibility: Define lifecycle events emitted by the engine
// ============================================================================

// EventType defines event types
type EventType string

const (
	// Job lifecycle
	EventJobStarted   EventType = "job_started"
	EventJobResumed   EventType = "job_resumed"
	EventPhaseChanged EventType = "phase_changed"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobCancelled EventType = "job_cancelled"
	EventJobArchived  EventType = "job_archived"

	// Work item lifecycle
	EventItemStarted      EventType = "item_started"
	EventItemCompleted    EventType = "item_completed"
	EventItemFailed       EventType = "item_failed"
	EventItemRetrying     EventType = "item_retrying"
	EventItemRequeued     EventType = "item_requeued"
	EventItemSkipped      EventType = "item_skipped"
	EventItemDeadLettered EventType = "item_dead_lettered"
	EventItemsReset       EventType = "items_reset"

	// Infrastructure
	EventCheckpointCreated   EventType = "checkpoint_created"
	EventCircuitStateChanged EventType = "circuit_state_changed"

	// Dead letter queue
	EventDLQItemAdded        EventType = "dlq_item_added"
	EventDLQItemRemoved      EventType = "dlq_item_removed"
	EventDLQItemsEvicted     EventType = "dlq_items_evicted"
	EventDLQItemsReprocessed EventType = "dlq_items_reprocessed"
	EventDLQAnalysis         EventType = "dlq_analysis_generated"
)

// Event represents one journal record
type Event struct {
	Seq       uint64                 `json:"seq"`               // Sequence number (monotonically increasing per journal)
	ID        string                 `json:"id"`                // ULID
	Type      EventType              `json:"type"`              // Event type
	JobID     string                 `json:"job_id"`            // Owning job
	ItemID    string                 `json:"item_id,omitempty"` // Work item, if any
	Timestamp time.Time              `json:"timestamp"`         // UTC
	Data      map[string]interface{} `json:"data,omitempty"`    // Free-form attributes
	Checksum  uint32                 `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing replayed events
type EventHandler func(event Event) error

// Sink receives lifecycle events
//
// Delivery is at-least-once; callers never depend on Append succeeding.
type Sink interface {
	Append(event Event) error
}

// Reader is a sink whose records can be read back
//
// ReplayValid skips records that do not decode or fail their checksum,
// so a journal with a torn tail still yields every intact event.
type Reader interface {
	ReplayValid(handler EventHandler) error
}
