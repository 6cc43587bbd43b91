// Package memory exposes the MemoryStore capability surface: a thread-scoped
// event log, a key/value state store, and optional long-term memory with
// text and vector search. The core treats memory as an external
// collaborator — see inmem for a non-durable reference implementation, the
// only implementation in this module.
package memory

import (
	"context"
	"time"
)

type (
	// Event is a single entry in a thread's chronological event log.
	Event struct {
		// ID uniquely identifies the event within its thread, assigned by
		// the store on Append.
		ID string
		// ThreadID identifies the conversation-continuity key this event
		// belongs to.
		ThreadID string
		// Type categorizes the event (message, tool call, tool result, etc).
		Type EventType
		// Timestamp marks when the event occurred.
		Timestamp time.Time
		// Data holds the event-specific payload.
		Data any
		// Labels carries structured metadata for filtering.
		Labels map[string]string
	}

	// StateEntry is a single key/value entry in a thread's state store, used
	// for small pieces of durable state keyed independently of the event log
	// (e.g. latest run checkpoint pointers, accumulators).
	StateEntry struct {
		// Key identifies the state entry within its thread.
		Key string
		// Value holds the stored value.
		Value any
		// UpdatedAt records when this entry was last written.
		UpdatedAt time.Time
	}

	// LongTermRecord is a durable memory entry outside the per-thread event
	// log, searchable by text or vector similarity.
	LongTermRecord struct {
		// ID uniquely identifies the record, assigned by the store on
		// Upsert if empty.
		ID string
		// Text is the human-readable content of the memory.
		Text string
		// Embedding is an optional vector representation of Text used for
		// similarity search.
		Embedding []float32
		// Labels carries structured metadata for filtering search results.
		Labels map[string]string
		// UpdatedAt records when this record was last written.
		UpdatedAt time.Time
	}

	// RetentionPolicy configures compaction: how much event and state
	// history a store keeps per thread.
	RetentionPolicy struct {
		// MaxEventsPerThread caps the number of retained events; oldest are
		// dropped first. Zero means unbounded.
		MaxEventsPerThread int
		// KeepEventTypes, when non-empty, lists event types that compaction
		// never drops, regardless of MaxEventsPerThread.
		KeepEventTypes []EventType
		// ScanLimit bounds how many events a single compaction pass
		// inspects, to keep compaction itself bounded.
		ScanLimit int
	}

	// Capabilities advertises optional behaviors a Store implementation
	// supports.
	Capabilities struct {
		// AtomicUpsert indicates PutState performs a compare-and-swap style
		// atomic upsert rather than a read-then-write.
		AtomicUpsert bool
		// VectorSearch indicates SearchLongTermMemoryVector is implemented rather
		// than returning ErrCapabilityUnavailable.
		VectorSearch bool
	}

	// Store is the MemoryStore capability surface: a thread-scoped event
	// log, thread-scoped state key/value store, and long-term memory with
	// text and vector search. Implementations must be safe for concurrent
	// use by multiple run executors.
	Store interface {
		// Capabilities reports which optional behaviors this store
		// supports.
		Capabilities() Capabilities

		// AppendEvent appends a single event to threadID's event log.
		// Returns the assigned Event.ID.
		AppendEvent(ctx context.Context, threadID string, evt Event) (string, error)

		// GetRecentEvents returns the most recent limit events for
		// threadID, chronologically ordered oldest-first.
		GetRecentEvents(ctx context.Context, threadID string, limit int) ([]Event, error)

		// GetEventsSince returns events for threadID with Timestamp after
		// since, chronologically ordered oldest-first.
		GetEventsSince(ctx context.Context, threadID string, since time.Time) ([]Event, error)

		// ReplaceThreadEvents atomically replaces threadID's entire event
		// log with events, used by compaction to install a summarized
		// history.
		ReplaceThreadEvents(ctx context.Context, threadID string, events []Event) error

		// GetState retrieves the state entry for threadID/key. Returns
		// ErrNotFound if absent.
		GetState(ctx context.Context, threadID, key string) (StateEntry, error)

		// PutState upserts the state entry for threadID/key.
		PutState(ctx context.Context, threadID, key string, value any) error

		// ListState returns all state entries for threadID.
		ListState(ctx context.Context, threadID string) ([]StateEntry, error)

		// DeleteState removes the state entry for threadID/key, a no-op if
		// absent.
		DeleteState(ctx context.Context, threadID, key string) error

		// UpsertLongTermMemory inserts or updates a long-term record. When
		// rec.ID is empty, a new ID is assigned and returned.
		UpsertLongTermMemory(ctx context.Context, rec LongTermRecord) (string, error)

		// SearchLongTermMemoryText returns long-term records whose Text
		// best matches query, ranked best-first, bounded by limit.
		SearchLongTermMemoryText(ctx context.Context, query string, limit int) ([]LongTermRecord, error)

		// SearchLongTermMemoryVector returns long-term records whose
		// Embedding is nearest to vector, ranked nearest-first, bounded by
		// limit. Returns ErrCapabilityUnavailable when
		// Capabilities().VectorSearch is false.
		SearchLongTermMemoryVector(ctx context.Context, vector []float32, limit int) ([]LongTermRecord, error)

		// CompactThread applies policy to threadID's event log, retaining
		// at most policy.MaxEventsPerThread events (subject to
		// KeepEventTypes), and returns the number of events dropped.
		CompactThread(ctx context.Context, threadID string, policy RetentionPolicy) (int, error)
	}
)

// EventType enumerates persisted memory event categories.
type EventType string

const (
	// EventUserMessage records an end-user utterance or input message.
	EventUserMessage EventType = "user_message"
	// EventAssistantMessage records an assistant response or output message.
	EventAssistantMessage EventType = "assistant_message"
	// EventToolCall records a tool invocation request.
	EventToolCall EventType = "tool_call"
	// EventToolResult records the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventPlannerNote records planner-generated notes or reasoning steps.
	EventPlannerNote EventType = "planner_note"
	// EventAnnotation records arbitrary annotations injected by policy
	// engines, hooks, or external systems.
	EventAnnotation EventType = "annotation"
	// EventCheckpointRef records a pointer to a checkpoint journal frame,
	// letting memory consumers locate durable run state without coupling to
	// the checkpoint backend directly.
	EventCheckpointRef EventType = "checkpoint_ref"
)
