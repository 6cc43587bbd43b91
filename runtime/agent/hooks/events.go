// Package hooks implements the event emitter (C2): an ordered, typed
// lifecycle event bus for run executions. The bus itself does not persist
// events and takes no memory store; durable copies exist only where a
// registered subscriber (such as pulsesink) writes them.
package hooks

import (
	"time"

	"github.com/afk-project/afk-core/runtime/agent"
	"github.com/afk-project/afk-core/runtime/agent/run"
)

// EventType enumerates the run lifecycle events a Bus can carry. The set is
// fixed by spec: schema changes are additive only.
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventStepStarted       EventType = "step_started"
	EventPolicyDecision    EventType = "policy_decision"
	EventLLMCalled         EventType = "llm_called"
	EventLLMCompleted      EventType = "llm_completed"
	EventToolBatchStarted  EventType = "tool_batch_started"
	EventToolCompleted     EventType = "tool_completed"
	EventSubagentStarted   EventType = "subagent_started"
	EventSubagentCompleted EventType = "subagent_completed"
	EventRunPaused         EventType = "run_paused"
	EventRunResumed        EventType = "run_resumed"
	EventRunCancelled      EventType = "run_cancelled"
	EventRunInterrupted    EventType = "run_interrupted"
	EventRunFailed         EventType = "run_failed"
	EventRunCompleted      EventType = "run_completed"
	EventWarning           EventType = "warning"
)

// SchemaVersion is the current event envelope schema version.
const SchemaVersion = 1

// Event is the interface every emitted lifecycle event implements.
// Subscribers type-switch on concrete types to access event-specific fields;
// Base accessors are common to all events.
type Event interface {
	// Type returns the event type constant.
	Type() EventType
	// RunID returns the run that produced this event.
	RunID() string
	// AgentID returns the agent identifier that owns the run.
	AgentID() string
	// RunState returns the run's coarse-grained state at emission time.
	RunState() run.Status
	// Step returns the step index this event pertains to, or -1 if not
	// applicable (e.g., run-level events emitted outside a step).
	Step() int
	// Message is an optional human-readable summary for UI/log surfaces.
	Message() string
	// Timestamp returns the Unix millisecond timestamp of emission.
	Timestamp() int64
	// SchemaVersion returns the schema version of this event.
	SchemaVersion() int
	// Data returns the event-specific JSON-serializable payload.
	Data() any
}

// baseEvent carries the fields common to every event and implements the
// accessors Event requires; concrete event types embed it.
type baseEvent struct {
	typ       EventType
	runID     string
	agentID   string
	runState  run.Status
	step      int
	message   string
	timestamp int64
	data      any
}

func newBase(typ EventType, runID, agentID string, state run.Status, step int, message string, data any) baseEvent {
	return baseEvent{
		typ:       typ,
		runID:     runID,
		agentID:   agentID,
		runState:  state,
		step:      step,
		message:   message,
		timestamp: time.Now().UnixMilli(),
		data:      data,
	}
}

func (b baseEvent) Type() EventType       { return b.typ }
func (b baseEvent) RunID() string         { return b.runID }
func (b baseEvent) AgentID() string       { return b.agentID }
func (b baseEvent) RunState() run.Status  { return b.runState }
func (b baseEvent) Step() int             { return b.step }
func (b baseEvent) Message() string       { return b.message }
func (b baseEvent) Timestamp() int64      { return b.timestamp }
func (b baseEvent) SchemaVersion() int    { return SchemaVersion }
func (b baseEvent) Data() any             { return b.data }

type (
	// RunStartedData is the payload for EventRunStarted.
	RunStartedData struct {
		RunContext run.Context
		Input      any
	}

	// StepStartedData is the payload for EventStepStarted.
	StepStartedData struct {
		Step int
	}

	// PolicyDecisionData is the payload for EventPolicyDecision.
	PolicyDecisionData struct {
		EventType  string
		Action     string
		Reason     string
		MatchedIDs []string
	}

	// LLMCalledData is the payload for EventLLMCalled.
	LLMCalledData struct {
		Model         string
		MessageCount  int
		ToolCount     int
	}

	// LLMCompletedData is the payload for EventLLMCompleted.
	LLMCompletedData struct {
		Model        string
		StopReason   string
		InputTokens  int
		OutputTokens int
		Latency      time.Duration
		Err          string
	}

	// ToolBatchStartedData is the payload for EventToolBatchStarted.
	ToolBatchStartedData struct {
		ToolCallIDs []string
	}

	// ToolCompletedData is the payload for EventToolCompleted.
	ToolCompletedData struct {
		ToolCallID string
		ToolName   string
		Success    bool
		Err        string
		Latency    time.Duration
		// Bounds reports truncation metadata when the tool's result declared
		// it, nil otherwise.
		Bounds *agent.Bounds
	}

	// SubagentStartedData is the payload for EventSubagentStarted.
	SubagentStartedData struct {
		NodeID      string
		TargetAgent string
	}

	// SubagentCompletedData is the payload for EventSubagentCompleted.
	SubagentCompletedData struct {
		NodeID      string
		TargetAgent string
		Status      string
		Attempts    int
	}

	// RunPausedData is the payload for EventRunPaused.
	RunPausedData struct {
		Reason      string
		RequestedBy string
	}

	// RunResumedData is the payload for EventRunResumed.
	RunResumedData struct {
		Notes        string
		RequestedBy  string
		MessageCount int
	}

	// RunTerminalData is the payload for EventRunCancelled/EventRunFailed/EventRunCompleted.
	RunTerminalData struct {
		Status      string
		PublicError string
		Err         string
		Phase       run.Phase
	}

	// WarningData is the payload for EventWarning.
	WarningData struct {
		Reason string
	}
)

// NewRunStartedEvent constructs an EventRunStarted.
func NewRunStartedEvent(runID, agentID string, rc run.Context, input any) Event {
	return baseEvent2(EventRunStarted, runID, agentID, run.StatusRunning, 0, "", RunStartedData{RunContext: rc, Input: input})
}

// NewStepStartedEvent constructs an EventStepStarted.
func NewStepStartedEvent(runID, agentID string, step int) Event {
	return baseEvent2(EventStepStarted, runID, agentID, run.StatusRunning, step, "", StepStartedData{Step: step})
}

// NewPolicyDecisionEvent constructs an EventPolicyDecision.
func NewPolicyDecisionEvent(runID, agentID string, step int, d PolicyDecisionData) Event {
	return baseEvent2(EventPolicyDecision, runID, agentID, run.StatusRunning, step, "", d)
}

// NewLLMCalledEvent constructs an EventLLMCalled.
func NewLLMCalledEvent(runID, agentID string, step int, d LLMCalledData) Event {
	return baseEvent2(EventLLMCalled, runID, agentID, run.StatusRunning, step, "", d)
}

// NewLLMCompletedEvent constructs an EventLLMCompleted.
func NewLLMCompletedEvent(runID, agentID string, step int, d LLMCompletedData) Event {
	msg := ""
	if d.Err != "" {
		msg = d.Err
	}
	return baseEvent2(EventLLMCompleted, runID, agentID, run.StatusRunning, step, msg, d)
}

// NewToolBatchStartedEvent constructs an EventToolBatchStarted.
func NewToolBatchStartedEvent(runID, agentID string, step int, d ToolBatchStartedData) Event {
	return baseEvent2(EventToolBatchStarted, runID, agentID, run.StatusRunning, step, "", d)
}

// NewToolCompletedEvent constructs an EventToolCompleted.
func NewToolCompletedEvent(runID, agentID string, step int, d ToolCompletedData) Event {
	return baseEvent2(EventToolCompleted, runID, agentID, run.StatusRunning, step, "", d)
}

// NewSubagentStartedEvent constructs an EventSubagentStarted.
func NewSubagentStartedEvent(runID, agentID string, step int, d SubagentStartedData) Event {
	return baseEvent2(EventSubagentStarted, runID, agentID, run.StatusRunning, step, "", d)
}

// NewSubagentCompletedEvent constructs an EventSubagentCompleted.
func NewSubagentCompletedEvent(runID, agentID string, step int, d SubagentCompletedData) Event {
	return baseEvent2(EventSubagentCompleted, runID, agentID, run.StatusRunning, step, "", d)
}

// NewRunPausedEvent constructs an EventRunPaused.
func NewRunPausedEvent(runID, agentID string, d RunPausedData) Event {
	return baseEvent2(EventRunPaused, runID, agentID, run.StatusPaused, -1, d.Reason, d)
}

// NewRunResumedEvent constructs an EventRunResumed.
func NewRunResumedEvent(runID, agentID string, d RunResumedData) Event {
	return baseEvent2(EventRunResumed, runID, agentID, run.StatusRunning, -1, d.Notes, d)
}

// NewRunCancelledEvent constructs an EventRunCancelled.
func NewRunCancelledEvent(runID, agentID string, d RunTerminalData) Event {
	return baseEvent2(EventRunCancelled, runID, agentID, run.StatusCancelled, -1, d.PublicError, d)
}

// NewRunInterruptedEvent constructs an EventRunInterrupted.
func NewRunInterruptedEvent(runID, agentID string, d RunTerminalData) Event {
	return baseEvent2(EventRunInterrupted, runID, agentID, run.StatusCancelling, -1, d.PublicError, d)
}

// NewRunFailedEvent constructs an EventRunFailed.
func NewRunFailedEvent(runID, agentID string, d RunTerminalData) Event {
	return baseEvent2(EventRunFailed, runID, agentID, run.StatusFailed, -1, d.PublicError, d)
}

// NewRunCompletedEvent constructs an EventRunCompleted with the given terminal
// status ("success", "failed", "cancelled", "degraded") and optional error.
func NewRunCompletedEvent(runID, agentID, status string, err error) Event {
	d := RunTerminalData{Status: status}
	if err != nil {
		d.Err = err.Error()
	}
	return baseEvent2(EventRunCompleted, runID, agentID, run.StatusCompleted, -1, d.Err, d)
}

// NewWarningEvent constructs an EventWarning.
func NewWarningEvent(runID, agentID string, step int, reason string) Event {
	return baseEvent2(EventWarning, runID, agentID, run.StatusRunning, step, reason, WarningData{Reason: reason})
}

func baseEvent2(typ EventType, runID, agentID string, state run.Status, step int, msg string, data any) Event {
	b := newBase(typ, runID, agentID, state, step, msg, data)
	return b
}
