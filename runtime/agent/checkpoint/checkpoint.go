// Package checkpoint implements the checkpoint journal (C1): an append-only
// record of per-run phase snapshots plus a "latest" pointer used to resume a
// run after a process restart or an explicit pause.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Phase identifies a checkpoint-worthy boundary in a run's execution.
type Phase string

const (
	// PhaseRunStarted is written once, when a run handle is opened.
	PhaseRunStarted Phase = "run_started"
	// PhasePreLLM is written immediately before a model invocation.
	PhasePreLLM Phase = "pre_llm"
	// PhasePostLLM is written immediately after a model invocation
	// completes (successfully or not).
	PhasePostLLM Phase = "post_llm"
	// PhasePreToolBatch is written before a batch of tool calls executes.
	PhasePreToolBatch Phase = "pre_tool_batch"
	// PhasePostToolBatch is written after a batch of tool calls completes.
	PhasePostToolBatch Phase = "post_tool_batch"
	// PhaseRuntimeState is a periodic snapshot of the transcript and
	// accumulators, written on a cadence independent of phase boundaries.
	PhaseRuntimeState Phase = "runtime_state"
	// PhasePaused is written when a run suspends awaiting interaction
	// resolution or an explicit pause.
	PhasePaused Phase = "paused"
	// PhaseResumed is written when a paused run resumes.
	PhaseResumed Phase = "resumed"
	// PhaseRunTerminal is written once, when a run reaches a terminal
	// state; its Payload carries the serialized terminal result.
	PhaseRunTerminal Phase = "run_terminal"
)

// Frame is a single journal entry: a run's state at one phase boundary of
// one step.
type Frame struct {
	// RunID identifies the run this frame belongs to.
	RunID string
	// Step is the step index the frame was written at.
	Step int
	// Phase identifies which boundary produced this frame.
	Phase Phase
	// Timestamp records when the frame was written.
	Timestamp time.Time
	// Payload carries the phase-specific compact snapshot: the serialized
	// terminal result for PhaseRunTerminal, the serialized transcript and
	// accumulators for PhaseRuntimeState, and otherwise phase-specific
	// bookkeeping (e.g. pending tool call ids).
	Payload json.RawMessage
}

// Key returns the frame's identity within its run: (step, phase). Two
// writes with the same Key to the same run overwrite each other; the
// journal does not deduplicate across retries of the same phase.
func (f Frame) Key() (int, Phase) { return f.Step, f.Phase }

// ErrNotFound indicates no frame exists for the requested key, or no latest
// pointer exists for the requested run.
var ErrNotFound = errors.New("checkpoint: not found")

// Journal is the checkpoint journal contract. Every WriteFrame call that
// succeeds must leave the run's latest pointer referencing a frame that
// exists — the journal never advances the pointer before the frame itself
// is durable.
type Journal interface {
	// WriteFrame appends frame to the journal and advances runID's latest
	// pointer to reference it.
	WriteFrame(ctx context.Context, frame Frame) error

	// Latest returns the most recently written frame for runID. Returns
	// ErrNotFound if the run has no frames.
	Latest(ctx context.Context, runID string) (Frame, error)

	// Frame returns the frame written for runID at the given (step, phase).
	// Returns ErrNotFound if no such frame exists.
	Frame(ctx context.Context, runID string, step int, phase Phase) (Frame, error)

	// ListFrames returns every frame written for runID, ordered by Step
	// ascending and, within a step, by write order.
	ListFrames(ctx context.Context, runID string) ([]Frame, error)
}
