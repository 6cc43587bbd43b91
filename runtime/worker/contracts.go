// Package worker implements the worker loop (C9): a bounded-concurrency
// consumer over a queue.Queue that dispatches each dequeued task to an
// execution contract resolved from its metadata.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/afk-project/afk-core/runtime/executor"
	"github.com/afk-project/afk-core/runtime/queue"
)

const (
	RunnerChatContract   = "runner.chat.v1"
	JobDispatchContract  = "job.dispatch.v1"
)

// ContractError is the base type for execution-contract dispatch failures.
type ContractError struct {
	Retryable bool
	msg       string
}

func (e *ContractError) Error() string { return e.msg }

func resolutionError(format string, args ...any) *ContractError {
	return &ContractError{Retryable: false, msg: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) *ContractError {
	return &ContractError{Retryable: false, msg: fmt.Sprintf(format, args...)}
}

// JobHandler executes a job.dispatch.v1 task's named job type.
type JobHandler func(ctx context.Context, arguments map[string]any, task *queue.Task) (any, error)

// Context carries the shared dependencies available to every execution
// contract invocation.
type Context struct {
	JobHandlers map[string]JobHandler
}

// Agent is an alias of executor.Agent, the agent definition an execution
// contract passes to Start.
type Agent = executor.Agent

// Executor is the subset of executor.Executor the runner-chat contract
// needs: start a run and await its terminal result.
type Executor interface {
	Start(ctx context.Context, in executor.StartInput) (*executor.RunHandle, error)
}

// Contract dispatches one task item to a concrete execution strategy.
type Contract interface {
	ContractID() string
	RequiresAgent() bool
	Execute(ctx context.Context, task *queue.Task, agent *Agent, wctx Context) (any, error)
}

// RunnerChatContractImpl constructs a run executor for the task's agent and
// returns its terminal {final_text, state}.
//
// Expected payload: {"user_message": string?, "context": map[string]any?}.
type RunnerChatContractImpl struct {
	Runner Executor
}

func (c *RunnerChatContractImpl) ContractID() string  { return RunnerChatContract }
func (c *RunnerChatContractImpl) RequiresAgent() bool { return true }

func (c *RunnerChatContractImpl) Execute(ctx context.Context, task *queue.Task, agent *Agent, _ Context) (any, error) {
	if agent == nil {
		return nil, validationError("contract '%s' requires an agent", c.ContractID())
	}
	userMessage, _ := task.Payload["user_message"].(string)
	taskContext := map[string]string{}
	if raw, ok := task.Payload["context"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, validationError("contract '%s' expected payload.context to be an object", c.ContractID())
		}
		for k, v := range m {
			if s, ok := v.(string); ok {
				taskContext[k] = s
			}
		}
	}

	handle, err := c.Runner.Start(ctx, executor.StartInput{
		Agent:       agent,
		ThreadID:    task.ID,
		UserMessage: userMessage,
		Context:     taskContext,
	})
	if err != nil {
		return nil, err
	}
	res, err := handle.AwaitResult(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"final_text": res.FinalText, "state": string(res.State)}, nil
}

// JobDispatchContractImpl routes non-agent jobs to a named handler.
//
// Expected payload: {"job_type": string, "arguments": map[string]any?}.
type JobDispatchContractImpl struct{}

func (c *JobDispatchContractImpl) ContractID() string  { return JobDispatchContract }
func (c *JobDispatchContractImpl) RequiresAgent() bool { return false }

func (c *JobDispatchContractImpl) Execute(ctx context.Context, task *queue.Task, _ *Agent, wctx Context) (any, error) {
	jobType, ok := task.Payload["job_type"].(string)
	if !ok || strings.TrimSpace(jobType) == "" {
		return nil, validationError("contract '%s' requires non-empty payload.job_type", c.ContractID())
	}
	arguments := map[string]any{}
	if raw, ok := task.Payload["arguments"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, validationError("contract '%s' expected payload.arguments to be an object", c.ContractID())
		}
		arguments = m
	}
	handler, ok := wctx.JobHandlers[jobType]
	if !ok {
		return nil, validationError("unknown job handler '%s' for contract '%s'", jobType, c.ContractID())
	}
	return handler(ctx, arguments, task)
}
