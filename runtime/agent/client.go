package agent

import (
	"context"

	"github.com/afk-project/afk-core/runtime/a2a"
)

// Client runs an agent against a raw message list, abstracting away session
// management and the model package's typed transcript. It is the shape a
// local (in-process) A2A dispatch target implements.
type Client interface {
	// Run executes the agent with messages and returns its raw output. The
	// message format is adapter-defined; ClientDispatcher forwards an
	// Envelope's Payload unchanged.
	Run(ctx context.Context, messages []any) (any, error)
}

// ClientDispatcher adapts a Client into an a2a.Dispatcher, so an agent
// reachable in-process (no network hop) can still be addressed as an A2A
// delegation target. Envelope.Payload is forwarded as messages verbatim
// when it is already []any; otherwise it is wrapped in a single-element
// slice.
type ClientDispatcher struct {
	Client Client
}

// Dispatch runs req against d.Client and translates the result into an
// a2a.Response.
func (d ClientDispatcher) Dispatch(ctx context.Context, req a2a.Envelope) (a2a.Response, error) {
	messages, ok := req.Payload.([]any)
	if !ok {
		messages = []any{req.Payload}
	}
	output, err := d.Client.Run(ctx, messages)
	if err != nil {
		return a2a.Response{
			Success: false,
			Err:     &a2a.ErrorDetail{Code: "client_error", Message: err.Error()},
		}, nil
	}
	return a2a.Response{Success: true, Output: output}, nil
}
