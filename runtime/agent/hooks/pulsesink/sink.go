// Package pulsesink adapts hooks.Event publication onto goa.design/pulse
// Redis streams, so lifecycle events fan out to out-of-process consumers
// (persistence drains, live UI subscribers) in addition to in-process
// hooks.Bus subscribers.
package pulsesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/afk-project/afk-core/runtime/agent/hooks"
	"github.com/afk-project/afk-core/runtime/agent/hooks/pulsesink/clients/pulse"
)

// Options configures Sink.
type Options struct {
	// Client is the Pulse client used to publish events. Required.
	Client pulse.Client
	// StreamID derives the target Pulse stream name from an event. Defaults
	// to "run/<RunID>".
	StreamID func(hooks.Event) (string, error)
}

// Envelope is the JSON document published to the Pulse stream for each
// event.
type Envelope struct {
	Type          string `json:"type"`
	RunID         string `json:"run_id"`
	AgentID       string `json:"agent_id"`
	RunState      string `json:"run_state"`
	Step          int    `json:"step,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"timestamp_ms"`
	SchemaVersion int    `json:"schema_version"`
	Data          any    `json:"data,omitempty"`
}

// Sink implements hooks.Subscriber, publishing every received event to a
// Pulse stream derived from the event's RunID.
type Sink struct {
	client   pulse.Client
	streamID func(hooks.Event) (string, error)
}

// NewSink constructs a Sink. opts.Client is required.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulsesink: client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

var _ hooks.Subscriber = (*Sink)(nil)

// HandleEvent publishes event to the derived Pulse stream.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	stream, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:          string(event.Type()),
		RunID:         event.RunID(),
		AgentID:       event.AgentID(),
		RunState:      string(event.RunState()),
		Step:          event.Step(),
		Message:       event.Message(),
		Timestamp:     event.Timestamp(),
		SchemaVersion: event.SchemaVersion(),
		Data:          event.Data(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulsesink: marshal envelope: %w", err)
	}
	_, err = stream.Add(ctx, env.Type, payload)
	return err
}

func defaultStreamID(event hooks.Event) (string, error) {
	if event.RunID() == "" {
		return "", errors.New("pulsesink: event missing run id")
	}
	return "run/" + event.RunID(), nil
}

// DefaultOperationTimeout is a sane default for pulse.Options.OperationTimeout
// when a caller wires this sink without overriding it.
const DefaultOperationTimeout = 5 * time.Second
