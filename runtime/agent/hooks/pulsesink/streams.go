package pulsesink

import (
	"context"
	"errors"

	"github.com/afk-project/afk-core/runtime/agent/hooks"
	"github.com/afk-project/afk-core/runtime/agent/hooks/pulsesink/clients/pulse"
)

// Streams wires a caller-provided Pulse client into both halves of the
// distributed event path: a publishing Sink (attached to a hooks.Bus) and
// Subscribers spun up later by out-of-process consumers, all sharing one
// Redis connection pool.
type Streams struct {
	sink   *Sink
	client pulse.Client
}

// StreamsOptions configures NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. Required.
	Client pulse.Client
	// Sink holds optional overrides for the publishing sink. Zero value uses defaults.
	Sink Options
}

// NewStreams constructs the publish/subscribe helper described on Streams.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulsesink: client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client}, nil
}

// Sink returns the publishing sink, suitable for attaching to a hooks.Bus.
func (s *Streams) Sink() hooks.Subscriber { return s.sink }

// NewSubscriber constructs a Subscriber that reuses this helper's client.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// Close releases the underlying Pulse client.
func (s *Streams) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
