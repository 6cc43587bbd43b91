package pulsesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/afk-project/afk-core/runtime/agent/hooks"
	"github.com/afk-project/afk-core/runtime/agent/hooks/pulsesink/clients/pulse"
	"github.com/afk-project/afk-core/runtime/agent/run"
)

// decodedEvent implements hooks.Event for an Envelope read back off a Pulse
// stream. Out-of-process consumers (persistence drains, live dashboards)
// never see the original in-process Event value, only its wire form.
type decodedEvent struct {
	env Envelope
}

func (d decodedEvent) Type() hooks.EventType   { return hooks.EventType(d.env.Type) }
func (d decodedEvent) RunID() string           { return d.env.RunID }
func (d decodedEvent) AgentID() string         { return d.env.AgentID }
func (d decodedEvent) RunState() run.Status    { return run.Status(d.env.RunState) }
func (d decodedEvent) Step() int               { return d.env.Step }
func (d decodedEvent) Message() string         { return d.env.Message }
func (d decodedEvent) Timestamp() int64        { return d.env.Timestamp }
func (d decodedEvent) SchemaVersion() int      { return d.env.SchemaVersion }
func (d decodedEvent) Data() any                { return d.env.Data }

var _ hooks.Event = decodedEvent{}

// SubscriberOptions configures a Pulse-backed subscriber.
type SubscriberOptions struct {
	// Client is the Pulse client used to consume events. Required.
	Client pulse.Client
	// GroupName identifies the Pulse consumer group. Defaults to "afk_event_subscriber".
	GroupName string
	// Buffer specifies the event channel capacity. Defaults to 64.
	Buffer int
}

// Subscriber consumes a Pulse stream produced by Sink and re-emits the
// envelopes it contains as hooks.Event values, for out-of-process consumers
// that want the same event taxonomy the in-process hooks.Bus delivers.
type Subscriber struct {
	client pulse.Client
	group  string
	buffer int
}

// NewSubscriber constructs a Subscriber. opts.Client is required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulsesink: client is required")
	}
	group := opts.GroupName
	if group == "" {
		group = "afk_event_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, group: group, buffer: buffer}, nil
}

// Subscribe opens a Pulse consumer group on streamID and returns channels of
// decoded events and errors, plus a cancel function that stops consumption
// and closes the underlying sink. Callers typically derive streamID the same
// way Sink does: "run/<RunID>".
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan hooks.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.group, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan hooks.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- hooks.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(raw.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulsesink: decode envelope: %w", err)
				return
			}
			select {
			case out <- decodedEvent{env: env}:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, raw); err != nil {
				errs <- fmt.Errorf("pulsesink: ack: %w", err)
				return
			}
		}
	}
}
