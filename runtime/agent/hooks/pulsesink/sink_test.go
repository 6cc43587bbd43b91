package pulsesink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/afk-project/afk-core/runtime/agent/hooks"
	"github.com/afk-project/afk-core/runtime/agent/hooks/pulsesink/clients/pulse"
	"github.com/afk-project/afk-core/runtime/agent/run"
)

type fakeStream struct {
	added []struct {
		event   string
		payload []byte
	}
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.added = append(s.added, struct {
		event   string
		payload []byte
	}{event, payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return nil, errors.New("fakeStream: NewSink not supported")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient { return &fakeClient{streams: make(map[string]*fakeStream)} }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func TestSinkPublishesEnvelope(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := hooks.NewRunStartedEvent("run-123", "agent-1", run.Context{}, nil)
	require.NoError(t, sink.HandleEvent(context.Background(), evt))

	stream, ok := cli.streams["run/run-123"]
	require.True(t, ok)
	require.Len(t, stream.added, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(stream.added[0].payload, &env))
	require.Equal(t, "run_started", env.Type)
	require.Equal(t, "run-123", env.RunID)
}

func TestSinkRejectsMissingRunID(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := hooks.NewRunStartedEvent("", "agent-1", run.Context{}, nil)
	require.Error(t, sink.HandleEvent(context.Background(), evt))
}
