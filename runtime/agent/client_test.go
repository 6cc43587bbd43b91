package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/a2a"
)

type stubClient struct {
	gotMessages []any
	out         any
	err         error
}

func (c *stubClient) Run(ctx context.Context, messages []any) (any, error) {
	c.gotMessages = messages
	return c.out, c.err
}

func TestClientDispatcherForwardsSliceMessagesAndSucceeds(t *testing.T) {
	client := &stubClient{out: "hello"}
	d := ClientDispatcher{Client: client}

	resp, err := d.Dispatch(context.Background(), a2a.Envelope{Payload: []any{"hi", "there"}})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "hello", resp.Output)
	require.Equal(t, []any{"hi", "there"}, client.gotMessages)
}

func TestClientDispatcherWrapsNonSliceMessages(t *testing.T) {
	client := &stubClient{out: "ok"}
	d := ClientDispatcher{Client: client}

	_, err := d.Dispatch(context.Background(), a2a.Envelope{Payload: map[string]any{"q": "x"}})
	require.NoError(t, err)
	require.Equal(t, []any{map[string]any{"q": "x"}}, client.gotMessages)
}

func TestClientDispatcherSurfacesClientErrorAsUnsuccessfulResponse(t *testing.T) {
	client := &stubClient{err: errors.New("boom")}
	d := ClientDispatcher{Client: client}

	resp, err := d.Dispatch(context.Background(), a2a.Envelope{Payload: []any{"hi"}})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "boom", resp.Err.Message)
}
