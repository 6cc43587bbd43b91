package hooks

import "context"

// SubscriberFunc adapts a plain function to the Subscriber interface, the
// way http.HandlerFunc adapts a function to http.Handler.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent calls f(ctx, event).
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}
