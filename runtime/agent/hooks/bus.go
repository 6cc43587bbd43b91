package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes run lifecycle events to registered subscribers. Delivery
	// is synchronous in the publisher's goroutine and stops at the first
	// subscriber error, so a critical subscriber (e.g. checkpoint persistence)
	// can halt a run by returning one.
	Bus interface {
		// Publish delivers event to every currently registered subscriber,
		// stopping at the first error. The order in which subscribers are
		// called is not defined.
		Publish(ctx context.Context, event Event) error

		// Register adds sub to the bus and returns a Subscription that can be
		// closed to unregister it. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations must be
	// thread-safe if registered with multiple buses or shared across
	// concurrent Publish calls.
	Subscriber interface {
		// HandleEvent processes one event. Returning an error stops the Bus
		// from delivering this event to remaining subscribers.
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription is an active registration on a Bus. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// bus is the in-memory Bus implementation.
	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// NewBus constructs an in-memory event bus, ready for immediate use.
//
//	bus := hooks.NewBus()
//	sub, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	}))
//	defer sub.Close()
//
//	bus.Publish(ctx, hooks.NewRunStartedEvent(runID, agentID, rc, input))
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish snapshots the current subscriber set before iterating, so
// registrations or Close calls made during delivery don't affect it.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
