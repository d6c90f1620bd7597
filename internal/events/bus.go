package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Listener handles a published event. Listeners run synchronously on the
// publishing goroutine and must be fast; anything slow belongs behind the
// listener's own queue.
type Listener func(ctx context.Context, ev Event)

// Bus is a synchronous observer dispatcher. Publish is fire-and-forget
// from the publisher's point of view: a panicking listener is recovered
// and logged, never propagated into the triggering operation.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

// NewBus creates an event bus logging listener failures to logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With(slog.String("component", "event_bus"))}
}

// Subscribe registers a listener for all events. Registration order is
// dispatch order.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish dispatches the event to every listener in order.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.dispatch(ctx, l, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if rvr := recover(); rvr != nil {
			b.logger.ErrorContext(ctx, "event listener panicked",
				slog.String("event", ev.EventName()),
				slog.Any("panic", rvr),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	l(ctx, ev)
}
